// Package corpus implements the content-addressed corpus store and its
// coverage-preserving merge protocol. A corpus is a set of files named
// by the hex SHA-256 of their content, living in a node-local directory
// (internal/nodelocal) that mirrors a remote counterpart accessible to
// every node.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/lock"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
)

// MaxLocalFiles caps how many local-only files a single merge pass samples,
// bounding the cost of a merge run regardless of how far the local corpus
// has drifted from remote.
const MaxLocalFiles = 500

// hashedNameRe matches a 64-hex-character SHA-256 filename.
var hashedNameRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HasHashedName reports whether name is already a valid content-addressed
// corpus filename.
func HasHashedName(name string) bool {
	return hashedNameRe.MatchString(name)
}

// MergeRunner runs the fuzz engine's own coverage-preserving corpus merge,
// moving files that add coverage from srcDir into dstDir. Implementations
// wrap a specific fuzz engine invocation (internal/fuzzrun for the
// production engines).
type MergeRunner interface {
	MergeCorpus(ctx context.Context, pkgDir, buildTarget, srcDir, dstDir string) error
}

// Store manages one (task, harness) corpus: a local directory under a
// nodelocal.Root and its remote counterpart.
type Store struct {
	root        nodelocal.Root
	taskID      string
	harnessName string
	localDir    string
	logger      *slog.Logger
	mergeRunner MergeRunner
}

// New constructs a Store for (taskID, harnessName), rooted at root. The
// local corpus directory is root.Path()/corpus/{taskID}/{harnessName}.
func New(root nodelocal.Root, taskID, harnessName string, runner MergeRunner, logger *slog.Logger) *Store {
	return &Store{
		root:        root,
		taskID:      taskID,
		harnessName: harnessName,
		localDir:    filepath.Join(root.Path(), "corpus", taskID, harnessName),
		mergeRunner: runner,
		logger:      logger,
	}
}

func (s *Store) remoteDir() (string, error) {
	return s.root.RemotePath(s.localDir)
}

// LocalDir returns the store's local corpus directory.
func (s *Store) LocalDir() string { return s.localDir }

// HashNewCorpus renames every file in the local corpus directory that isn't
// already a valid hashed filename to hex(sha256(content)), skipping files
// that already are. Returns the number of files renamed.
func (s *Store) HashNewCorpus(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("corpus: hash new corpus: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("corpus: hash new corpus: %w", err)
	}

	renamed := 0
	for _, entry := range entries {
		if entry.IsDir() || HasHashedName(entry.Name()) {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		sum, err := sha256File(src)
		if err != nil {
			return renamed, fmt.Errorf("corpus: hashing %q: %w", src, err)
		}
		dst := filepath.Join(dir, sum)
		if _, err := os.Stat(dst); err == nil {
			// Identical content already present under its hash; drop the
			// duplicate instead of clobbering it.
			if err := os.Remove(src); err != nil {
				return renamed, fmt.Errorf("corpus: dedup %q: %w", src, err)
			}
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return renamed, fmt.Errorf("corpus: renaming %q: %w", src, err)
		}
		renamed++
	}
	return renamed, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ListLocalCorpus returns every hashed filename in the local corpus
// directory.
func (s *Store) ListLocalCorpus() ([]string, error) {
	return listHashed(s.localDir)
}

// ListRemoteCorpus returns every hashed filename in the remote corpus
// directory.
func (s *Store) ListRemoteCorpus() ([]string, error) {
	rdir, err := s.remoteDir()
	if err != nil {
		return nil, err
	}
	return listHashed(rdir)
}

func listHashed(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("corpus: listing %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && HasHashedName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// SyncFromRemote ensures the local corpus directory contains a copy of
// every remote file that isn't already present locally.
func (s *Store) SyncFromRemote(ctx context.Context) error {
	rdir, err := s.remoteDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.localDir, 0o755); err != nil {
		return fmt.Errorf("corpus: sync from remote: %w", err)
	}

	remoteFiles, err := listHashed(rdir)
	if err != nil {
		return err
	}
	for _, name := range remoteFiles {
		dst := filepath.Join(s.localDir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyFile(filepath.Join(rdir, name), dst); err != nil {
			return fmt.Errorf("corpus: sync %q from remote: %w", name, err)
		}
	}
	return nil
}

// SyncSpecificFilesToRemote copies the named local files into the remote
// corpus directory.
func (s *Store) SyncSpecificFilesToRemote(names []string) error {
	rdir, err := s.remoteDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(rdir, 0o755); err != nil {
		return fmt.Errorf("corpus: sync to remote: %w", err)
	}
	for _, name := range names {
		src := filepath.Join(s.localDir, name)
		dst := filepath.Join(rdir, name)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("corpus: sync %q to remote: %w", name, err)
		}
	}
	return nil
}

// RemoveLocalFile deletes name from the local corpus directory.
func (s *Store) RemoveLocalFile(name string) error {
	err := os.Remove(filepath.Join(s.localDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("corpus: remove local %q: %w", name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func setOf(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func subtract(a, b []string) []string {
	bs := setOf(b)
	var out []string
	for _, n := range a {
		if _, ok := bs[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	bs := setOf(b)
	var out []string
	for _, n := range a {
		if _, ok := bs[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func isSubset(a map[string]struct{}, b []string) bool {
	bs := setOf(b)
	for n := range a {
		if _, ok := bs[n]; !ok {
			return false
		}
	}
	return true
}

// MergingLockTimeout bounds how long a single merge pass may hold the
// per-(task, harness) merge lock before another worker is free to try.
const MergingLockTimeout = 5 * time.Minute

// Merge runs one merge round: sync from remote, partition into
// local-only and remote sets, sample up to MaxLocalFiles of the
// local-only set, run the fuzz-engine merge, re-hash, verify that every
// pre-merge remote file survived and nothing outside the staged sets
// appeared, and push/delete accordingly. Returns (false, nil) without
// doing any work if the merge lock is already held elsewhere or if
// there are no local-only files to consider.
func (s *Store) Merge(ctx context.Context, client *kv.Client, pkgDir, buildTarget string) (bool, error) {
	lockName := kv.MergeLockName(s.taskID, s.harnessName)
	handle, err := lock.Acquire(ctx, client, lockName, MergingLockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return false, nil
		}
		return false, fmt.Errorf("corpus: merge lock: %w", err)
	}
	defer handle.Release(ctx)

	if err := s.SyncFromRemote(ctx); err != nil {
		return false, err
	}

	local, err := s.ListLocalCorpus()
	if err != nil {
		return false, err
	}
	remote, err := s.ListRemoteCorpus()
	if err != nil {
		return false, err
	}
	localOnly := subtract(local, remote)
	if len(localOnly) == 0 {
		return false, nil
	}

	rand.Shuffle(len(localOnly), func(i, j int) { localOnly[i], localOnly[j] = localOnly[j], localOnly[i] })
	if len(localOnly) > MaxLocalFiles {
		localOnly = localOnly[:MaxLocalFiles]
	}

	ld, err := os.MkdirTemp("", "corpus-ld-*")
	if err != nil {
		return false, fmt.Errorf("corpus: merge scratch: %w", err)
	}
	defer os.RemoveAll(ld)
	rd, err := os.MkdirTemp("", "corpus-rd-*")
	if err != nil {
		return false, fmt.Errorf("corpus: merge scratch: %w", err)
	}
	defer os.RemoveAll(rd)

	for _, name := range localOnly {
		if err := copyFile(filepath.Join(s.localDir, name), filepath.Join(ld, name)); err != nil {
			return false, fmt.Errorf("corpus: stage local-only %q: %w", name, err)
		}
	}
	rdir, err := s.remoteDir()
	if err != nil {
		return false, err
	}
	for _, name := range remote {
		if err := copyFile(filepath.Join(rdir, name), filepath.Join(rd, name)); err != nil {
			return false, fmt.Errorf("corpus: stage remote %q: %w", name, err)
		}
	}

	if s.mergeRunner != nil {
		if err := s.mergeRunner.MergeCorpus(ctx, pkgDir, buildTarget, ld, rd); err != nil {
			return false, fmt.Errorf("corpus: merge run: %w", err)
		}
	}

	if _, err := s.HashNewCorpus(rd); err != nil {
		return false, err
	}

	mergedRD, err := listHashed(rd)
	if err != nil {
		return false, err
	}
	remoteSet := setOf(remote)
	if !isSubset(remoteSet, mergedRD) {
		return false, fmt.Errorf("corpus: merge violated conservation invariant: a remote file was lost")
	}
	combined := append(append([]string{}, remote...), localOnly...)
	mergedSet := setOf(mergedRD)
	if !isSubset(mergedSet, combined) {
		return false, fmt.Errorf("corpus: merge violated conservation invariant: an unexpected file appeared")
	}

	push := intersect(localOnly, mergedRD)
	del := subtract(localOnly, mergedRD)

	if len(push) > 0 {
		for _, name := range push {
			if err := copyFile(filepath.Join(rd, name), filepath.Join(rdir, name)); err != nil {
				return false, fmt.Errorf("corpus: push %q: %w", name, err)
			}
		}
		if err := s.SyncSpecificFilesToRemote(push); err != nil {
			return false, err
		}
		if s.logger != nil {
			s.logger.Info("synced coverage-adding files to remote corpus", "count", len(push))
		}
	}
	for _, name := range del {
		if err := s.RemoveLocalFile(name); err != nil {
			if s.logger != nil {
				s.logger.Error("error removing file from local corpus", "file", name, "error", err)
			}
			continue
		}
	}
	if len(del) > 0 && s.logger != nil {
		s.logger.Info("removed files from local corpus that don't add coverage", "count", len(del))
	}

	return true, nil
}
