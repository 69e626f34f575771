package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/lock"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T) *kv.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewFromRedis(rdb)
}

func hashOf(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// newTestStore builds a store whose remote side is a second temp
// directory standing in for the shared filesystem.
func newTestStore(t *testing.T, runner MergeRunner) (*Store, string, string) {
	t.Helper()
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()

	root, err := nodelocal.NewRootWithRemote(localRoot, remoteRoot)
	require.NoError(t, err)

	s := New(root, "t1", "h1", runner, testLogger())
	localDir := s.LocalDir()
	remoteDir := filepath.Join(remoteRoot, "corpus", "t1", "h1")
	require.NoError(t, os.MkdirAll(localDir, 0o755))
	require.NoError(t, os.MkdirAll(remoteDir, 0o755))
	return s, localDir, remoteDir
}

func writeHashed(t *testing.T, dir, content string) string {
	t.Helper()
	name := hashOf(content)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	return name
}

func TestHashNewCorpusRenamesToContentHash(t *testing.T) {
	s, localDir, _ := newTestStore(t, nil)

	require.NoError(t, os.WriteFile(filepath.Join(localDir, "seed-1"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "seed-2"), []byte("beta"), 0o644))
	already := writeHashed(t, localDir, "gamma")

	renamed, err := s.HashNewCorpus(localDir)
	require.NoError(t, err)
	require.Equal(t, 2, renamed)

	names, err := s.ListLocalCorpus()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{hashOf("alpha"), hashOf("beta"), already}, names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(localDir, name))
		require.NoError(t, err)
		require.Equal(t, hashOf(string(data)), name)
	}
}

func TestHashNewCorpusDropsDuplicateContent(t *testing.T) {
	s, localDir, _ := newTestStore(t, nil)

	writeHashed(t, localDir, "alpha")
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "dup"), []byte("alpha"), 0o644))

	_, err := s.HashNewCorpus(localDir)
	require.NoError(t, err)

	names, err := s.ListLocalCorpus()
	require.NoError(t, err)
	require.Equal(t, []string{hashOf("alpha")}, names)
}

// recordingRunner implements MergeRunner by moving a configured set of
// files from srcDir into dstDir, recording whether it ran.
type recordingRunner struct {
	move []string
	ran  bool
}

func (r *recordingRunner) MergeCorpus(ctx context.Context, pkgDir, buildTarget, srcDir, dstDir string) error {
	r.ran = true
	for _, name := range r.move {
		if err := os.Rename(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func TestMergeNoLocalOnlyFilesIsANoOp(t *testing.T) {
	runner := &recordingRunner{}
	s, localDir, remoteDir := newTestStore(t, runner)
	client := newTestClient(t)

	writeHashed(t, localDir, "alpha")
	writeHashed(t, localDir, "beta")
	writeHashed(t, remoteDir, "alpha")
	writeHashed(t, remoteDir, "beta")

	merged, err := s.Merge(context.Background(), client, "/pkg", "FuzzX")
	require.NoError(t, err)
	require.False(t, merged)
	require.False(t, runner.ran, "merge engine must not run when nothing is local-only")

	remote, err := s.ListRemoteCorpus()
	require.NoError(t, err)
	require.Len(t, remote, 2)
}

func TestMergePushesCoverageAddingFile(t *testing.T) {
	cc := hashOf("gamma")
	runner := &recordingRunner{move: []string{cc}}
	s, localDir, _ := newTestStore(t, runner)
	client := newTestClient(t)

	aa := writeHashed(t, localDir, "alpha")
	bb := writeHashed(t, localDir, "beta")
	writeHashed(t, localDir, "gamma")

	// Remote starts with alpha and beta only.
	remote, err := s.remoteDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(remote, 0o755))
	writeHashed(t, remote, "alpha")
	writeHashed(t, remote, "beta")

	merged, err := s.Merge(context.Background(), client, "/pkg", "FuzzX")
	require.NoError(t, err)
	require.True(t, merged)
	require.True(t, runner.ran)

	remoteNames, err := s.ListRemoteCorpus()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{aa, bb, cc}, remoteNames)

	localNames, err := s.ListLocalCorpus()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{aa, bb, cc}, localNames, "pushed file stays local")
}

func TestMergeEvictsFileThatAddsNoCoverage(t *testing.T) {
	// The engine moves nothing: gamma adds no coverage and is evicted
	// from the local corpus.
	runner := &recordingRunner{}
	s, localDir, _ := newTestStore(t, runner)
	client := newTestClient(t)

	aa := writeHashed(t, localDir, "alpha")
	bb := writeHashed(t, localDir, "beta")
	writeHashed(t, localDir, "gamma")

	remote, err := s.remoteDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(remote, 0o755))
	writeHashed(t, remote, "alpha")
	writeHashed(t, remote, "beta")

	merged, err := s.Merge(context.Background(), client, "/pkg", "FuzzX")
	require.NoError(t, err)
	require.True(t, merged)

	remoteNames, err := s.ListRemoteCorpus()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{aa, bb}, remoteNames, "remote unchanged")

	localNames, err := s.ListLocalCorpus()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{aa, bb}, localNames, "gamma evicted locally")
}

func TestMergeSkipsWhenLockHeld(t *testing.T) {
	runner := &recordingRunner{}
	s, localDir, _ := newTestStore(t, runner)
	client := newTestClient(t)
	ctx := context.Background()

	writeHashed(t, localDir, "gamma")

	handle, err := lock.Acquire(ctx, client, kv.MergeLockName("t1", "h1"), time.Minute)
	require.NoError(t, err)
	defer handle.Release(ctx)

	merged, err := s.Merge(ctx, client, "/pkg", "FuzzX")
	require.NoError(t, err)
	require.False(t, merged)
	require.False(t, runner.ran)
}

func TestMergeConservation(t *testing.T) {
	// A runner that drops a remote file from the staged destination
	// violates conservation and must surface as an error.
	badRunner := &deletingRunner{}
	s, localDir, _ := newTestStore(t, badRunner)
	client := newTestClient(t)

	writeHashed(t, localDir, "alpha")
	writeHashed(t, localDir, "gamma")

	remote, err := s.remoteDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(remote, 0o755))
	writeHashed(t, remote, "alpha")

	_, err = s.Merge(context.Background(), client, "/pkg", "FuzzX")
	require.Error(t, err)
	require.Contains(t, err.Error(), "conservation")
}

type deletingRunner struct{}

func (deletingRunner) MergeCorpus(ctx context.Context, pkgDir, buildTarget, srcDir, dstDir string) error {
	entries, err := os.ReadDir(dstDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dstDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
