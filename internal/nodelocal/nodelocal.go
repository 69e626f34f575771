// Package nodelocal implements the remote/local staging primitives: a
// node-local scratch filesystem rooted at a configured directory,
// atomic publication via rename, and archive helpers for shipping whole
// directories between the remote store and a node's local disk. A
// reader that observes a published local path sees either a complete
// artifact or nothing; no partial file is ever observable there.
package nodelocal

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Root is the node-local staging root, resolved once at process init
// and passed explicitly rather than read from the environment on every
// call. Local paths live under path, on this node's own disk;
// RemotePath maps the same relative structure onto remoteRoot, the shared
// filesystem every node sees (in production this is the real OS root, since
// the shared store is mounted directly; tests point it at a second temp
// directory standing in for that mount).
type Root struct {
	path       string
	remoteRoot string
}

// NewRoot resolves dir into a Root whose remote store is the real
// filesystem root, matching production's shared-NFS-mounted-at-/ layout.
func NewRoot(dir string) (Root, error) {
	return NewRootWithRemote(dir, string(filepath.Separator))
}

// NewRootWithRemote is NewRoot with an explicit remote-store root, letting
// tests stand in a temp directory for the shared filesystem that production
// mounts at the OS root.
func NewRootWithRemote(dir, remoteRoot string) (Root, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Root{}, fmt.Errorf("nodelocal: root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return Root{}, fmt.Errorf("nodelocal: root %q is not a directory", dir)
	}
	return Root{path: dir, remoteRoot: remoteRoot}, nil
}

// Path returns the local root directory itself.
func (r Root) Path() string { return r.path }

// RemotePath maps local (which must be under the local root) onto its
// address on the shared remote store.
func (r Root) RemotePath(local string) (string, error) {
	rel, err := filepath.Rel(r.path, local)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("nodelocal: %q must be relative to root %q", local, r.path)
	}
	return filepath.Join(r.remoteRoot, rel), nil
}

// RemoteArchivePath is the conventional archive name for local's remote
// counterpart: its remote path with a .tgz suffix.
func (r Root) RemoteArchivePath(local string) (string, error) {
	rpath, err := r.RemotePath(local)
	if err != nil {
		return "", err
	}
	return rpath + ".tgz", nil
}

// ScratchPath returns the root's scratch subdirectory, creating it if
// necessary.
func (r Root) ScratchPath() (string, error) {
	p := filepath.Join(r.path, "scratch")
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("nodelocal: scratch dir: %w", err)
	}
	return p, nil
}

// ScratchDir is a temporary directory under the scratch path that is
// removed on Close unless Commit was called first.
type ScratchDir struct {
	Path      string
	committed bool
}

// Commit marks the directory as kept; Close becomes a no-op.
func (d *ScratchDir) Commit() { d.committed = true }

// Close removes the directory tree unless it was committed.
func (d *ScratchDir) Close() error {
	if d.committed {
		return nil
	}
	return os.RemoveAll(d.Path)
}

// NewScratchDir creates a fresh temporary directory under the root's
// scratch path.
func (r Root) NewScratchDir() (*ScratchDir, error) {
	base, err := r.ScratchPath()
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(base, "tmp-")
	if err != nil {
		return nil, fmt.Errorf("nodelocal: new scratch dir: %w", err)
	}
	return &ScratchDir{Path: dir}, nil
}

// ScratchFile is a temp file under the scratch path that is removed on
// Close unless Keep was called.
type ScratchFile struct {
	*os.File
	kept bool
}

// Keep marks the file as kept; Close no longer removes it.
func (f *ScratchFile) Keep() { f.kept = true }

// Close closes the underlying file and removes it unless Keep was called.
func (f *ScratchFile) Close() error {
	name := f.File.Name()
	closeErr := f.File.Close()
	if f.kept {
		return closeErr
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		if closeErr == nil {
			return err
		}
	}
	return closeErr
}

// LocalScratchFile creates a new temp file under the root's scratch path.
func (r Root) LocalScratchFile(suffix string) (*ScratchFile, error) {
	base, err := r.ScratchPath()
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(base, "scratch-*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("nodelocal: local scratch file: %w", err)
	}
	return &ScratchFile{File: f}, nil
}

// RemoteScratchFile creates a new temp file alongside local's remote
// counterpart (same directory), so the eventual rename is same-filesystem.
func (r Root) RemoteScratchFile(local, suffix string) (*ScratchFile, error) {
	rpath, err := r.RemotePath(local)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(rpath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nodelocal: remote scratch file: %w", err)
	}
	f, err := os.CreateTemp(dir, "scratch-*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("nodelocal: remote scratch file: %w", err)
	}
	return &ScratchFile{File: f}, nil
}

// ErrRaced is returned by RenameAtomically when another worker's rename
// won the race to dst. It is a normal, non-error outcome: whichever
// rename won, the destination is valid.
var ErrRaced = errors.New("nodelocal: destination already published by another worker")

// RenameAtomically renames src to dst, creating dst's parent directory
// first. If dst already exists (os.Rename failing with EEXIST or
// "directory not empty", as happens on some filesystems for non-empty
// directory targets), it returns ErrRaced rather than treating the race as
// a failure.
func RenameAtomically(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("nodelocal: rename %q -> %q: %w", src, dst, err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		if errors.Is(linkErr.Err, os.ErrExist) || strings.Contains(linkErr.Err.Error(), "directory not empty") {
			return ErrRaced
		}
	}
	return fmt.Errorf("nodelocal: rename %q -> %q: %w", src, dst, err)
}

// MakeLocallyAvailable ensures local exists, streaming it from the remote
// store into place (via a same-filesystem scratch file and atomic rename)
// if it does not. A race with another worker doing the same thing is not
// an error: whichever rename wins, local ends up present either way.
func (r Root) MakeLocallyAvailable(ctx context.Context, local string) error {
	if _, err := os.Stat(local); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("nodelocal: stat %q: %w", local, err)
	}

	rpath, err := r.RemotePath(local)
	if err != nil {
		return err
	}
	remoteFile, err := os.Open(rpath)
	if err != nil {
		return fmt.Errorf("nodelocal: open remote %q: %w", rpath, err)
	}
	defer remoteFile.Close()

	scratch, err := r.LocalScratchFile(filepath.Ext(local))
	if err != nil {
		return err
	}
	defer scratch.Close()

	if _, err := io.Copy(scratch.File, remoteFile); err != nil {
		return fmt.Errorf("nodelocal: copy %q: %w", rpath, err)
	}
	if err := scratch.File.Close(); err != nil {
		return fmt.Errorf("nodelocal: close scratch for %q: %w", local, err)
	}

	renameErr := RenameAtomically(scratch.Path(), local)
	if renameErr != nil && !errors.Is(renameErr, ErrRaced) {
		return renameErr
	}
	if renameErr == nil {
		scratch.Keep()
	}
	return nil
}

// Path exposes the underlying *os.File's name for RenameAtomically calls.
func (f *ScratchFile) Path() string { return f.File.Name() }

// RemoteArchiveToDir ensures local exists by fetching and unpacking its
// remote .tgz archive if necessary.
func (r Root) RemoteArchiveToDir(ctx context.Context, local string) error {
	if _, err := os.Stat(local); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("nodelocal: stat %q: %w", local, err)
	}

	apath, err := r.RemoteArchivePath(local)
	if err != nil {
		return err
	}
	archiveFile, err := os.Open(apath)
	if err != nil {
		return fmt.Errorf("nodelocal: open remote archive %q: %w", apath, err)
	}
	defer archiveFile.Close()

	scratch, err := r.LocalScratchFile(".tgz")
	if err != nil {
		return err
	}
	defer scratch.Close()

	if _, err := io.Copy(scratch.File, archiveFile); err != nil {
		return fmt.Errorf("nodelocal: copy archive %q: %w", apath, err)
	}
	if _, err := scratch.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("nodelocal: seek scratch for %q: %w", local, err)
	}

	scratchDir, err := r.NewScratchDir()
	if err != nil {
		return err
	}
	defer scratchDir.Close()

	if err := untar(scratch.File, scratchDir.Path); err != nil {
		return fmt.Errorf("nodelocal: extract %q: %w", apath, err)
	}

	renameErr := RenameAtomically(scratchDir.Path, local)
	if renameErr != nil && !errors.Is(renameErr, ErrRaced) {
		return renameErr
	}
	if renameErr == nil {
		scratchDir.Commit()
	}
	return nil
}

// DirToRemoteArchive tars+gzips localDir to a local scratch file, streams
// it to a remote scratch file (same filesystem as the eventual archive
// path), then atomic-renames into place.
func (r Root) DirToRemoteArchive(ctx context.Context, localDir string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("nodelocal: stat %q: %w", localDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("nodelocal: %q must be a directory", localDir)
	}

	local, err := r.LocalScratchFile(".tgz")
	if err != nil {
		return err
	}
	defer local.Close()

	if err := tarDir(localDir, local.File); err != nil {
		return fmt.Errorf("nodelocal: tar %q: %w", localDir, err)
	}
	if _, err := local.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("nodelocal: seek tar of %q: %w", localDir, err)
	}

	remote, err := r.RemoteScratchFile(localDir, ".tgz")
	if err != nil {
		return err
	}
	defer remote.Close()

	if _, err := io.Copy(remote.File, local.File); err != nil {
		return fmt.Errorf("nodelocal: stage remote archive for %q: %w", localDir, err)
	}
	if err := remote.File.Close(); err != nil {
		return fmt.Errorf("nodelocal: close remote scratch for %q: %w", localDir, err)
	}

	apath, err := r.RemoteArchivePath(localDir)
	if err != nil {
		return err
	}
	renameErr := RenameAtomically(remote.Path(), apath)
	if renameErr != nil && !errors.Is(renameErr, ErrRaced) {
		return renameErr
	}
	if renameErr == nil {
		remote.Keep()
	}
	return nil
}

// Open makes local available (copying it from the remote store if
// necessary), then opens it for reading.
func (r Root) Open(ctx context.Context, local string) (*os.File, error) {
	if err := r.MakeLocallyAvailable(ctx, local); err != nil {
		return nil, err
	}
	return os.Open(local)
}

// CopyTree recursively copies the directory tree at src to dst,
// preserving file modes. It is the staging step behind every
// read-write scoped copy of a shared artifact.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func tarDir(srcDir string, w io.Writer) error {
	gw := gzip.NewWriter(w)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Untar unpacks a gzipped tar stream into destDir.
func Untar(r io.Reader, destDir string) error {
	return untar(r, destDir)
}

func untar(r io.Reader, destDir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
