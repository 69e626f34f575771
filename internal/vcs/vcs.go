// Package vcs applies unified diffs to a working copy. It backs
// internal/build's "apply the task's own diff and/or the patch
// attempt's text" step. go-git handles repository opening and cloning;
// the apply itself shells out to git, which is the one tool that
// reliably handles the patch formats OSS-Fuzz tasks ship.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// ErrApplyFailed wraps a patch that git rejected, distinguishing a
// deterministic work failure from a transient/infra one.
var ErrApplyFailed = errors.New("vcs: patch failed to apply")

// Open opens dir as a go-git repository, verifying it is a valid working
// copy before any patch application is attempted.
func Open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("vcs: open %q: %w", dir, err)
	}
	return repo, nil
}

// ApplyPatchText writes patchText to a temp file under dir and applies it
// against the working copy rooted at dir with `git apply`. On rejection,
// the returned error wraps ErrApplyFailed so callers can distinguish
// "patch doesn't apply" from an infra failure.
func ApplyPatchText(ctx context.Context, dir, patchText string) error {
	f, err := os.CreateTemp(dir, "patch-*.diff")
	if err != nil {
		return fmt.Errorf("vcs: stage patch: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(patchText); err != nil {
		f.Close()
		return fmt.Errorf("vcs: stage patch: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("vcs: stage patch: %w", err)
	}

	return applyFile(ctx, dir, f.Name())
}

func applyFile(ctx context.Context, dir, patchPath string) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--whitespace=nowarn", patchPath)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", ErrApplyFailed, stderr.String())
		}
		return fmt.Errorf("vcs: run git apply: %w", err)
	}
	return nil
}

// ApplyTaskDiff applies diffPath (the challenge task's own diff, at
// task_dir/diff/...) against dir.
func ApplyTaskDiff(ctx context.Context, dir, diffPath string) error {
	abs, err := filepath.Abs(diffPath)
	if err != nil {
		return fmt.Errorf("vcs: resolve diff path: %w", err)
	}
	return applyFile(ctx, dir, abs)
}

// SanitizeURL redacts any embedded credentials from rawURL for safe
// logging.
func SanitizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.User("*****")
	}
	return parsed.String()
}
