package patcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/vcs"
)

// LocalBuilder is the production Builder: it stages a read-write copy
// of the challenge task, applies the candidate patch, rebuilds the
// fuzzers through a build runner, and records the result in the build
// map so POV-against-patch reproduction can find it.
type LocalBuilder struct {
	logger  *slog.Logger
	root    nodelocal.Root
	runner  build.Runner
	cache   *build.Cache
	taskDir string
	engine  string
}

// NewLocalBuilder constructs a LocalBuilder building from the pristine
// challenge at taskDir.
func NewLocalBuilder(logger *slog.Logger, root nodelocal.Root, runner build.Runner,
	cache *build.Cache, taskDir, engine string) *LocalBuilder {

	return &LocalBuilder{
		logger:  logger,
		root:    root,
		runner:  runner,
		cache:   cache,
		taskDir: taskDir,
		engine:  engine,
	}
}

// BuildPatched implements Builder.
func (b *LocalBuilder) BuildPatched(ctx context.Context, taskID, internalPatchID, sanitizer, patchText string) (
	string, string, string, bool, error) {

	scratch, err := b.root.NewScratchDir()
	if err != nil {
		return "", "", "", false, err
	}

	rwDir := filepath.Join(scratch.Path, "task")
	if err := nodelocal.CopyTree(b.taskDir, rwDir); err != nil {
		scratch.Close()
		return "", "", "", false, err
	}

	if err := vcs.ApplyPatchText(ctx, rwDir, patchText); err != nil {
		scratch.Close()
		return "", "", err.Error(), errors.Is(err, vcs.ErrApplyFailed), err
	}

	cmd := build.BuildCommand(build.Request{
		TaskID:          taskID,
		Engine:          b.engine,
		Sanitizer:       sanitizer,
		BuildType:       build.TypePatch,
		InternalPatchID: internalPatchID,
	})
	output, err := b.runner.RunBuild(ctx, rwDir, cmd)
	if err != nil {
		scratch.Close()
		return "", output, err.Error(), false, err
	}

	// The built directory outlives the scratch scope: the attempt owns
	// it now, and releases it on supersession.
	scratch.Commit()

	out := build.Output{
		TaskID:          taskID,
		Engine:          b.engine,
		Sanitizer:       sanitizer,
		BuildType:       build.TypePatch,
		InternalPatchID: internalPatchID,
		TaskDir:         rwDir,
	}
	if err := b.cache.Put(ctx, out); err != nil {
		return "", output, "", false, err
	}

	return rwDir, output, "", false, nil
}
