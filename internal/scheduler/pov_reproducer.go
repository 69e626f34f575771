package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// POVRunner reproduces a single POV input against a built challenge.
// ran=false means the run never executed (infrastructure failure) and
// carries no verdict; the request stays pending and is retried.
type POVRunner interface {
	ReproducePOV(ctx context.Context, taskDir, target, povPath string) (ran, crashed bool, err error)
}

// POVReproducer drives POV-against-patch reproduction: it takes one
// pending request per iteration, runs the POV against the matching
// patched build, and moves the request's status out of pending exactly
// once via CAS -- to expired, mitigated, or non_mitigated.
type POVReproducer struct {
	logger   *slog.Logger
	root     nodelocal.Root
	registry *registry.Registry
	builds   *build.Cache
	status   *crashes.POVReproduceStatus
	runner   POVRunner
	interval time.Duration
}

// NewPOVReproducer constructs a POVReproducer.
func NewPOVReproducer(logger *slog.Logger, root nodelocal.Root, reg *registry.Registry,
	builds *build.Cache, status *crashes.POVReproduceStatus, runner POVRunner,
	interval time.Duration) *POVReproducer {

	return &POVReproducer{
		logger:   logger,
		root:     root,
		registry: reg,
		builds:   builds,
		status:   status,
		runner:   runner,
		interval: interval,
	}
}

func (p *POVReproducer) Name() string            { return "pov-reproducer" }
func (p *POVReproducer) Interval() time.Duration { return p.interval }

// Execute handles at most one pending request per iteration.
func (p *POVReproducer) Execute(ctx context.Context) (bool, error) {
	req, err := p.status.GetOnePending(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	logger := p.logger.With("task_id", req.TaskID, "internal_patch_id", req.InternalPatchID,
		"sanitizer", req.Sanitizer, "harness", req.HarnessName)

	stop, err := p.registry.ShouldStopProcessing(ctx, req.TaskID, nil)
	if err != nil {
		return false, err
	}
	if stop {
		ok, err := p.status.MarkExpired(ctx, *req)
		if err != nil {
			return false, err
		}
		if !ok {
			logger.Debug("expire lost the status race; another worker already moved it")
		}
		return true, nil
	}

	out, err := p.builds.GetBuildFromSanitizer(ctx, req.TaskID, build.TypePatch, req.Sanitizer, req.InternalPatchID)
	if err != nil {
		return false, err
	}
	if out == nil {
		// Patched build not available yet; the request stays pending and
		// a later iteration retries.
		return false, nil
	}

	if err := p.root.MakeLocallyAvailable(ctx, req.POVPath); err != nil {
		return false, err
	}

	// Run against a scoped read-write copy so the replay can scribble in
	// the build tree without corrupting the shared artifact.
	scratch, err := p.root.NewScratchDir()
	if err != nil {
		return false, err
	}
	defer scratch.Close()

	rwDir := filepath.Join(scratch.Path, "task")
	if err := nodelocal.CopyTree(out.TaskDir, rwDir); err != nil {
		return false, err
	}

	ran, crashed, err := p.runner.ReproducePOV(ctx, rwDir, req.HarnessName, req.POVPath)
	if err != nil {
		return false, err
	}
	if !ran {
		// No verdict; retry on a later iteration.
		logger.Info("pov run did not execute; will retry")
		return true, nil
	}

	var ok bool
	if crashed {
		ok, err = p.status.MarkNonMitigated(ctx, *req)
	} else {
		ok, err = p.status.MarkMitigated(ctx, *req)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Debug("status cas lost the race; another worker already moved it")
	} else {
		logger.Info("pov reproduction verdict recorded", "crashed", crashed)
	}
	return true, nil
}
