package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/coverage"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// InitialWeightPrior is the weight a harness is reset to whenever a
// fresh fuzzer build for its task arrives: new code means old coverage
// plateaus no longer predict anything.
const InitialWeightPrior = 1.0

// BaseTimeslice is the fuzz duration a weight-1.0 harness earns per
// dispatch round; lower weights earn proportionally less.
const BaseTimeslice = 10 * time.Minute

// OutputVisibility is the visibility timeout for build-output
// consumption by the foreground loop.
const OutputVisibility = time.Minute

// Foreground is the scheduler's foreground loop: it watches live tasks,
// recomputes harness weights from coverage, resets weights when fresh
// fuzzer builds land, and drains weighted harnesses into fuzz-worker
// assignments.
type Foreground struct {
	logger     *slog.Logger
	registry   *registry.Registry
	harnesses  *harness.Store
	coverage   *coverage.Map
	builds     *build.Cache
	weightFunc harness.WeightFunc

	outQ        *queue.Queue[build.Output]
	outGroup    string
	assignQ     *queue.Queue[harness.Assignment]
	assignGroup string

	// sanitizers are the build variants each harness is dispatched
	// against.
	sanitizers []string

	nowFunc func() time.Time
}

// NewForeground constructs the foreground loop. A nil weightFunc falls
// back to harness.DefaultWeightFunc.
func NewForeground(logger *slog.Logger, reg *registry.Registry, harnesses *harness.Store,
	cov *coverage.Map, builds *build.Cache, weightFunc harness.WeightFunc,
	outQ *queue.Queue[build.Output], outGroup string,
	assignQ *queue.Queue[harness.Assignment], assignGroup string, sanitizers []string) *Foreground {

	if weightFunc == nil {
		weightFunc = harness.DefaultWeightFunc
	}
	return &Foreground{
		logger:      logger,
		registry:    reg,
		harnesses:   harnesses,
		coverage:    cov,
		builds:      builds,
		weightFunc:  weightFunc,
		outQ:        outQ,
		outGroup:    outGroup,
		assignQ:     assignQ,
		assignGroup: assignGroup,
		sanitizers:  sanitizers,
		nowFunc:     time.Now,
	}
}

// Run iterates RunOnce until ctx is cancelled.
func (f *Foreground) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := f.RunOnce(ctx); err != nil {
			f.logger.Error("foreground iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			f.logger.Info("foreground loop stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scheduling pass: absorb newly-arrived build
// outputs, recompute weights for every live harness, and dispatch
// assignments proportional to weight.
func (f *Foreground) RunOnce(ctx context.Context) error {
	if err := f.absorbBuildOutputs(ctx); err != nil {
		return err
	}

	live, err := f.registry.GetLiveTasks(ctx)
	if err != nil {
		return err
	}
	liveByID := make(map[string]registry.Task, len(live))
	for _, t := range live {
		liveByID[t.TaskID] = t
	}

	hs, err := f.harnesses.ListSchedulable(ctx)
	if err != nil {
		return err
	}

	// Don't let the assignment queue grow without bound: if the fuzz
	// workers are a full sweep behind, recompute weights but hold off
	// dispatching more work.
	backlog, err := f.assignQ.LengthOfGroup(ctx, f.assignGroup)
	if err != nil {
		return err
	}
	dispatchable := backlog < int64(len(hs)*len(f.sanitizers))

	for _, h := range hs {
		task, ok := liveByID[h.TaskID]
		if !ok {
			continue
		}

		fns, err := f.coverage.Get(ctx, h.TaskID, h.HarnessName)
		if err != nil {
			return err
		}
		covered, total := coverage.Totals(fns)
		elapsed := float64(f.nowFunc().UnixMilli()-task.CreatedAtMs) / 1000

		w := f.weightFunc(h, covered, total, elapsed)
		if w < 0 {
			w = 0
		}
		if w != h.Weight {
			h.Weight = w
			if err := f.harnesses.Set(ctx, h); err != nil {
				return err
			}
		}
		if w == 0 || !dispatchable {
			continue
		}

		if err := f.dispatch(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// absorbBuildOutputs drains the build-outputs queue; every fresh fuzzer
// build resets its task's harness weights to the initial prior.
func (f *Foreground) absorbBuildOutputs(ctx context.Context) error {
	for {
		item, err := f.outQ.Pop(ctx, f.outGroup, OutputVisibility)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				return nil
			}
			return err
		}

		out := item.Value
		if out.BuildType == build.TypeFuzzer {
			if err := f.resetTaskWeights(ctx, out.TaskID); err != nil {
				return err
			}
		}
		if err := f.outQ.Ack(ctx, f.outGroup, item.ID); err != nil {
			return err
		}
	}
}

func (f *Foreground) resetTaskWeights(ctx context.Context, taskID string) error {
	hs, err := f.harnesses.ListSchedulable(ctx)
	if err != nil {
		return err
	}
	for _, h := range hs {
		if h.TaskID != taskID {
			continue
		}
		if err := f.harnesses.ResetToPrior(ctx, h.TaskID, h.PackageName, h.HarnessName, InitialWeightPrior); err != nil {
			return err
		}
	}
	return nil
}

// dispatch pushes one assignment per configured sanitizer for h, sized
// by its weight, provided a fuzzer build for that sanitizer exists.
func (f *Foreground) dispatch(ctx context.Context, h harness.Harness) error {
	for _, sanitizer := range f.sanitizers {
		out, err := f.builds.GetBuildFromSanitizer(ctx, h.TaskID, build.TypeFuzzer, sanitizer, "")
		if err != nil {
			return err
		}
		if out == nil {
			continue
		}

		duration := time.Duration(float64(BaseTimeslice) * h.Weight)
		if duration < time.Minute {
			duration = time.Minute
		}

		a := harness.Assignment{
			TaskID:          h.TaskID,
			PackageName:     h.PackageName,
			HarnessName:     h.HarnessName,
			Engine:          out.Engine,
			Sanitizer:       sanitizer,
			BuildDir:        out.TaskDir,
			Weight:          h.Weight,
			DurationSeconds: int64(duration.Seconds()),
		}
		if err := f.assignQ.Push(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
