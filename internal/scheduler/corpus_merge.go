package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/corpus"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// CorpusMergeDriver sweeps every schedulable harness and merges its
// local-only corpus files into the shared remote corpus under the
// per-harness merge lock. One transient failure per sweep is tolerated
// and logged; a second aborts the sweep.
type CorpusMergeDriver struct {
	logger      *slog.Logger
	kv          *kv.Client
	root        nodelocal.Root
	registry    *registry.Registry
	harnesses   *harness.Store
	builds      *build.Cache
	mergeRunner corpus.MergeRunner
	interval    time.Duration

	// sanitizer selects which fuzzer build the merge engine runs in.
	sanitizer string
}

// NewCorpusMergeDriver constructs a CorpusMergeDriver.
func NewCorpusMergeDriver(logger *slog.Logger, client *kv.Client, root nodelocal.Root,
	reg *registry.Registry, harnesses *harness.Store, builds *build.Cache,
	runner corpus.MergeRunner, sanitizer string, interval time.Duration) *CorpusMergeDriver {

	return &CorpusMergeDriver{
		logger:      logger,
		kv:          client,
		root:        root,
		registry:    reg,
		harnesses:   harnesses,
		builds:      builds,
		mergeRunner: runner,
		sanitizer:   sanitizer,
		interval:    interval,
	}
}

func (d *CorpusMergeDriver) Name() string            { return "corpus-merge" }
func (d *CorpusMergeDriver) Interval() time.Duration { return d.interval }

// Execute runs one merge sweep: list harnesses with weight > 0, shuffle
// so no harness systematically starves, and merge each in turn.
func (d *CorpusMergeDriver) Execute(ctx context.Context) (bool, error) {
	hs, err := d.harnesses.ListSchedulable(ctx)
	if err != nil {
		return false, err
	}
	rand.Shuffle(len(hs), func(i, j int) { hs[i], hs[j] = hs[j], hs[i] })

	didMerge := false
	failures := 0
	for _, h := range hs {
		if err := ctx.Err(); err != nil {
			return didMerge, nil
		}

		stop, err := d.registry.ShouldStopProcessing(ctx, h.TaskID, nil)
		if err != nil || stop {
			continue
		}

		merged, err := d.mergeOne(ctx, h)
		if err != nil {
			failures++
			d.logger.Error("corpus merge failed", "task_id", h.TaskID,
				"harness", h.HarnessName, "error", err)
			if failures > 1 {
				return didMerge, fmt.Errorf("scheduler: merge sweep aborted after repeated failures: %w", err)
			}
			continue
		}
		didMerge = didMerge || merged
	}
	return didMerge, nil
}

func (d *CorpusMergeDriver) mergeOne(ctx context.Context, h harness.Harness) (bool, error) {
	out, err := d.builds.GetBuildFromSanitizer(ctx, h.TaskID, build.TypeFuzzer, d.sanitizer, "")
	if err != nil {
		return false, err
	}
	if out == nil {
		// No fuzzer build yet: nothing to run the merge engine in.
		return false, nil
	}

	store := corpus.New(d.root, h.TaskID, h.HarnessName, d.mergeRunner, d.logger)
	pkgDir := out.TaskDir
	if h.PackageName != "" {
		pkgDir = filepath.Join(pkgDir, h.PackageName)
	}
	return store.Merge(ctx, d.kv, pkgDir, h.HarnessName)
}
