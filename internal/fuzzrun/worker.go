package fuzzrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/buttercup-crs-core/internal/corpus"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// AssignmentVisibility is how long a popped assignment stays invisible
// to other fuzz workers before an unacknowledged one is redelivered. It
// must comfortably exceed the longest timeslice the foreground loop
// hands out.
const AssignmentVisibility = 2 * time.Hour

// Worker is one fuzz worker process: it drains harness assignments,
// runs the engine for each assignment's timeslice, hashes whatever new
// corpus the run produced, and routes crashing inputs through intake.
type Worker struct {
	logger   *slog.Logger
	engine   *Engine
	root     nodelocal.Root
	registry *registry.Registry
	crashSet *crashes.Set
	crashDir string
	crashQ   *queue.Queue[crashes.Crash]
	assignQ  *queue.Queue[harness.Assignment]
	group    string
}

// NewWorker constructs a Worker.
func NewWorker(logger *slog.Logger, engine *Engine, root nodelocal.Root, reg *registry.Registry,
	crashSet *crashes.Set, crashDir string, crashQ *queue.Queue[crashes.Crash],
	assignQ *queue.Queue[harness.Assignment], group string) *Worker {

	return &Worker{
		logger:   logger,
		engine:   engine,
		root:     root,
		registry: reg,
		crashSet: crashSet,
		crashDir: crashDir,
		crashQ:   crashQ,
		assignQ:  assignQ,
		group:    group,
	}
}

// RunWorkers starts n workers that loop over the assignment queue until
// ctx is cancelled. Each worker logs a failed assignment and moves on to
// the next, so RunWorkers returns nil once ctx is done.
func (w *Worker) RunWorkers(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for workerID := 1; workerID <= n; workerID++ {
		g.Go(func() error {
			return w.runLoop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) error {
	logger := w.logger.With("worker_id", workerID)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		worked, err := w.ProcessOne(ctx)
		if err != nil {
			logger.Error("fuzz assignment failed", "error", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOne pops and runs a single assignment. It returns (false, nil)
// when the queue is empty.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	item, err := w.assignQ.Pop(ctx, w.group, AssignmentVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("fuzzrun: pop assignment: %w", err)
	}

	a := item.Value
	logger := w.logger.With("task_id", a.TaskID, "harness", a.HarnessName, "sanitizer", a.Sanitizer)

	stop, err := w.registry.ShouldStopProcessing(ctx, a.TaskID, nil)
	if err != nil {
		return true, err
	}
	if stop {
		logger.Info("task cancelled or expired; dropping assignment")
		return true, w.assignQ.Ack(ctx, w.group, item.ID)
	}

	// The built challenge may have been produced on another node; pull
	// its archive down before running anything.
	if err := w.root.RemoteArchiveToDir(ctx, a.BuildDir); err != nil {
		// Build not staged remotely yet; leave the item unacked and let
		// redelivery retry once it is.
		logger.Info("built challenge not available yet", "build_dir", a.BuildDir, "error", err)
		return true, nil
	}

	if err := w.runAssignment(ctx, logger, a); err != nil {
		logger.Error("fuzz run failed", "error", err)
	}
	return true, w.assignQ.Ack(ctx, w.group, item.ID)
}

func (w *Worker) runAssignment(ctx context.Context, logger *slog.Logger, a harness.Assignment) error {
	store := corpus.New(w.root, a.TaskID, a.HarnessName, nil, logger)
	if err := store.SyncFromRemote(ctx); err != nil {
		return err
	}
	corpusDir := store.LocalDir()

	timeslice := time.Duration(a.DurationSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeslice)
	defer cancel()

	pkgDir := filepath.Join(a.BuildDir, a.PackageName)
	cmd := []string{"go", "test",
		fmt.Sprintf("-fuzz=^%s$", a.HarnessName),
		"-parallel=1",
		fmt.Sprintf("-fuzztime=%s", timeslice),
		fmt.Sprintf("-test.fuzzcachedir=%s", filepath.Dir(corpusDir)),
	}

	output, runErr := w.engine.invoker.Run(runCtx, pkgDir, cmd, nil)
	if runErr != nil && runCtx.Err() == nil && !looksLikeCrash(output) {
		return fmt.Errorf("fuzzrun: engine run: %w", runErr)
	}

	// Whatever the engine wrote during the run becomes content-addressed
	// corpus before anything else looks at the directory.
	if _, err := store.HashNewCorpus(corpusDir); err != nil {
		return err
	}

	if looksLikeCrash(output) {
		report := NewOutputParser(logger, filepath.Dir(corpusDir), a.HarnessName).
			ProcessStream(strings.NewReader(output))
		if report != nil && report.FailingInputPath != "" {
			crash := crashes.Crash{
				TaskID:      a.TaskID,
				HarnessName: a.HarnessName,
				Engine:      a.Engine,
				Sanitizer:   a.Sanitizer,
				InputPath:   report.FailingInputPath,
				Stacktrace:  report.Stacktrace,
			}
			if err := crashes.Intake(ctx, w.crashSet, w.crashDir, w.crashQ, crash); err != nil {
				return fmt.Errorf("fuzzrun: crash intake: %w", err)
			}
			logger.Info("crash routed through intake", "input", report.FailingInputPath)
		} else {
			logger.Info("crash observed without a saved input; nothing to intake")
		}
	}

	return nil
}

// CalculateFuzzSeconds splits a cycle's duration across targets and
// workers: each of numTargets targets gets an equal share of
// numWorkers' combined time.
func CalculateFuzzSeconds(cycle time.Duration, numWorkers, numTargets int) time.Duration {
	if numWorkers <= 0 || numTargets <= 0 {
		return 0
	}
	perTarget := cycle * time.Duration(numWorkers) / time.Duration(numTargets)
	if perTarget > cycle {
		perTarget = cycle
	}
	return perTarget
}
