package crashes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// CrashVisibility is the visibility timeout for crash-queue items being
// traced and confirmed.
const CrashVisibility = 10 * time.Minute

// Tracer converts a raw Crash into a TracedCrash with a symbolicated
// stacktrace. The symbolication machinery is an external collaborator;
// PassthroughTracer stands in where none is deployed.
type Tracer interface {
	Trace(ctx context.Context, c Crash) (TracedCrash, error)
}

// PassthroughTracer reuses the raw stacktrace as the traced one.
type PassthroughTracer struct{}

// Trace implements Tracer.
func (PassthroughTracer) Trace(ctx context.Context, c Crash) (TracedCrash, error) {
	return TracedCrash{Crash: c, TracerStacktrace: c.Stacktrace}, nil
}

// Reporter receives each newly confirmed vulnerability; the GitHub
// issue sink implements it. A nil Reporter disables reporting.
type Reporter interface {
	Report(ctx context.Context, v ConfirmedVulnerability) error
}

// ConfirmWorker drains the crashes queue, traces each crash, folds it
// into its token's confirmed vulnerability, and publishes the
// vulnerability downstream the first time its token is seen.
type ConfirmWorker struct {
	logger    *slog.Logger
	registry  *registry.Registry
	tracer    Tracer
	confirmer *Confirmer
	reporter  Reporter

	inQ   *queue.Queue[Crash]
	group string
	outQ  *queue.Queue[ConfirmedVulnerability]

	published map[string]struct{}
}

// NewConfirmWorker constructs a ConfirmWorker.
func NewConfirmWorker(logger *slog.Logger, reg *registry.Registry, tracer Tracer,
	reporter Reporter, inQ *queue.Queue[Crash], group string,
	outQ *queue.Queue[ConfirmedVulnerability]) *ConfirmWorker {

	return &ConfirmWorker{
		logger:    logger,
		registry:  reg,
		tracer:    tracer,
		confirmer: NewConfirmer(),
		reporter:  reporter,
		inQ:       inQ,
		group:     group,
		outQ:      outQ,
		published: make(map[string]struct{}),
	}
}

// Run loops ProcessOne until ctx is cancelled.
func (w *ConfirmWorker) Run(ctx context.Context) {
	for {
		worked, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Error("crash confirmation failed", "error", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// ProcessOne pops and confirms a single crash.
func (w *ConfirmWorker) ProcessOne(ctx context.Context) (bool, error) {
	item, err := w.inQ.Pop(ctx, w.group, CrashVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("crashes: pop crash: %w", err)
	}

	c := item.Value
	logger := w.logger.With("task_id", c.TaskID, "harness", c.HarnessName)

	stop, err := w.registry.ShouldStopProcessing(ctx, c.TaskID, nil)
	if err != nil {
		return true, err
	}
	if stop {
		logger.Info("task cancelled or expired; dropping crash")
		return true, w.inQ.Ack(ctx, w.group, item.ID)
	}

	traced, err := w.tracer.Trace(ctx, c)
	if err != nil {
		// Tracing is infrastructure; let redelivery retry it.
		logger.Warn("tracing failed; will retry", "error", err)
		return true, nil
	}

	vuln := w.confirmer.Add(traced)
	if _, seen := w.published[vuln.InternalPatchID]; !seen {
		w.published[vuln.InternalPatchID] = struct{}{}
		if err := w.outQ.Push(ctx, *vuln); err != nil {
			return true, err
		}
		logger.Info("vulnerability confirmed", "internal_patch_id", vuln.InternalPatchID)

		if w.reporter != nil {
			if err := w.reporter.Report(ctx, *vuln); err != nil {
				logger.Warn("vulnerability report failed", "error", err)
			}
		}
	}

	return true, w.inQ.Ack(ctx, w.group, item.ID)
}
