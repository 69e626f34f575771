package patcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// VulnVisibility bounds how long a popped vulnerability stays invisible
// to other patcher workers. Patch workflows are long; redelivery before
// a workflow finishes would duplicate an expensive run.
const VulnVisibility = 4 * time.Hour

// SuccessfulPatch is what the worker publishes downstream for the
// submission driver once a workflow produces a usable patch.
type SuccessfulPatch struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	PatchText       string `json:"patch_text"`
}

// Worker drains confirmed vulnerabilities and runs the patch workflow
// for each.
type Worker struct {
	logger   *slog.Logger
	patcher  *Patcher
	registry *registry.Registry
	inQ      *queue.Queue[crashes.ConfirmedVulnerability]
	group    string
	outQ     *queue.Queue[SuccessfulPatch]
}

// NewWorker constructs a Worker.
func NewWorker(logger *slog.Logger, p *Patcher, reg *registry.Registry,
	inQ *queue.Queue[crashes.ConfirmedVulnerability], group string,
	outQ *queue.Queue[SuccessfulPatch]) *Worker {

	return &Worker{
		logger:   logger,
		patcher:  p,
		registry: reg,
		inQ:      inQ,
		group:    group,
		outQ:     outQ,
	}
}

// Run loops ProcessOne until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		worked, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Error("patch workflow failed", "error", err)
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

// ProcessOne pops and handles one confirmed vulnerability. A cancelled
// or expired task's item is acked and dropped without producing
// anything downstream.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	item, err := w.inQ.Pop(ctx, w.group, VulnVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("patcher: pop vulnerability: %w", err)
	}

	vuln := item.Value
	logger := w.logger.With("task_id", vuln.TaskID, "internal_patch_id", vuln.InternalPatchID)

	stop, err := w.registry.ShouldStopProcessing(ctx, vuln.TaskID, nil)
	if err != nil {
		return true, err
	}
	if stop {
		logger.Info("task cancelled or expired; dropping vulnerability")
		return true, w.inQ.Ack(ctx, w.group, item.ID)
	}

	state := NewState(vuln, ContextFromVulnerability(vuln))
	if err := w.patcher.Run(ctx, state); err != nil {
		logger.Error("patch workflow errored", "error", err)
		return true, w.inQ.Ack(ctx, w.group, item.ID)
	}

	if patch := state.GetSuccessfulPatch(); patch != nil {
		logger.Info("patch workflow produced a patch", "attempts", len(state.PatchAttempts))
		if err := w.outQ.Push(ctx, SuccessfulPatch{
			TaskID:          vuln.TaskID,
			InternalPatchID: vuln.InternalPatchID,
			PatchText:       patch.PatchText,
		}); err != nil {
			return true, err
		}
	} else {
		logger.Info("patch workflow ended without a patch", "attempts", len(state.PatchAttempts))
	}

	return true, w.inQ.Ack(ctx, w.group, item.ID)
}
