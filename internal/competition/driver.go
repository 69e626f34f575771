package competition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/patcher"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
	"github.com/trailofbits/buttercup-crs-core/internal/retry"
)

// SubmissionVisibility is the visibility timeout for submission queue
// items; a driver that dies mid-submission hands the item to a peer.
const SubmissionVisibility = 10 * time.Minute

// submissionsHash records, per internal patch id, the API-assigned ids
// of what has been submitted so far, so the POV and patch halves of a
// bundle can arrive in either order and across driver restarts.
const submissionsHash = "submissions"

// record is one internal patch line's submission progress.
type record struct {
	TaskID   string `json:"task_id"`
	POVID    string `json:"pov_id,omitempty"`
	PatchID  string `json:"patch_id,omitempty"`
	BundleID string `json:"bundle_id,omitempty"`
}

// Driver drains confirmed vulnerabilities and successful patches into
// the competition API, bundling each internal patch line's POV and
// patch once both have been accepted.
type Driver struct {
	logger   *slog.Logger
	kv       *kv.Client
	client   *Client
	registry *registry.Registry

	vulnQ      *queue.Queue[crashes.ConfirmedVulnerability]
	vulnGroup  string
	patchQ     *queue.Queue[patcher.SuccessfulPatch]
	patchGroup string

	// Architecture reported on POV submissions.
	Architecture string

	nowFunc func() time.Time
}

// NewDriver constructs a Driver.
func NewDriver(logger *slog.Logger, client *kv.Client, api *Client, reg *registry.Registry,
	vulnQ *queue.Queue[crashes.ConfirmedVulnerability], vulnGroup string,
	patchQ *queue.Queue[patcher.SuccessfulPatch], patchGroup string) *Driver {

	return &Driver{
		logger:       logger,
		kv:           client,
		client:       api,
		registry:     reg,
		vulnQ:        vulnQ,
		vulnGroup:    vulnGroup,
		patchQ:       patchQ,
		patchGroup:   patchGroup,
		Architecture: "x86_64",
		nowFunc:      time.Now,
	}
}

// Run alternates between the two queues until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	for {
		povWorked, err := d.ProcessOnePOV(ctx)
		if err != nil {
			d.logger.Error("pov submission failed", "error", err)
		}
		patchWorked, err := d.ProcessOnePatch(ctx)
		if err != nil {
			d.logger.Error("patch submission failed", "error", err)
		}

		if !povWorked && !patchWorked {
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

// submissionDeadline recomputes a task's effective submission deadline:
// the original deadline's remaining budget is re-anchored at now, so a
// task ingested late still gets its full window.
func (d *Driver) submissionDeadline(task registry.Task) time.Time {
	budget := time.Duration(task.DeadlineMs-task.CreatedAtMs) * time.Millisecond
	return d.nowFunc().Add(budget)
}

// retryOptsUntil sizes the backoff loop to stop at deadline.
func (d *Driver) retryOptsUntil(deadline time.Time) retry.Options {
	opts := retry.DefaultOptions
	remaining := time.Until(deadline)
	if remaining <= 0 {
		opts.MaxAttempts = 1
		return opts
	}
	attempts, delay := 1, opts.BaseDelay
	for delay > 0 && delay < opts.MaxDelay && delay <= remaining {
		remaining -= delay
		attempts++
		delay *= 2
	}
	if opts.MaxDelay > 0 {
		attempts += int(remaining / opts.MaxDelay)
	}
	opts.MaxAttempts = attempts
	return opts
}

// ProcessOnePOV submits one confirmed vulnerability's best POV.
func (d *Driver) ProcessOnePOV(ctx context.Context) (bool, error) {
	item, err := d.vulnQ.Pop(ctx, d.vulnGroup, SubmissionVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("competition: pop vulnerability: %w", err)
	}

	vuln := item.Value
	logger := d.logger.With("task_id", vuln.TaskID, "internal_patch_id", vuln.InternalPatchID)

	task, stop, err := d.taskOrStop(ctx, vuln.TaskID)
	if err != nil {
		return true, err
	}
	if stop {
		logger.Info("task cancelled or expired; dropping pov submission")
		return true, d.vulnQ.Ack(ctx, d.vulnGroup, item.ID)
	}
	if len(vuln.Crashes) == 0 {
		logger.Warn("confirmed vulnerability carries no crashes; dropping")
		return true, d.vulnQ.Ack(ctx, d.vulnGroup, item.ID)
	}

	crash := vuln.Crashes[0].Crash
	testcase, err := os.ReadFile(crash.InputPath)
	if err != nil {
		return true, fmt.Errorf("competition: read pov input: %w", err)
	}

	deadline := d.submissionDeadline(*task)
	var resp *POVResponse
	err = retry.Do(ctx, d.retryOptsUntil(deadline), func(ctx context.Context) error {
		var err error
		resp, err = d.client.SubmitPOV(ctx, vuln.TaskID, POVSubmission{
			Architecture: d.Architecture,
			Engine:       crash.Engine,
			FuzzerName:   crash.HarnessName,
			Sanitizer:    crash.Sanitizer,
			Testcase:     testcase,
		})
		return err
	})
	if err != nil {
		// Leave unacked: the visibility timeout retries the whole
		// submission while the deadline still allows.
		logger.Warn("pov submission not accepted yet", "error", err)
		return true, nil
	}

	logger.Info("pov submitted", "pov_id", resp.POVID, "status", resp.Status)
	if err := d.updateRecord(ctx, vuln.InternalPatchID, func(r *record) {
		r.TaskID = vuln.TaskID
		r.POVID = resp.POVID
	}); err != nil {
		return true, err
	}
	if err := d.maybeBundle(ctx, logger, vuln.InternalPatchID); err != nil {
		return true, err
	}
	return true, d.vulnQ.Ack(ctx, d.vulnGroup, item.ID)
}

// ProcessOnePatch submits one successful patch.
func (d *Driver) ProcessOnePatch(ctx context.Context) (bool, error) {
	item, err := d.patchQ.Pop(ctx, d.patchGroup, SubmissionVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("competition: pop patch: %w", err)
	}

	patch := item.Value
	logger := d.logger.With("task_id", patch.TaskID, "internal_patch_id", patch.InternalPatchID)

	task, stop, err := d.taskOrStop(ctx, patch.TaskID)
	if err != nil {
		return true, err
	}
	if stop {
		logger.Info("task cancelled or expired; dropping patch submission")
		return true, d.patchQ.Ack(ctx, d.patchGroup, item.ID)
	}

	deadline := d.submissionDeadline(*task)
	var resp *PatchResponse
	err = retry.Do(ctx, d.retryOptsUntil(deadline), func(ctx context.Context) error {
		var err error
		resp, err = d.client.SubmitPatch(ctx, patch.TaskID, patch.PatchText)
		return err
	})
	if err != nil {
		logger.Warn("patch submission not accepted yet", "error", err)
		return true, nil
	}

	logger.Info("patch submitted", "patch_id", resp.PatchID, "status", resp.Status)
	if err := d.updateRecord(ctx, patch.InternalPatchID, func(r *record) {
		r.TaskID = patch.TaskID
		r.PatchID = resp.PatchID
	}); err != nil {
		return true, err
	}
	if err := d.maybeBundle(ctx, logger, patch.InternalPatchID); err != nil {
		return true, err
	}
	return true, d.patchQ.Ack(ctx, d.patchGroup, item.ID)
}

// taskOrStop fetches the task and decides whether to drop the work.
func (d *Driver) taskOrStop(ctx context.Context, taskID string) (*registry.Task, bool, error) {
	stop, err := d.registry.ShouldStopProcessing(ctx, taskID, nil)
	if err != nil {
		return nil, false, err
	}
	if stop {
		return nil, true, nil
	}
	task, err := d.registry.Get(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if task == nil {
		return nil, true, nil
	}
	return task, false, nil
}

func (d *Driver) updateRecord(ctx context.Context, internalPatchID string, mutate func(*record)) error {
	raw, _, err := d.kv.HGet(ctx, submissionsHash, internalPatchID)
	if err != nil {
		return fmt.Errorf("competition: read submission record: %w", err)
	}
	var r record
	if raw != nil {
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("competition: decode submission record: %w", err)
		}
	}
	mutate(&r)
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("competition: encode submission record: %w", err)
	}
	return d.kv.HSet(ctx, submissionsHash, internalPatchID, b)
}

// maybeBundle submits a bundle once both halves of an internal patch
// line have API-assigned ids, and only once.
func (d *Driver) maybeBundle(ctx context.Context, logger *slog.Logger, internalPatchID string) error {
	raw, ok, err := d.kv.HGet(ctx, submissionsHash, internalPatchID)
	if err != nil || !ok {
		return err
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("competition: decode submission record: %w", err)
	}
	if r.POVID == "" || r.PatchID == "" || r.BundleID != "" {
		return nil
	}

	resp, err := d.client.SubmitBundle(ctx, r.TaskID, BundleSubmission{
		POVID:       r.POVID,
		PatchID:     r.PatchID,
		Description: fmt.Sprintf("pov %s mitigated by patch %s", r.POVID, r.PatchID),
	})
	if err != nil {
		// The bundle rides on the next POV/patch submission for this
		// line, or a manual retry; both halves are already durable.
		logger.Warn("bundle submission failed", "error", err)
		return nil
	}

	logger.Info("bundle submitted", "bundle_id", resp.BundleID, "status", resp.Status)
	return d.updateRecord(ctx, internalPatchID, func(r *record) {
		r.BundleID = resp.BundleID
	})
}
