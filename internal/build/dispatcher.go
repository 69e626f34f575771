package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/vcs"
)

// Request is one build order: a challenge task directory plus the
// engine, sanitizer, and optional diff/patch to build it with.
type Request struct {
	TaskID          string `json:"task_id"`
	ProjectName     string `json:"project_name"`
	Engine          string `json:"engine"`
	Sanitizer       string `json:"sanitizer"`
	BuildType       Type   `json:"build_type"`
	TaskDir         string `json:"task_dir"`
	ApplyDiff       bool   `json:"apply_diff"`
	DiffPath        string `json:"diff_path"`
	Patch           string `json:"patch"`
	InternalPatchID string `json:"internal_patch_id"`
	PullLatestBase  bool   `json:"pull_latest_base"`
}

// MaxApplyTries is the delivery count after which a request whose diff
// or patch fails to apply is dropped rather than retried. MaxBuildTries
// is the analogous bound for a build that keeps failing to compile.
var (
	MaxApplyTries int64 = 3
	MaxBuildTries int64 = 3
)

// BuildCommand produces the fuzz-engine build invocation for a
// request; the dispatcher only depends on its success/failure
// contract.
func BuildCommand(r Request) []string {
	return []string{"compile", "--engine", r.Engine, "--sanitizer", r.Sanitizer}
}

// Dispatcher consumes Request from an input queue, stages an rw copy of
// the task directory, applies diffs/patches, invokes the build (skipped
// when Cache already holds a build under the request's build-map key),
// and publishes Output to an output queue.
type Dispatcher struct {
	logger   *slog.Logger
	root     nodelocal.Root
	cache    *Cache
	runner   Runner
	inQueue  *queue.Queue[Request]
	group    string
	outQueue *queue.Queue[Output]

	// AllowCaching permits cache hits to short-circuit a rebuild. Off,
	// every request rebuilds; outputs are still recorded either way.
	AllowCaching bool
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(logger *slog.Logger, root nodelocal.Root, cache *Cache, runner Runner,
	inQueue *queue.Queue[Request], group string, outQueue *queue.Queue[Output]) *Dispatcher {

	return &Dispatcher{
		logger:       logger,
		root:         root,
		cache:        cache,
		runner:       runner,
		inQueue:      inQueue,
		group:        group,
		outQueue:     outQueue,
		AllowCaching: true,
	}
}

// ProcessOne pops and handles a single build request under the given
// visibility timeout. It returns (false, nil) if nothing was
// available.
func (d *Dispatcher) ProcessOne(ctx context.Context, visibility time.Duration) (bool, error) {
	item, err := d.inQueue.Pop(ctx, d.group, visibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("build: pop request: %w", err)
	}

	if err := d.handle(ctx, *item); err != nil {
		d.logger.Error("build request failed", "task_id", item.Value.TaskID, "error", err)
	}
	return true, nil
}

func (d *Dispatcher) handle(ctx context.Context, item queue.Item[Request]) error {
	req := item.Value
	logger := d.logger.With("task_id", req.TaskID, "engine", req.Engine, "sanitizer", req.Sanitizer)

	scratch, err := d.root.NewScratchDir()
	if err != nil {
		return fmt.Errorf("build: scratch dir: %w", err)
	}
	defer scratch.Close()

	rwDir := filepath.Join(scratch.Path, "task")
	if err := nodelocal.CopyTree(req.TaskDir, rwDir); err != nil {
		return fmt.Errorf("build: rw copy: %w", err)
	}

	var appliedDiffHash string
	if req.ApplyDiff && req.DiffPath != "" {
		if err := vcs.ApplyTaskDiff(ctx, rwDir, req.DiffPath); err != nil {
			return d.giveUpOrRetry(ctx, item.ID, logger, "apply task diff", err)
		}
		diff, err := os.ReadFile(req.DiffPath)
		if err != nil {
			return fmt.Errorf("build: read task diff: %w", err)
		}
		sum := sha256.Sum256(diff)
		appliedDiffHash = hex.EncodeToString(sum[:])
	}
	if req.Patch != "" {
		if err := vcs.ApplyPatchText(ctx, rwDir, req.Patch); err != nil {
			return d.giveUpOrRetry(ctx, item.ID, logger, "apply patch text", err)
		}
	}

	fp := Fingerprint(req.TaskID, req.ProjectName, req.Engine, req.Sanitizer, req.BuildType, req.Patch, appliedDiffHash)

	if d.AllowCaching {
		if cached, err := d.cache.GetBuildFromSanitizer(ctx, req.TaskID, req.BuildType, req.Sanitizer, req.InternalPatchID); err != nil {
			return fmt.Errorf("build: cache lookup: %w", err)
		} else if cached != nil && cached.TaskDir != "" {
			logger.Info("build cache hit", "fingerprint", fp)
			return d.publish(ctx, item.ID, req, rwDir, scratch)
		}
	}

	if _, err := d.runner.RunBuild(ctx, rwDir, BuildCommand(req)); err != nil {
		return d.buildFailedOrRetry(ctx, item.ID, logger, err)
	}

	return d.publish(ctx, item.ID, req, rwDir, scratch)
}

func (d *Dispatcher) publish(ctx context.Context, itemID string, req Request, rwDir string, scratch *nodelocal.ScratchDir) error {
	committedDir := filepath.Join(d.root.Path(), "builds", req.TaskID, string(req.BuildType), req.Sanitizer, req.InternalPatchID)
	if err := nodelocal.RenameAtomically(rwDir, committedDir); err != nil && !errors.Is(err, nodelocal.ErrRaced) {
		return fmt.Errorf("build: commit rw copy: %w", err)
	}
	scratch.Commit()

	if err := d.root.DirToRemoteArchive(ctx, committedDir); err != nil {
		return fmt.Errorf("build: archive to remote: %w", err)
	}

	output := Output{
		TaskID:          req.TaskID,
		Engine:          req.Engine,
		Sanitizer:       req.Sanitizer,
		BuildType:       req.BuildType,
		InternalPatchID: req.InternalPatchID,
		TaskDir:         committedDir,
	}
	if err := d.cache.Put(ctx, output); err != nil {
		return fmt.Errorf("build: record output: %w", err)
	}
	if d.outQueue != nil {
		if err := d.outQueue.Push(ctx, output); err != nil {
			return fmt.Errorf("build: publish output: %w", err)
		}
	}
	return d.inQueue.Ack(ctx, d.group, itemID)
}

// giveUpOrRetry acks (drops) the item once TimesDelivered exceeds
// MaxApplyTries, otherwise leaves it unacked so the visibility timeout
// retries it.
func (d *Dispatcher) giveUpOrRetry(ctx context.Context, itemID string, logger *slog.Logger, step string, cause error) error {
	delivered, err := d.inQueue.TimesDelivered(ctx, itemID)
	if err != nil {
		return fmt.Errorf("build: times delivered: %w", err)
	}
	if delivered > MaxApplyTries {
		logger.Warn("giving up on request after exhausting apply retries", "step", step, "error", cause, "times_delivered", delivered)
		return d.inQueue.Ack(ctx, d.group, itemID)
	}
	logger.Info("retrying request after apply failure", "step", step, "error", cause, "times_delivered", delivered)
	return nil
}

func (d *Dispatcher) buildFailedOrRetry(ctx context.Context, itemID string, logger *slog.Logger, cause error) error {
	delivered, err := d.inQueue.TimesDelivered(ctx, itemID)
	if err != nil {
		return fmt.Errorf("build: times delivered: %w", err)
	}
	if delivered > MaxBuildTries {
		logger.Warn("giving up on request after exhausting build retries", "error", cause, "times_delivered", delivered)
		return d.inQueue.Ack(ctx, d.group, itemID)
	}
	logger.Info("build failed, will retry", "error", cause, "times_delivered", delivered)
	return nil
}
