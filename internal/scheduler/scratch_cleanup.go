package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// ScratchCleanup removes the per-task scratch directory once a task
// has been expired for at least the configured delta.
type ScratchCleanup struct {
	logger       *slog.Logger
	registry     *registry.Registry
	scratchDir   string
	interval     time.Duration
	deltaSeconds int64
}

// NewScratchCleanup constructs a ScratchCleanup task.
func NewScratchCleanup(logger *slog.Logger, reg *registry.Registry, scratchDir string, interval time.Duration, deltaSeconds int64) *ScratchCleanup {
	return &ScratchCleanup{
		logger:       logger,
		registry:     reg,
		scratchDir:   scratchDir,
		interval:     interval,
		deltaSeconds: deltaSeconds,
	}
}

func (s *ScratchCleanup) Name() string            { return "scratch-cleanup" }
func (s *ScratchCleanup) Interval() time.Duration { return s.interval }

// Execute deletes the scratch directory of every task expired by more
// than deltaSeconds.
func (s *ScratchCleanup) Execute(ctx context.Context) (bool, error) {
	if _, err := os.Stat(s.scratchDir); err != nil {
		s.logger.Warn("scratch directory does not exist", "dir", s.scratchDir)
		return false, nil
	}

	didDelete := false
	err := s.registry.Iterate(ctx, func(task registry.Task) bool {
		if !s.registry.IsExpired(task, s.deltaSeconds) {
			return true
		}

		taskDir := filepath.Join(s.scratchDir, task.TaskID)
		info, err := os.Stat(taskDir)
		if err != nil || !info.IsDir() {
			return true
		}

		s.logger.Info("deleting scratch space for expired task", "task_id", task.TaskID)
		if err := os.RemoveAll(taskDir); err != nil {
			s.logger.Error("failed to delete scratch space", "task_id", task.TaskID, "error", err)
			return true
		}
		didDelete = true
		return true
	})
	return didDelete, err
}
