package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
	"github.com/trailofbits/buttercup-crs-core/internal/retry"
	"github.com/trailofbits/buttercup-crs-core/internal/vcs"
)

// IntakeVisibility is the visibility timeout for webhook messages being
// processed by an ingester worker.
const IntakeVisibility = 30 * time.Minute

// DefaultSanitizers are the build variants requested for every freshly
// ingested task.
var DefaultSanitizers = []string{"address"}

// Ingester drains webhook messages, registers their tasks, downloads
// and verifies the sources, seeds harness weights, and requests the
// initial fuzzer builds.
type Ingester struct {
	logger    *slog.Logger
	registry  *registry.Registry
	harnesses *harness.Store
	http      *http.Client

	// tasksDir is where each task's sources land:
	// tasksDir/<task_id>/{src,fuzz-tooling,diff}.
	tasksDir string

	inQ    *queue.Queue[Message]
	group  string
	buildQ *queue.Queue[build.Request]

	engine     string
	sanitizers []string
}

// NewIngester constructs an Ingester.
func NewIngester(logger *slog.Logger, reg *registry.Registry, harnesses *harness.Store,
	tasksDir string, inQ *queue.Queue[Message], group string,
	buildQ *queue.Queue[build.Request], engine string) *Ingester {

	return &Ingester{
		logger:     logger,
		registry:   reg,
		harnesses:  harnesses,
		http:       &http.Client{Timeout: 10 * time.Minute},
		tasksDir:   tasksDir,
		inQ:        inQ,
		group:      group,
		buildQ:     buildQ,
		engine:     engine,
		sanitizers: DefaultSanitizers,
	}
}

// Run loops ProcessOne until ctx is cancelled.
func (ing *Ingester) Run(ctx context.Context) {
	for {
		worked, err := ing.ProcessOne(ctx)
		if err != nil {
			ing.logger.Error("task intake failed", "error", err)
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

// ProcessOne pops and handles one webhook message.
func (ing *Ingester) ProcessOne(ctx context.Context) (bool, error) {
	item, err := ing.inQ.Pop(ctx, ing.group, IntakeVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, fmt.Errorf("ingest: pop message: %w", err)
	}

	msg := item.Value
	for _, delivery := range msg.Tasks {
		if err := ing.ingestTask(ctx, delivery, msg.MessageTime); err != nil {
			ing.logger.Error("task ingest failed", "task_id", delivery.TaskID, "error", err)
			task := delivery.ToTask(msg.MessageTime)
			if markErr := registry.MarkErrored(ing.registry, ctx, task); markErr != nil {
				ing.logger.Error("failed to mark task errored", "task_id", delivery.TaskID, "error", markErr)
			}
		}
	}
	return true, ing.inQ.Ack(ctx, ing.group, item.ID)
}

// ingestTask registers one task, fetches its sources, seeds its
// harnesses, and requests the initial fuzzer builds.
func (ing *Ingester) ingestTask(ctx context.Context, d TaskDelivery, messageTimeMs int64) error {
	task := d.ToTask(messageTimeMs)
	logger := ing.logger.With("task_id", task.TaskID, "project", task.ProjectName)

	if ing.registry.IsExpired(task, 0) {
		logger.Warn("task already expired at intake; skipping")
		return nil
	}

	if err := ing.registry.Set(ctx, task); err != nil {
		return err
	}

	taskDir := filepath.Join(ing.tasksDir, task.TaskID)
	for _, src := range task.Sources {
		if err := ing.fetchSource(ctx, taskDir, src); err != nil {
			return fmt.Errorf("ingest: source %s: %w", vcs.SanitizeURL(src.URL), err)
		}
	}
	logger.Info("task sources downloaded", "dir", taskDir)

	// Seed every included harness at full weight; the foreground loop
	// adjusts from there.
	for _, name := range d.HarnessesIncluded {
		if err := ing.harnesses.Set(ctx, harness.Harness{
			TaskID:      task.TaskID,
			PackageName: task.Focus,
			HarnessName: name,
			Weight:      1.0,
		}); err != nil {
			return err
		}
	}

	// A delta task fuzzes the diffed revision: the builders apply the
	// task's own diff before compiling.
	applyDiff := task.TaskType == registry.TaskTypeDelta
	diffPath := ""
	if applyDiff {
		diffPath = filepath.Join(taskDir, "diff", "changes.diff")
	}

	for _, sanitizer := range ing.sanitizers {
		req := build.Request{
			TaskID:      task.TaskID,
			ProjectName: task.ProjectName,
			Engine:      ing.engine,
			Sanitizer:   sanitizer,
			BuildType:   build.TypeFuzzer,
			TaskDir:     taskDir,
			ApplyDiff:   applyDiff,
			DiffPath:    diffPath,
		}
		if err := ing.buildQ.Push(ctx, req); err != nil {
			return err
		}
	}

	logger.Info("task ready", "harnesses", len(d.HarnessesIncluded))
	return nil
}

// fetchSource materializes one source ref under taskDir: repositories
// are cloned or unpacked into src/, fuzz tooling into fuzz-tooling/,
// and diffs land as diff/changes.diff.
func (ing *Ingester) fetchSource(ctx context.Context, taskDir string, src registry.SourceRef) error {
	switch src.Type {
	case registry.SourceTypeRepo:
		return ing.fetchTree(ctx, filepath.Join(taskDir, "src"), src)
	case registry.SourceTypeFuzzTooling:
		return ing.fetchTree(ctx, filepath.Join(taskDir, "fuzz-tooling"), src)
	case registry.SourceTypeDiff:
		return ing.fetchFile(ctx, filepath.Join(taskDir, "diff", "changes.diff"), src)
	default:
		return fmt.Errorf("unknown source type %q", src.Type)
	}
}

// fetchTree clones a git URL, or downloads and unpacks an archive URL,
// into destDir.
func (ing *Ingester) fetchTree(ctx context.Context, destDir string, src registry.SourceRef) error {
	if _, err := os.Stat(destDir); err == nil {
		// Already fetched by an earlier delivery of the same message.
		return nil
	}

	if strings.HasSuffix(src.URL, ".git") {
		_, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{URL: src.URL})
		if err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		return nil
	}

	archive, err := ing.download(ctx, src)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	return nodelocal.Untar(f, destDir)
}

// fetchFile downloads a plain file source to destPath, verifying its
// digest.
func (ing *Ingester) fetchFile(ctx context.Context, destPath string, src registry.SourceRef) error {
	tmp, err := ing.download(ctx, src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, destPath)
}

// download streams src.URL to a temp file and verifies its SHA-256
// against the ref's digest, retrying transient failures with backoff.
func (ing *Ingester) download(ctx context.Context, src registry.SourceRef) (string, error) {
	var path string
	err := retry.Do(ctx, retry.DefaultOptions, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", retry.ErrGiveUp, err)
		}
		resp, err := ing.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch %s: status %d", vcs.SanitizeURL(src.URL), resp.StatusCode)
		}

		tmp, err := os.CreateTemp("", "ingest-*")
		if err != nil {
			return fmt.Errorf("%w: %v", retry.ErrGiveUp, err)
		}

		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}

		if src.SHA256 != "" && hex.EncodeToString(h.Sum(nil)) != strings.ToLower(src.SHA256) {
			os.Remove(tmp.Name())
			return fmt.Errorf("%w: digest mismatch for %s", retry.ErrGiveUp, vcs.SanitizeURL(src.URL))
		}

		path = tmp.Name()
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// Cancel propagates a cancellation: the status set is authoritative, so
// every worker's next should-stop poll observes it.
func (ing *Ingester) Cancel(ctx context.Context, taskID string) error {
	return registry.MarkCancelled(ing.registry, ctx, taskID)
}
