// Package registry implements the task lifecycle and
// cancellation/expiry registry, backed by the shared KV store.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

// TaskType distinguishes a full-repository analysis from a delta
// (diff-only) analysis.
type TaskType string

const (
	TaskTypeFull  TaskType = "FULL"
	TaskTypeDelta TaskType = "DELTA"
)

// SourceType identifies what a SourceRef points to.
type SourceType string

const (
	SourceTypeRepo        SourceType = "repo"
	SourceTypeFuzzTooling SourceType = "fuzz-tooling"
	SourceTypeDiff        SourceType = "diff"
)

// SourceRef is one entry of a Task's sources list, as the inbound
// webhook delivers it.
type SourceRef struct {
	SHA256 string     `json:"sha256"`
	Type   SourceType `json:"type"`
	URL    string     `json:"url"`
}

// Task is the CRS's unit of work: a challenge task plus its deadline
// and metadata. The Cancelled field is informational only -- the
// CancelledSet in the KV store is the single source of truth and always
// overrides it on read.
type Task struct {
	TaskID      string            `json:"task_id"`
	DeadlineMs  int64             `json:"deadline_ms"`
	TaskType    TaskType          `json:"task_type"`
	ProjectName string            `json:"project_name"`
	Focus       string            `json:"focus"`
	Sources     []SourceRef       `json:"sources"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAtMs int64             `json:"created_at_ms"`

	// Cancelled is informational only; see Registry.Get.
	Cancelled bool `json:"cancelled"`
}

// TaskOrID is satisfied by anything that can be reduced to a task id: a
// Task record, or a plain string -- one constraint instead of two
// explicit overloads.
type TaskOrID interface {
	~string | Task
}

func idOf[T TaskOrID](v T) string {
	switch x := any(v).(type) {
	case string:
		return x
	case Task:
		return x.TaskID
	default:
		// Unreachable for the two cases in TaskOrID, but named types with
		// underlying string (e.g. a type alias) fall through here.
		return fmt.Sprint(v)
	}
}

// Registry is the KV-backed task registry.
type Registry struct {
	kv *kv.Client

	// nowFunc is overridden in tests to make expiry deterministic.
	nowFunc func() time.Time
}

// New constructs a Registry backed by client.
func New(client *kv.Client) *Registry {
	return &Registry{kv: client, nowFunc: time.Now}
}

func normID(id string) string {
	return strings.ToLower(id)
}

// Set serializes and stores task, keyed case-insensitively by its task id.
func (r *Registry) Set(ctx context.Context, task Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("registry: marshal task %q: %w", task.TaskID, err)
	}
	return r.kv.HSet(ctx, kv.TasksHash, normID(task.TaskID), b)
}

// Get returns the stored task, overlaying the authoritative cancelled
// flag from the CancelledSet so that reads are always consistent with
// the set. Returns (nil, nil) if the task does not exist.
func (r *Registry) Get(ctx context.Context, taskID string) (*Task, error) {
	raw, ok, err := r.kv.HGet(ctx, kv.TasksHash, normID(taskID))
	if err != nil {
		return nil, fmt.Errorf("registry: get %q: %w", taskID, err)
	}
	if !ok {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("registry: unmarshal %q: %w", taskID, err)
	}

	cancelled, err := r.IsCancelled(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Cancelled = cancelled

	return &task, nil
}

// Delete removes the task record and all three status-set memberships
// atomically.
func (r *Registry) Delete(ctx context.Context, taskID string) error {
	id := normID(taskID)
	return r.kv.Pipelined(ctx, func(p kv.Pipeliner) error {
		p.HDel(ctx, kv.TasksHash, id)
		p.SRem(ctx, kv.CancelledTasksSet, id)
		p.SRem(ctx, kv.SucceededTasksSet, id)
		p.SRem(ctx, kv.ErroredTasksSet, id)
		return nil
	})
}

func statusSet[T TaskOrID](r *Registry, ctx context.Context, set string, v T) error {
	_, err := r.kv.SAdd(ctx, set, normID(idOf(v)))
	return err
}

// MarkCancelled adds task to the CancelledSet without mutating the stored
// record.
func MarkCancelled[T TaskOrID](r *Registry, ctx context.Context, v T) error {
	return statusSet(r, ctx, kv.CancelledTasksSet, v)
}

// MarkSuccessful adds task to the SucceededSet without mutating the stored
// record.
func MarkSuccessful[T TaskOrID](r *Registry, ctx context.Context, v T) error {
	return statusSet(r, ctx, kv.SucceededTasksSet, v)
}

// MarkErrored adds task to the ErroredSet without mutating the stored
// record.
func MarkErrored[T TaskOrID](r *Registry, ctx context.Context, v T) error {
	return statusSet(r, ctx, kv.ErroredTasksSet, v)
}

func isMember[T TaskOrID](r *Registry, ctx context.Context, set string, v T) (bool, error) {
	return r.kv.SIsMember(ctx, set, normID(idOf(v)))
}

// IsCancelled reports whether task is in the CancelledSet.
func (r *Registry) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return isMember(r, ctx, kv.CancelledTasksSet, taskID)
}

// IsSuccessful reports whether task is in the SucceededSet.
func (r *Registry) IsSuccessful(ctx context.Context, taskID string) (bool, error) {
	return isMember(r, ctx, kv.SucceededTasksSet, taskID)
}

// IsErrored reports whether task is in the ErroredSet.
func (r *Registry) IsErrored(ctx context.Context, taskID string) (bool, error) {
	return isMember(r, ctx, kv.ErroredTasksSet, taskID)
}

// IsExpired reports whether task's effective deadline (deadline + delta)
// has passed. Positive delta extends the deadline; negative delta
// shortens it.
func (r *Registry) IsExpired(task Task, deltaSeconds int64) bool {
	nowMs := r.nowFunc().UnixMilli()
	effectiveDeadline := task.DeadlineMs + deltaSeconds*1000
	return nowMs >= effectiveDeadline
}

// ShouldStopProcessing reports whether task is cancelled (checked against
// cachedCancelled if non-nil, else the live set) or expired.
func (r *Registry) ShouldStopProcessing(ctx context.Context, taskID string, cachedCancelled map[string]struct{}) (bool, error) {
	if cachedCancelled != nil {
		if _, ok := cachedCancelled[normID(taskID)]; ok {
			return true, nil
		}
	} else {
		cancelled, err := r.IsCancelled(ctx, taskID)
		if err != nil {
			return false, err
		}
		if cancelled {
			return true, nil
		}
	}

	task, err := r.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		// An unknown task can't be expired in a meaningful sense; treat as
		// "not live" so callers stop rather than spin.
		return true, nil
	}

	return r.IsExpired(*task, 0), nil
}

// Iterate calls fn for every task record in the registry, stopping early if
// fn returns false.
func (r *Registry) Iterate(ctx context.Context, fn func(Task) bool) error {
	all, err := r.kv.HGetAll(ctx, kv.TasksHash)
	if err != nil {
		return fmt.Errorf("registry: iterate: %w", err)
	}
	for _, raw := range all {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("registry: iterate unmarshal: %w", err)
		}
		cancelled, err := r.IsCancelled(ctx, task.TaskID)
		if err != nil {
			return err
		}
		task.Cancelled = cancelled
		if !fn(task) {
			break
		}
	}
	return nil
}

// Len returns the number of task records currently stored.
func (r *Registry) Len(ctx context.Context) (int64, error) {
	return r.kv.HLen(ctx, kv.TasksHash)
}

// GetLiveTasks returns every task that is neither cancelled nor expired.
func (r *Registry) GetLiveTasks(ctx context.Context) ([]Task, error) {
	var live []Task
	err := r.Iterate(ctx, func(t Task) bool {
		if t.Cancelled {
			return true
		}
		if r.IsExpired(t, 0) {
			return true
		}
		live = append(live, t)
		return true
	})
	return live, err
}
