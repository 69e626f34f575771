package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(kv.NewFromRedis(rdb))
}

func sampleTask(id string, deadline time.Time) Task {
	return Task{
		TaskID:      id,
		DeadlineMs:  deadline.UnixMilli(),
		TaskType:    TaskTypeFull,
		ProjectName: "example",
		Focus:       "example-harness",
		Sources: []SourceRef{
			{SHA256: "abc123", Type: SourceTypeRepo, URL: "https://example.test/repo.tar.gz"},
		},
		Metadata: map[string]string{"round": "1"},
	}
}

func TestLenStartsAtZero(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSetAndGetTask(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	task := sampleTask("Task-1", time.Now().Add(time.Hour))
	require.NoError(t, r.Set(ctx, task))

	got, err := r.Get(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, task.TaskID, got.TaskID)
	require.Equal(t, task.ProjectName, got.ProjectName)
	require.False(t, got.Cancelled)
}

func TestGetNonexistentTask(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	got, err := r.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeleteTaskRemovesFromAllSets(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	task := sampleTask("task-2", time.Now().Add(time.Hour))
	require.NoError(t, r.Set(ctx, task))
	require.NoError(t, MarkCancelled(r, ctx, task.TaskID))
	require.NoError(t, MarkErrored(r, ctx, task.TaskID))

	require.NoError(t, r.Delete(ctx, "TASK-2"))

	got, err := r.Get(ctx, "task-2")
	require.NoError(t, err)
	require.Nil(t, got)

	cancelled, err := r.IsCancelled(ctx, "task-2")
	require.NoError(t, err)
	require.False(t, cancelled)

	errored, err := r.IsErrored(ctx, "task-2")
	require.NoError(t, err)
	require.False(t, errored)
}

func TestCancelledSetIsSourceOfTruth(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	task := sampleTask("task-3", time.Now().Add(time.Hour))
	require.NoError(t, r.Set(ctx, task))

	got, err := r.Get(ctx, "task-3")
	require.NoError(t, err)
	require.False(t, got.Cancelled)

	require.NoError(t, MarkCancelled(r, ctx, task.TaskID))

	got, err = r.Get(ctx, "task-3")
	require.NoError(t, err)
	require.True(t, got.Cancelled, "Get must overlay live CancelledSet membership")
}

func TestMarkCancelledAcceptsTaskOrID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	task := sampleTask("task-4", time.Now().Add(time.Hour))
	require.NoError(t, r.Set(ctx, task))

	// Both a bare id and the Task record itself satisfy TaskOrID.
	require.NoError(t, MarkSuccessful(r, ctx, task.TaskID))
	require.NoError(t, MarkErrored(r, ctx, task))

	successful, err := r.IsSuccessful(ctx, "task-4")
	require.NoError(t, err)
	require.True(t, successful)

	errored, err := r.IsErrored(ctx, "task-4")
	require.NoError(t, err)
	require.True(t, errored)
}

func TestIsExpired(t *testing.T) {
	r := newTestRegistry(t)
	r.nowFunc = func() time.Time { return time.UnixMilli(10_000) }

	past := Task{DeadlineMs: 9_000}
	future := Task{DeadlineMs: 11_000}

	require.True(t, r.IsExpired(past, 0))
	require.False(t, r.IsExpired(future, 0))

	// A negative delta shortens the deadline.
	require.True(t, r.IsExpired(future, -2))
	// A positive delta extends it.
	require.False(t, r.IsExpired(past, 2))
}

func TestShouldStopProcessingHonorsCancelledCache(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	task := sampleTask("task-5", time.Now().Add(time.Hour))
	require.NoError(t, r.Set(ctx, task))

	cached := map[string]struct{}{"task-5": {}}
	stop, err := r.ShouldStopProcessing(ctx, "TASK-5", cached)
	require.NoError(t, err)
	require.True(t, stop, "cached cancellation must short-circuit without a KV round trip")
}

func TestIterateTasksWithDifferentTypes(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	full := sampleTask("full-task", time.Now().Add(time.Hour))
	full.TaskType = TaskTypeFull
	delta := sampleTask("delta-task", time.Now().Add(time.Hour))
	delta.TaskType = TaskTypeDelta

	require.NoError(t, r.Set(ctx, full))
	require.NoError(t, r.Set(ctx, delta))

	seen := map[string]TaskType{}
	require.NoError(t, r.Iterate(ctx, func(tk Task) bool {
		seen[tk.TaskID] = tk.TaskType
		return true
	}))

	require.Len(t, seen, 2)
	require.Equal(t, TaskTypeFull, seen["full-task"])
	require.Equal(t, TaskTypeDelta, seen["delta-task"])
}

func TestGetLiveTasksExcludesCancelledAndExpired(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	r.nowFunc = func() time.Time { return time.UnixMilli(10_000) }

	live := Task{TaskID: "live", DeadlineMs: 20_000, TaskType: TaskTypeFull}
	cancelled := Task{TaskID: "cancelled-one", DeadlineMs: 20_000, TaskType: TaskTypeFull}
	expired := Task{TaskID: "expired-one", DeadlineMs: 1_000, TaskType: TaskTypeFull}

	for _, tk := range []Task{live, cancelled, expired} {
		require.NoError(t, r.Set(ctx, tk))
	}
	require.NoError(t, MarkCancelled(r, ctx, cancelled.TaskID))

	liveTasks, err := r.GetLiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, liveTasks, 1)
	require.Equal(t, "live", liveTasks[0].TaskID)
}
