package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb)
}

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.HSet(ctx, "tasks", "Task-1", []byte("payload")))

	v, ok, err := c.HGet(ctx, "tasks", "task-1")
	require.NoError(t, err)
	require.True(t, ok, "hash lookup must be case-insensitive")
	require.Equal(t, "payload", string(v))

	exists, err := c.HExists(ctx, "tasks", "TASK-1")
	require.NoError(t, err)
	require.True(t, exists)

	n, err := c.HLen(ctx, "tasks")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, c.HDel(ctx, "tasks", "task-1"))
	_, ok, err = c.HGet(ctx, "tasks", "task-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetMembership(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	added, err := c.SAdd(ctx, "cancelled_tasks", "t1")
	require.NoError(t, err)
	require.True(t, added)

	addedAgain, err := c.SAdd(ctx, "cancelled_tasks", "t1")
	require.NoError(t, err)
	require.False(t, addedAgain)

	ok, err := c.SIsMember(ctx, "cancelled_tasks", "t1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.SRem(ctx, "cancelled_tasks", "t1"))
	ok, err = c.SIsMember(ctx, "cancelled_tasks", "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPipelinedDeleteIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.HSet(ctx, TasksHash, "t1", []byte("x")))
	_, err := c.SAdd(ctx, CancelledTasksSet, "t1")
	require.NoError(t, err)

	err = c.Pipelined(ctx, func(p Pipeliner) error {
		p.HDel(ctx, TasksHash, "t1")
		p.SRem(ctx, CancelledTasksSet, "t1")
		p.SRem(ctx, SucceededTasksSet, "t1")
		p.SRem(ctx, ErroredTasksSet, "t1")
		return nil
	})
	require.NoError(t, err)

	_, ok, err := c.HGet(ctx, TasksHash, "t1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.SIsMember(ctx, CancelledTasksSet, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListOperations(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.LPush(ctx, "src", []byte("a")))
	require.NoError(t, c.LPush(ctx, "src", []byte("b")))

	n, err := c.LLen(ctx, "src")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	v, ok, err := c.RPopLPush(ctx, "src", "dst")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(v))

	n, err = c.LLen(ctx, "dst")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
