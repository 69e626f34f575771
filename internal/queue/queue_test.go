package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

type buildRequest struct {
	TaskID string `json:"task_id"`
}

func jsonCodec() Codec[buildRequest] {
	return Codec[buildRequest]{
		Marshal: func(v buildRequest) ([]byte, error) { return json.Marshal(v) },
		Unmarshal: func(b []byte) (buildRequest, error) {
			var v buildRequest
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}

func newTestClient(t *testing.T) *kv.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewFromRedis(rdb)
}

func TestPushDeliversToEveryGroup(t *testing.T) {
	ctx := context.Background()
	q := New(newTestClient(t), "build-requests", []string{"builder", "archiver"}, jsonCodec())

	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "t1"}))

	for _, group := range []string{"builder", "archiver"} {
		item, err := q.Pop(ctx, group, time.Minute)
		require.NoError(t, err)
		require.Equal(t, "t1", item.Value.TaskID)
		require.EqualValues(t, 1, item.TimesDelivered)
	}
}

func TestPopIsFIFOAndEmptyReturnsErrEmpty(t *testing.T) {
	ctx := context.Background()
	q := New(newTestClient(t), "q", []string{"g"}, jsonCodec())

	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "first"}))
	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "second"}))

	item1, err := q.Pop(ctx, "g", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "first", item1.Value.TaskID)

	item2, err := q.Pop(ctx, "g", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "second", item2.Value.TaskID)

	_, err = q.Pop(ctx, "g", time.Minute)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestAckedItemIsNotRedelivered(t *testing.T) {
	ctx := context.Background()
	q := New(newTestClient(t), "q", []string{"g"}, jsonCodec())
	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "t1"}))

	item, err := q.Pop(ctx, "g", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "g", item.ID))

	time.Sleep(5 * time.Millisecond)
	_, err = q.Pop(ctx, "g", time.Minute)
	require.ErrorIs(t, err, ErrEmpty, "an acked item must not be redelivered once its visibility expires")
}

func TestUnackedItemIsRedeliveredAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := New(newTestClient(t), "q", []string{"g"}, jsonCodec())
	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "t1"}))

	first, err := q.Pop(ctx, "g", time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 1, first.TimesDelivered)

	time.Sleep(5 * time.Millisecond)

	second, err := q.Pop(ctx, "g", time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.EqualValues(t, 2, second.TimesDelivered, "redelivery increments the shared counter")
}

func TestGroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := New(newTestClient(t), "q", []string{"a", "b"}, jsonCodec())
	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "t1"}))

	itemA, err := q.Pop(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "a", itemA.ID))

	// Group b is unaffected by group a's ack.
	itemB, err := q.Pop(ctx, "b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", itemB.Value.TaskID)
}

func TestSizeAndLengthOfGroup(t *testing.T) {
	ctx := context.Background()
	q := New(newTestClient(t), "q", []string{"g"}, jsonCodec())

	n, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "t1"}))
	require.NoError(t, q.Push(ctx, buildRequest{TaskID: "t2"}))

	n, err = q.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	length, err := q.LengthOfGroup(ctx, "g")
	require.NoError(t, err)
	require.EqualValues(t, 2, length)

	_, err = q.Pop(ctx, "g", time.Minute)
	require.NoError(t, err)

	length, err = q.LengthOfGroup(ctx, "g")
	require.NoError(t, err)
	require.EqualValues(t, 2, length, "popped-but-unacked items still count toward group length")
}
