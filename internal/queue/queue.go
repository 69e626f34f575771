// Package queue implements the reliable, per-consumer-group work
// queue the CRS processes hand work to each other through: FIFO
// delivery per group, redelivery of unacknowledged items after a
// visibility timeout, and an at-least-once delivery guarantee.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/pkg/codec"
)

// ErrEmpty is returned by Pop when no item is currently available for the
// given group. It is a normal, non-error outcome -- callers poll.
var ErrEmpty = errors.New("queue: no item available")

// Codec pairs the marshal/unmarshal functions for a queue's payload type T.
// Splitting this out of pkg/codec.Message (rather than requiring T to
// implement an Unmarshal method) sidesteps Go's lack of generic methods:
// a method can't return "the implementing type" polymorphically.
type Codec[T any] struct {
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

// JSONCodec builds the Codec for any payload type that travels as
// plain JSON, the wire format every queue in this module uses.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Marshal:   func(v T) ([]byte, error) { return codec.JSON[T]{Value: v}.MarshalMessage() },
		Unmarshal: codec.UnmarshalJSON[T],
	}
}

// Item is one delivered message, together with its queue-assigned identity
// and redelivery count.
type Item[T any] struct {
	ID             string
	Value          T
	TimesDelivered int64
}

// Queue is a generic reliable queue over payload type T. Consumer groups
// must be declared at construction time; a group that doesn't exist yet
// at push time never receives that message.
type Queue[T any] struct {
	kv     *kv.Client
	name   string
	groups []string
	codec  Codec[T]
}

// New constructs a Queue bound to name, with groups as its fixed set of
// independent consumer groups.
func New[T any](client *kv.Client, name string, groups []string, codec Codec[T]) *Queue[T] {
	return &Queue[T]{kv: client, name: name, groups: groups, codec: codec}
}

func (q *Queue[T]) readyKey(group string) string   { return kv.QueueReadyKey(q.name, group) }
func (q *Queue[T]) pendingKey(group string) string { return kv.QueuePendingKey(q.name, group) }
func (q *Queue[T]) itemsKey() string               { return kv.QueueItemsKey(q.name) }
func (q *Queue[T]) deliveriesKey() string          { return kv.QueueDeliveriesKey(q.name) }

// Push appends value to every declared consumer group's ready list, and
// records the serialized payload once under a shared item id.
func (q *Queue[T]) Push(ctx context.Context, value T) error {
	payload, err := q.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("queue %s: marshal: %w", q.name, err)
	}

	id := uuid.NewString()
	rdb := q.kv.Raw()

	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.itemsKey(), id, payload)
		p.HSet(ctx, q.deliveriesKey(), id, 0)
		for _, group := range q.groups {
			p.RPush(ctx, q.readyKey(group), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: push: %w", q.name, err)
	}
	return nil
}

// popScript atomically prefers a pending item whose visibility deadline has
// passed (redelivery) over the next fresh item, moves the chosen id into the
// pending set with a new deadline, and increments its delivery counter --
// all as a single round trip so two concurrent poppers in the same group can
// never both receive the same id.
const popScript = `
local id
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #expired > 0 then
	id = expired[1]
else
	id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local delivered = redis.call('HINCRBY', KEYS[4], id, 1)
local payload = redis.call('HGET', KEYS[3], id)
return {id, payload, delivered}
`

// Pop returns the next available item for group, blocking visibility after
// delivery for visibility before the item becomes eligible for redelivery.
// Returns ErrEmpty if nothing is currently available.
func (q *Queue[T]) Pop(ctx context.Context, group string, visibility time.Duration) (*Item[T], error) {
	now := time.Now()
	deadline := now.Add(visibility)

	res, err := q.kv.Eval(ctx, popScript,
		[]string{q.readyKey(group), q.pendingKey(group), q.itemsKey(), q.deliveriesKey()},
		now.UnixMilli(), deadline.UnixMilli(),
	)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("queue %s: pop: %w", q.name, err)
	}

	fields, ok := res.([]any)
	if !ok {
		return nil, ErrEmpty
	}

	id, _ := fields[0].(string)
	payloadStr, _ := fields[1].(string)
	delivered, _ := fields[2].(int64)

	value, err := q.codec.Unmarshal([]byte(payloadStr))
	if err != nil {
		return nil, fmt.Errorf("queue %s: unmarshal item %s: %w", q.name, id, err)
	}

	return &Item[T]{ID: id, Value: value, TimesDelivered: delivered}, nil
}

// Ack marks itemID as processed for group. Acking an id that is no longer
// pending (already acked, or redelivered to another worker) is a no-op.
func (q *Queue[T]) Ack(ctx context.Context, group, itemID string) error {
	_, err := q.kv.Raw().ZRem(ctx, q.pendingKey(group), itemID).Result()
	if err != nil {
		return fmt.Errorf("queue %s: ack %s: %w", q.name, itemID, err)
	}
	return nil
}

// TimesDelivered returns how many times itemID has been popped across all
// groups (the queue-wide delivery counter, not per-group).
func (q *Queue[T]) TimesDelivered(ctx context.Context, itemID string) (int64, error) {
	v, err := q.kv.Raw().HGet(ctx, q.deliveriesKey(), itemID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue %s: times delivered %s: %w", q.name, itemID, err)
	}
	return v, nil
}

// Size returns the number of distinct items currently tracked by the queue
// (pushed but not yet garbage-collected from the items hash).
func (q *Queue[T]) Size(ctx context.Context) (int64, error) {
	return q.kv.HLen(ctx, q.itemsKey())
}

// LengthOfGroup returns the number of items outstanding for group: those
// still waiting in its ready list plus those currently out for delivery.
func (q *Queue[T]) LengthOfGroup(ctx context.Context, group string) (int64, error) {
	ready, err := q.kv.LLen(ctx, q.readyKey(group))
	if err != nil {
		return 0, fmt.Errorf("queue %s: length of group %s: %w", q.name, group, err)
	}
	pending, err := q.kv.Raw().ZCard(ctx, q.pendingKey(group)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: length of group %s: %w", q.name, group, err)
	}
	return ready + pending, nil
}
