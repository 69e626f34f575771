// Package lock implements a distributed lock over the shared KV store:
// a key whose value is a worker id and whose TTL bounds how long a
// crashed holder can block forward progress. Acquisition is SETNX +
// EXPIRE; release is a CAS-delete (only the holder that set the value
// may delete it).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

// ErrBusy is returned by Acquire when another worker currently holds the
// lock. It is a normal, non-error outcome -- callers should check for it
// with errors.Is rather than treating it as a failure.
var ErrBusy = errors.New("lock: held by another worker")

// releaseScript deletes key only if its value still matches the holder id,
// so a worker whose TTL has already expired (and lost the lock to someone
// else) can never delete that new holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	client *kv.Client
	key    string
	id     string
}

// Acquire attempts to take the named lock for ttl. It returns ErrBusy if the
// lock is currently held by someone else.
func Acquire(ctx context.Context, client *kv.Client, name string, ttl time.Duration) (*Handle, error) {
	key := kv.LockKey(name)
	id := uuid.NewString()

	ok, err := client.Raw().SetNX(ctx, key, id, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %q: %w", name, err)
	}
	if !ok {
		return nil, ErrBusy
	}

	return &Handle{client: client, key: key, id: id}, nil
}

// Release drops the lock if, and only if, it is still held by this handle.
// It is safe to call even if the TTL has already expired and another worker
// has since acquired the same name -- the CAS check below prevents that
// worker's lock from being stolen.
func (h *Handle) Release(ctx context.Context) error {
	_, err := h.client.Eval(ctx, releaseScript, []string{h.key}, h.id)
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", h.key, err)
	}
	return nil
}
