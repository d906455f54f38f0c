// Package queues holds the per-session pending-notification buffers used
// while a session has no live sink. Every backend keeps one FIFO list per
// key (the session id).
package queues

import (
	"context"
	"errors"
)

var (
	_ Queue[string] = &RedisQueue[string]{}
	_ Queue[string] = &LocalQueue[string]{}
)

// ErrStopDrain can be returned by a drain callback to stop early without
// the drain being reported as failed. The item it was called with stays
// at the head of the queue.
var ErrStopDrain = errors.New("stop drain")

// Queue is a keyed FIFO. Implementations are safe for concurrent use, but
// a Push racing a Drain on the same key may land either before or after
// the drained items; callers serialize per key when order matters.
type Queue[T any] interface {
	// Push appends item to the tail of key's list.
	Push(ctx context.Context, key string, item T) error
	// Drain hands items to fn from the head in FIFO order. An item is
	// removed only after fn accepts it; the first error stops the drain and
	// leaves that item and the rest queued.
	Drain(ctx context.Context, key string, fn func(T) error) (int, error)
	// Len returns the number of queued items for key.
	Len(ctx context.Context, key string) (int, error)
	// Delete drops key's list.
	Delete(ctx context.Context, key string) error
}
