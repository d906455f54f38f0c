package queues

import (
	"context"
	"errors"
	"sync"
)

// LocalQueue keeps every list in process memory.
type LocalQueue[T any] struct {
	mu    sync.Mutex
	lists map[string][]T
}

func NewLocalQueue[T any]() *LocalQueue[T] {
	return &LocalQueue[T]{
		lists: make(map[string][]T),
	}
}

func (l *LocalQueue[T]) Push(ctx context.Context, key string, item T) error {
	l.mu.Lock()
	l.lists[key] = append(l.lists[key], item)
	l.mu.Unlock()
	return nil
}

func (l *LocalQueue[T]) Drain(ctx context.Context, key string, fn func(T) error) (int, error) {
	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		item, ok := l.peek(key)
		if !ok {
			return drained, nil
		}
		if err := fn(item); err != nil {
			if errors.Is(err, ErrStopDrain) {
				return drained, nil
			}
			return drained, err
		}
		l.pop(key)
		drained++
	}
}

func (l *LocalQueue[T]) peek(key string) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	list := l.lists[key]
	if len(list) == 0 {
		return zero, false
	}
	return list[0], true
}

func (l *LocalQueue[T]) pop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.lists[key]
	if len(list) == 0 {
		return
	}
	var zero T
	list[0] = zero
	list = list[1:]
	if len(list) == 0 {
		delete(l.lists, key)
		return
	}
	l.lists[key] = list
}

func (l *LocalQueue[T]) Len(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lists[key]), nil
}

func (l *LocalQueue[T]) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.lists, key)
	l.mu.Unlock()
	return nil
}
