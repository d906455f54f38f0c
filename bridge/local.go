package bridge

import (
	"context"
	"sync"
)

// LocalSource is an in-process EventSource. Publish calls every listener
// synchronously, in subscription order, on the publishing goroutine.
type LocalSource struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	order     []int
	nextID    int
}

// NewLocalSource returns an empty LocalSource.
func NewLocalSource() *LocalSource {
	return &LocalSource{listeners: make(map[int]Listener)}
}

// Subscribe registers l.
func (s *LocalSource) Subscribe(l Listener) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}, nil
}

func (s *LocalSource) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.listeners, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Publish hands ev to every listener.
func (s *LocalSource) Publish(ctx context.Context, ev DomainEvent) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ctx, ev)
	}
}

// ListenerCount returns the number of subscribed listeners.
func (s *LocalSource) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
