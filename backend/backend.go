// Package backend defines how the gateway reaches the business engine: a
// single Capability that runs named operations, and an Authorizer whose
// checks are suspended while the gateway calls it on a client's behalf.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownOperation is returned by Operations for names it does not hold.
var ErrUnknownOperation = errors.New("unknown backend operation")

// Capability runs a named backend operation.
type Capability interface {
	Invoke(ctx context.Context, operation string, args map[string]any) (any, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, operation string, args map[string]any) (any, error)

func (f CapabilityFunc) Invoke(ctx context.Context, operation string, args map[string]any) (any, error) {
	return f(ctx, operation, args)
}

// Authorizer gates backend access. Suspend disables checks for the calling
// context and returns the function that restores them; callers defer it.
type Authorizer interface {
	Suspend(ctx context.Context) (context.Context, func())
}

// NopAuthorizer has no checks to suspend.
type NopAuthorizer struct{}

func (NopAuthorizer) Suspend(ctx context.Context) (context.Context, func()) {
	return ctx, func() {}
}

// Handler is one in-process operation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Operations is an in-process Capability: a table of named handlers. It is
// safe for concurrent use.
type Operations struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewOperations() *Operations {
	return &Operations{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (o *Operations) Register(name string, h Handler) {
	o.mu.Lock()
	o.handlers[name] = h
	o.mu.Unlock()
}

// Names returns the registered operation names, sorted.
func (o *Operations) Names() []string {
	o.mu.RLock()
	names := make([]string, 0, len(o.handlers))
	for name := range o.handlers {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (o *Operations) Invoke(ctx context.Context, operation string, args map[string]any) (any, error) {
	o.mu.RLock()
	h, ok := o.handlers[operation]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return h(ctx, args)
}
