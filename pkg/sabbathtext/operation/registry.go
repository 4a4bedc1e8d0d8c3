package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
)

// Registry errors.
var (
	// ErrUnknownOperation indicates a checkpoint whose operation type has no
	// registered factory.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrDuplicateOperation indicates a second registration for one type.
	ErrDuplicateOperation = errors.New("operation type already registered")
)

// Resumer continues an operation from a stored checkpoint and reports the
// checkpoint status it reached.
type Resumer interface {
	Resume(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error)
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error)

// Resume implements Resumer.
func (f ResumerFunc) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error) {
	return f(ctx, cp)
}

// Factory builds a fresh operation instance for one resume.
type Factory func() Resumer

// Registry maps operation type tags to factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the factory for operationType.
func (r *Registry) Register(operationType string, factory Factory) error {
	if operationType == "" {
		return errors.New("operation type is required")
	}
	if factory == nil {
		return fmt.Errorf("operation %s: factory is required", operationType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[operationType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, operationType)
	}
	r.factories[operationType] = factory
	return nil
}

// Has reports whether operationType is registered.
func (r *Registry) Has(operationType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[operationType]
	return ok
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resume dispatches cp to a fresh instance of its operation.
func (r *Registry) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error) {
	r.mu.RLock()
	factory, ok := r.factories[cp.OperationType]
	r.mu.RUnlock()
	if !ok {
		return cp.Status, fmt.Errorf("%w: %q", ErrUnknownOperation, cp.OperationType)
	}
	return factory().Resume(ctx, cp)
}
