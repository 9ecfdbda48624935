package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/lattice-batch/internal/batch"
)

// Runner performs one item's work.
type Runner interface {
	Run(ctx context.Context, item batch.WorkItem) error
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, item batch.WorkItem) error

// Run calls f(ctx, item).
func (f RunnerFunc) Run(ctx context.Context, item batch.WorkItem) error {
	return f(ctx, item)
}

// Config is kind-specific configuration taken from the item (opaque to the
// registry).
type Config map[string]any

// Factory constructs a runner for one item.
type Factory func(Config) (Runner, error)

// Registry maintains known executor kinds.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return fmt.Errorf("executor: kind is required")
	}
	if factory == nil {
		return fmt.Errorf("executor: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("executor: %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs a runner by kind.
func (r *Registry) Resolve(kind string, cfg Config) (Runner, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(kind))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: unknown kind %s", kind)
	}
	runner, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", kind, err)
	}
	if runner == nil {
		return nil, fmt.Errorf("executor %s: factory returned nil runner", kind)
	}
	return runner, nil
}

// Kinds returns a sorted list of registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
