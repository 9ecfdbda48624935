package executor

import (
	"context"
	"fmt"

	"github.com/kingrea/lattice-batch/internal/batch"
)

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Dispatcher routes each item to the runner named by its executor kind. It
// satisfies scheduler.Executor.
type Dispatcher struct {
	registry    *Registry
	defaultKind string
	logger      Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDefaultKind sets the kind used for items that name none. Without it,
// items with a command run through the shell and everything else is a no-op.
func WithDefaultKind(kind string) DispatcherOption {
	return func(d *Dispatcher) {
		d.defaultKind = kind
	}
}

// WithLogger records dispatch decisions.
func WithLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher wires a dispatcher to registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("executor: registry is required")
	}
	d := &Dispatcher{registry: registry, logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Execute resolves the item's runner and runs it.
func (d *Dispatcher) Execute(ctx context.Context, item batch.WorkItem) error {
	kind := d.kindFor(item)
	runner, err := d.registry.Resolve(kind, Config(item.Config))
	if err != nil {
		return err
	}
	d.logger.Printf("executor: %s via %s", item.ID, kind)
	return runner.Run(ctx, item)
}

func (d *Dispatcher) kindFor(item batch.WorkItem) string {
	if item.Executor != "" {
		return item.Executor
	}
	if d.defaultKind != "" {
		return d.defaultKind
	}
	if item.Command != "" {
		return KindShell
	}
	return KindNoop
}
