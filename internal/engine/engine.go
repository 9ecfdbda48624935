package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kingrea/lattice-batch/internal/batch"
	"github.com/kingrea/lattice-batch/internal/config"
	"github.com/kingrea/lattice-batch/internal/graph"
	"github.com/kingrea/lattice-batch/internal/monitor"
	"github.com/kingrea/lattice-batch/internal/resource"
	"github.com/kingrea/lattice-batch/internal/safety"
	"github.com/kingrea/lattice-batch/internal/scheduler"
)

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Config collects the scheduling knobs the engine hands to each run.
type Config struct {
	MaxConcurrency    int
	TimeoutMultiplier float64
	DefaultEstimate   time.Duration
	Safety            safety.Settings
}

// ConfigFromRuntime maps the project's effective runtime configuration.
func ConfigFromRuntime(rt config.Runtime) Config {
	return Config{
		MaxConcurrency:    rt.MaxConcurrency,
		TimeoutMultiplier: rt.TimeoutMultiplier,
		DefaultEstimate:   rt.DefaultEstimate,
		Safety: safety.Settings{
			FailureThreshold: rt.FailureThreshold,
			OpenTimeout:      rt.OpenTimeout,
			MaxFailureRate:   rt.MaxFailureRate,
		},
	}
}

// Engine prepares and runs batches. It owns the safety controller, so
// breaker state carries over from one run to the next. Runs prepared from one
// engine execute one at a time because the controller's failure-rate counters
// are reset at the start of each batch.
type Engine struct {
	cfg      Config
	executor scheduler.Executor
	safety   *safety.Controller
	active   *semaphore.Weighted
	store    ReportStore
	logger   Logger
	journal  monitor.Journal
	clock    func() time.Time
	newRunID func() string
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests). It drives
// breaker timeouts and monitor timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger routes engine, scheduler and breaker logs to logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithJournal mirrors lifecycle events of every run to journal.
func WithJournal(journal monitor.Journal) Option {
	return func(e *Engine) {
		if journal != nil {
			e.journal = journal
		}
	}
}

// WithReportStore persists the final report of every run.
func WithReportStore(store ReportStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.newRunID = next
		}
	}
}

// New wires an engine to the executor that performs item work.
func New(cfg Config, executor scheduler.Executor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("engine: executor is required")
	}
	e := &Engine{
		cfg:      cfg,
		executor: executor,
		active:   semaphore.NewWeighted(1),
		logger:   nopLogger{},
		clock:    time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	settings := cfg.Safety
	if settings == (safety.Settings{}) {
		settings = safety.DefaultSettings()
	}
	controller, err := safety.NewController(settings, safety.WithClock(e.clock), safety.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.safety = controller
	return e, nil
}

// Safety exposes the controller shared by all runs.
func (e *Engine) Safety() *safety.Controller {
	return e.safety
}

// Run is a prepared batch: validated, grouped, and ready to execute once.
type Run struct {
	ID         string
	Definition batch.Definition
	Graph      *graph.Graph
	Groups     []graph.Group
	// Conflicts are advisory; the resource manager serializes them at runtime.
	Conflicts []graph.ResourceConflict

	engine    *Engine
	resources *resource.Manager
	monitor   *monitor.Monitor
	scheduler *scheduler.Scheduler
}

// Prepare validates def and builds its graph. Input errors (unknown
// dependency, cycle, malformed batch) are returned here, before any execution
// record exists.
func (e *Engine) Prepare(def batch.Definition) (*Run, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	normalized = normalized.WithEstimateFallback(e.cfg.DefaultEstimate)
	g, err := graph.Build(normalized.Items)
	if err != nil {
		return nil, fmt.Errorf("engine: batch %s: %w", normalized.ID, err)
	}
	resources, err := resource.NewManager(normalized.Capacities())
	if err != nil {
		return nil, fmt.Errorf("engine: batch %s: %w", normalized.ID, err)
	}
	run := &Run{
		ID:         e.newRunID(),
		Definition: normalized,
		Graph:      g,
		Groups:     g.ParallelGroups(),
		Conflicts:  g.DetectResourceConflicts(resources.Capacity),
		engine:     e,
		resources:  resources,
	}
	monOpts := []monitor.Option{monitor.WithRunID(run.ID), monitor.WithClock(e.clock)}
	if e.journal != nil {
		monOpts = append(monOpts, monitor.WithJournal(e.journal))
	}
	run.monitor = monitor.New(normalized.ID, monOpts...)

	maxConcurrency := e.cfg.MaxConcurrency
	if normalized.Runtime.MaxConcurrency > 0 {
		maxConcurrency = normalized.Runtime.MaxConcurrency
	}
	run.scheduler, err = scheduler.New(scheduler.Config{
		Executor:          e.executor,
		Resources:         resources,
		Safety:            e.safety,
		Monitor:           run.monitor,
		MaxConcurrency:    maxConcurrency,
		TimeoutMultiplier: e.cfg.TimeoutMultiplier,
		DefaultEstimate:   e.cfg.DefaultEstimate,
	}, scheduler.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.logger.Printf("engine: prepared batch %s run %s: %d items in %d groups", normalized.ID, run.ID, g.Len(), len(run.Groups))
	for _, conflict := range run.Conflicts {
		e.logger.Printf("engine: advisory: %s", conflict.String())
	}
	return run, nil
}

// Monitor exposes the live snapshot source of the run.
func (r *Run) Monitor() *monitor.Monitor {
	return r.monitor
}

// Resources exposes the run's resource manager.
func (r *Run) Resources() *resource.Manager {
	return r.resources
}

// Limit reports the scheduler's current admission limit.
func (r *Run) Limit() int {
	return r.scheduler.Limit()
}

// Execute schedules every group and persists the final report. Item failures
// are reported, not returned; the error is the caller's cancellation or a
// persistence failure. Execute waits while another run of the same engine is
// executing.
func (r *Run) Execute(ctx context.Context) (monitor.ExecutionReport, error) {
	if err := r.engine.active.Acquire(ctx, 1); err != nil {
		return r.monitor.Report(), fmt.Errorf("engine: run %s: wait for active run: %w", r.ID, err)
	}
	defer r.engine.active.Release(1)

	report, err := r.scheduler.Schedule(ctx, r.Groups)
	r.engine.logger.Printf("engine: run %s finished: %d completed, %d failed, %d timed out, %d skipped",
		r.ID, report.Completed, report.Failed, report.TimedOut, report.Skipped)
	if r.engine.store != nil {
		if saveErr := r.engine.store.Save(report); saveErr != nil {
			r.engine.logger.Printf("engine: persist report %s: %v", r.ID, saveErr)
			if err == nil {
				err = fmt.Errorf("engine: persist report: %w", saveErr)
			}
		}
	}
	return report, err
}

// Run prepares and executes def in one call.
func (e *Engine) Run(ctx context.Context, def batch.Definition) (monitor.ExecutionReport, error) {
	run, err := e.Prepare(def)
	if err != nil {
		return monitor.ExecutionReport{}, err
	}
	return run.Execute(ctx)
}
