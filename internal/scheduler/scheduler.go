package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kingrea/lattice-batch/internal/batch"
	"github.com/kingrea/lattice-batch/internal/graph"
	"github.com/kingrea/lattice-batch/internal/monitor"
	"github.com/kingrea/lattice-batch/internal/resource"
	"github.com/kingrea/lattice-batch/internal/safety"
)

const (
	DefaultMaxConcurrency    = 4
	DefaultTimeoutMultiplier = 2.0
	DefaultEstimate          = time.Minute
)

// Executor performs the work of a single item. A nil error means success. The
// context carries the item's deadline.
type Executor interface {
	Execute(ctx context.Context, item batch.WorkItem) error
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, item batch.WorkItem) error

// Execute calls f(ctx, item).
func (f ExecutorFunc) Execute(ctx context.Context, item batch.WorkItem) error {
	if f == nil {
		return nil
	}
	return f(ctx, item)
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Config wires the scheduler to its collaborators.
type Config struct {
	Executor  Executor
	Resources *resource.Manager
	Safety    *safety.Controller
	Monitor   *monitor.Monitor

	// MaxConcurrency sizes the batch-wide admission limiter. Values <= 0 use
	// DefaultMaxConcurrency.
	MaxConcurrency int
	// TimeoutMultiplier scales an item's estimate into its deadline.
	TimeoutMultiplier float64
	// DefaultEstimate applies to items without an estimated duration.
	DefaultEstimate time.Duration
}

func (cfg Config) normalized() Config {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if cfg.DefaultEstimate <= 0 {
		cfg.DefaultEstimate = DefaultEstimate
	}
	return cfg
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithLogger routes scheduling decisions to logger.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler drives parallel groups through the safety gate, the resource
// manager, and the executor. A Scheduler runs one batch at a time.
type Scheduler struct {
	cfg    Config
	logger Logger

	mu      sync.Mutex
	limit   int
	running bool
}

// New validates cfg and returns a scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("scheduler: executor is required")
	}
	if cfg.Resources == nil {
		return nil, fmt.Errorf("scheduler: resource manager is required")
	}
	if cfg.Safety == nil {
		return nil, fmt.Errorf("scheduler: safety controller is required")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("scheduler: monitor is required")
	}
	s := &Scheduler{cfg: cfg.normalized(), logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Limit returns the current size of the admission limiter.
func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Deadline returns estimate × multiplier for item, saturating at the largest
// representable duration.
func (s *Scheduler) Deadline(item batch.WorkItem) time.Duration {
	estimate := item.EstimatedDuration
	if estimate <= 0 {
		estimate = s.cfg.DefaultEstimate
	}
	deadline := float64(estimate) * s.cfg.TimeoutMultiplier
	if deadline >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(deadline)
}

// Schedule runs groups strictly in order and returns the final report. Item
// failures never abort the batch. If ctx is cancelled the remaining items are
// skipped and ctx.Err() is returned with the partial report.
func (s *Scheduler) Schedule(ctx context.Context, groups []graph.Group) (monitor.ExecutionReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return monitor.ExecutionReport{}, fmt.Errorf("scheduler: a batch is already running")
	}
	s.running = true
	s.limit = s.cfg.MaxConcurrency
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	mon := s.cfg.Monitor
	for _, group := range groups {
		mon.DeclareGroup(group.Index, group.IDs())
	}
	s.cfg.Safety.BeginBatch()
	run := &batchRun{
		Scheduler:    s,
		limiter:      semaphore.NewWeighted(int64(s.cfg.MaxConcurrency)),
		notCompleted: map[string]string{},
	}
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			run.skipAll(group.Items, monitor.SkipReasonCancelled, err.Error())
			continue
		}
		admission := s.cfg.Safety.AdmitGroup(group)
		if admission.Serial && !run.serial {
			// Nothing is in flight between groups, so the limiter can be swapped.
			run.serial = true
			run.limiter = semaphore.NewWeighted(1)
			s.mu.Lock()
			s.limit = 1
			s.mu.Unlock()
			s.logger.Printf("scheduler: failure rate %.2f over %d attempts, collapsing concurrency to 1 from group %d",
				admission.FailureRate, admission.Attempted, group.Index)
		}
		if run.serial {
			mon.MarkSerial(group.Index)
		}
		run.runGroup(ctx, group)
	}
	return mon.Report(), ctx.Err()
}

// batchRun carries the state of one Schedule call.
type batchRun struct {
	*Scheduler
	limiter *semaphore.Weighted
	serial  bool
	// notCompleted maps item ids that did not complete to the reason.
	notCompleted map[string]string
}

func (r *batchRun) runGroup(ctx context.Context, group graph.Group) {
	mon := r.cfg.Monitor
	ready := make([]batch.WorkItem, 0, len(group.Items))
	for _, item := range group.Items {
		if blocker, reason := r.blockedBy(item); blocker != "" {
			detail := fmt.Sprintf("dependency %s did not complete (%s)", blocker, reason)
			mon.RecordSkip(item.ID, monitor.SkipReasonDependencyFailed, detail)
			r.notCompleted[item.ID] = string(monitor.SkipReasonDependencyFailed)
			continue
		}
		ready = append(ready, item)
	}
	for pass := 1; len(ready) > 0; pass++ {
		deferred, dispatched, cancelled := r.runPass(ctx, ready)
		if len(cancelled) > 0 {
			r.skipAll(cancelled, monitor.SkipReasonCancelled, ctx.Err().Error())
		}
		if ctx.Err() != nil {
			r.skipAll(deferred, monitor.SkipReasonCancelled, ctx.Err().Error())
			break
		}
		if dispatched == 0 {
			// Every remaining item was rejected without progress; their skip
			// records stand as the final state.
			r.logger.Printf("scheduler: group %d pass %d dispatched nothing, leaving %d item(s) skipped", group.Index, pass, len(deferred))
			break
		}
		if len(deferred) > 0 {
			r.logger.Printf("scheduler: group %d re-offering %d item(s)", group.Index, len(deferred))
		}
		ready = deferred
	}
	for _, item := range group.Items {
		status := mon.Status(item.ID)
		if status.Status == monitor.StatusCompleted {
			continue
		}
		if _, ok := r.notCompleted[item.ID]; ok {
			continue
		}
		reason := string(status.Status)
		if status.SkipReason != "" {
			reason = string(status.SkipReason)
		}
		r.notCompleted[item.ID] = reason
	}
}

// runPass offers every ready item once and waits for all dispatched items to
// reach a terminal state.
func (r *batchRun) runPass(ctx context.Context, ready []batch.WorkItem) (deferred []batch.WorkItem, dispatched int, cancelled []batch.WorkItem) {
	mon := r.cfg.Monitor
	var eg errgroup.Group
	limiter := r.limiter
	for idx, item := range ready {
		if err := limiter.Acquire(ctx, 1); err != nil {
			cancelled = append(cancelled, ready[idx:]...)
			break
		}
		if !r.cfg.Safety.AdmitItem(item.ID) {
			limiter.Release(1)
			mon.RecordSkip(item.ID, monitor.SkipReasonBreakerOpen, "circuit breaker open")
			deferred = append(deferred, item)
			continue
		}
		if !r.cfg.Resources.Allocate(item.ID, item.Resources) {
			r.cfg.Safety.Cancel(item.ID)
			limiter.Release(1)
			mon.RecordSkip(item.ID, monitor.SkipReasonResourceUnavailable, "waiting for "+strings.Join(item.Resources, ", "))
			deferred = append(deferred, item)
			continue
		}
		dispatched++
		item := item
		eg.Go(func() error {
			defer limiter.Release(1)
			r.dispatch(ctx, item)
			return nil
		})
	}
	_ = eg.Wait()
	return deferred, dispatched, cancelled
}

// dispatch runs one admitted item. Resources are released when the executor
// returns or the deadline passes, whichever comes first.
func (r *batchRun) dispatch(ctx context.Context, item batch.WorkItem) {
	mon := r.cfg.Monitor
	release := func() { r.cfg.Resources.Release(item.ID, item.Resources) }
	if _, err := mon.RecordStart(item.ID); err != nil {
		release()
		r.cfg.Safety.Cancel(item.ID)
		r.logger.Printf("scheduler: %v", err)
		return
	}
	deadline := r.Deadline(item)
	itemCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.execute(itemCtx, item)
	}()

	select {
	case err := <-done:
		release()
		r.settle(ctx, itemCtx, item, err, deadline)
	case <-itemCtx.Done():
		select {
		case err := <-done:
			release()
			r.settle(ctx, itemCtx, item, err, deadline)
			return
		default:
		}
		release()
		r.settle(ctx, itemCtx, item, itemCtx.Err(), deadline)
	}
}

func (r *batchRun) settle(ctx, itemCtx context.Context, item batch.WorkItem, err error, deadline time.Duration) {
	mon := r.cfg.Monitor
	switch {
	case err == nil:
		_ = mon.RecordCompletion(item.ID)
		r.cfg.Safety.OnSuccess(item.ID)
	case ctx.Err() != nil:
		// Caller cancellation is not the item's fault; the breaker is untouched.
		_ = mon.RecordFailure(item.ID, fmt.Errorf("cancelled: %w", ctx.Err()))
		r.cfg.Safety.Cancel(item.ID)
	case errors.Is(itemCtx.Err(), context.DeadlineExceeded):
		_ = mon.RecordTimeout(item.ID, deadline)
		r.cfg.Safety.OnTimeout(item.ID)
		r.logger.Printf("scheduler: %s exceeded its %s deadline", item.ID, deadline)
	default:
		_ = mon.RecordFailure(item.ID, err)
		r.cfg.Safety.OnFailure(item.ID)
		r.logger.Printf("scheduler: %s failed: %v", item.ID, err)
	}
}

func (r *batchRun) execute(ctx context.Context, item batch.WorkItem) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scheduler: executor panic: %v", rec)
		}
	}()
	return r.cfg.Executor.Execute(ctx, item)
}

func (r *batchRun) blockedBy(item batch.WorkItem) (string, string) {
	for _, dep := range item.DependsOn {
		if reason, ok := r.notCompleted[dep]; ok {
			return dep, reason
		}
	}
	return "", ""
}

func (r *batchRun) skipAll(items []batch.WorkItem, reason monitor.SkipReason, detail string) {
	for _, item := range items {
		r.cfg.Monitor.RecordSkip(item.ID, reason, detail)
		r.notCompleted[item.ID] = string(reason)
	}
}
