package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-batch/internal/batch"
	"github.com/kingrea/lattice-batch/internal/graph"
	"github.com/kingrea/lattice-batch/internal/monitor"
	"github.com/kingrea/lattice-batch/internal/resource"
	"github.com/kingrea/lattice-batch/internal/safety"
)

// recordingExecutor sleeps per item, tracks peak concurrency, and fails the
// items listed in fail.
type recordingExecutor struct {
	delay time.Duration
	fail  map[string]bool

	inFlight int64
	peak     int64

	mu    sync.Mutex
	calls []string
	peaks map[string]int64
}

func newRecordingExecutor(delay time.Duration, failing ...string) *recordingExecutor {
	fail := map[string]bool{}
	for _, id := range failing {
		fail[id] = true
	}
	return &recordingExecutor{delay: delay, fail: fail, peaks: map[string]int64{}}
}

func (e *recordingExecutor) Execute(ctx context.Context, item batch.WorkItem) error {
	current := atomic.AddInt64(&e.inFlight, 1)
	defer atomic.AddInt64(&e.inFlight, -1)
	for {
		peak := atomic.LoadInt64(&e.peak)
		if current <= peak || atomic.CompareAndSwapInt64(&e.peak, peak, current) {
			break
		}
	}
	e.mu.Lock()
	e.calls = append(e.calls, item.ID)
	e.peaks[item.ID] = current
	e.mu.Unlock()
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.fail[item.ID] {
		return errors.New("boom")
	}
	return nil
}

func (e *recordingExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *recordingExecutor) ConcurrencyAtStart(id string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peaks[id]
}

type harness struct {
	sched     *Scheduler
	monitor   *monitor.Monitor
	resources *resource.Manager
	safety    *safety.Controller
}

func newHarness(t *testing.T, exec Executor, maxConcurrency int, capacities map[string]int) *harness {
	t.Helper()
	res, err := resource.NewManager(capacities)
	require.NoError(t, err)
	ctrl, err := safety.NewController(safety.DefaultSettings())
	require.NoError(t, err)
	mon := monitor.New("test-batch")
	sched, err := New(Config{
		Executor:          exec,
		Resources:         res,
		Safety:            ctrl,
		Monitor:           mon,
		MaxConcurrency:    maxConcurrency,
		TimeoutMultiplier: 2.0,
		DefaultEstimate:   5 * time.Second,
	})
	require.NoError(t, err)
	return &harness{sched: sched, monitor: mon, resources: res, safety: ctrl}
}

func groupsFor(t *testing.T, items ...batch.WorkItem) []graph.Group {
	t.Helper()
	g, err := graph.Build(items)
	require.NoError(t, err)
	return g.ParallelGroups()
}

func workItem(id string, deps ...string) batch.WorkItem {
	return batch.WorkItem{ID: id, DependsOn: deps}
}

func TestScheduleRunsIndependentItemsInParallel(t *testing.T) {
	exec := newRecordingExecutor(50 * time.Millisecond)
	h := newHarness(t, exec, 4, nil)
	groups := groupsFor(t, workItem("A"), workItem("B"), workItem("C", "A", "B"))

	report, err := h.sched.Schedule(context.Background(), groups)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Groups, 2)
	assert.Equal(t, []string{"A", "B"}, report.Groups[0].Items)
	assert.Equal(t, []string{"C"}, report.Groups[1].Items)
	assert.Greater(t, report.SpeedupRatio, 1.0, "A and B overlapped")
	assert.Equal(t, "C", exec.Calls()[2], "C starts only after group 1 finished")
}

func TestScheduleBoundsConcurrency(t *testing.T) {
	exec := newRecordingExecutor(20 * time.Millisecond)
	h := newHarness(t, exec, 3, nil)
	items := make([]batch.WorkItem, 0, 10)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		items = append(items, workItem(id))
	}

	report, err := h.sched.Schedule(context.Background(), groupsFor(t, items...))
	require.NoError(t, err)
	assert.Equal(t, 10, report.Completed)
	assert.LessOrEqual(t, atomic.LoadInt64(&exec.peak), int64(3))
}

func TestScheduleCollapsesToSerialAboveFailureRate(t *testing.T) {
	exec := newRecordingExecutor(20*time.Millisecond, "A", "B", "C")
	h := newHarness(t, exec, 3, nil)
	groups := groupsFor(t,
		workItem("A"), workItem("B"), workItem("C"), workItem("D"),
		workItem("E", "D"), workItem("F", "D"), workItem("G", "D"),
	)

	report, err := h.sched.Schedule(context.Background(), groups)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 4, report.Completed)
	assert.True(t, report.Serial)
	assert.True(t, report.Groups[1].Serial)
	assert.False(t, report.Groups[0].Serial)
	assert.Equal(t, 1, h.sched.Limit())
	for _, id := range []string{"E", "F", "G"} {
		assert.Equal(t, int64(1), exec.ConcurrencyAtStart(id), "%s must run alone", id)
	}
}

func TestScheduleRecordsTimeoutsAndReleasesResources(t *testing.T) {
	stuck := ExecutorFunc(func(ctx context.Context, item batch.WorkItem) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	h := newHarness(t, stuck, 2, map[string]int{"db": 1})
	item := workItem("slow")
	item.EstimatedDuration = 10 * time.Millisecond
	item.Resources = []string{"db"}

	started := time.Now()
	report, err := h.sched.Schedule(context.Background(), groupsFor(t, item))
	require.NoError(t, err)

	assert.Less(t, time.Since(started), 400*time.Millisecond, "scheduler must not wait past the deadline")
	assert.Equal(t, 1, report.TimedOut)
	assert.Equal(t, monitor.StatusTimedOut, h.monitor.Status("slow").Status)
	assert.Equal(t, 0, h.resources.Usage("db"))
	assert.Equal(t, 1, h.safety.Breaker("slow").ConsecutiveFailures)
	assert.Equal(t, 20*time.Millisecond, h.sched.Deadline(item))
}

func TestDeadlineSaturatesInsteadOfOverflowing(t *testing.T) {
	h := newHarness(t, ExecutorFunc(nil), 1, nil)
	item := workItem("huge")
	item.EstimatedDuration = time.Duration(math.MaxInt64/2) + time.Hour
	assert.Equal(t, time.Duration(math.MaxInt64), h.sched.Deadline(item))

	item.EstimatedDuration = 0
	assert.Equal(t, 10*time.Second, h.sched.Deadline(item))
}

func TestScheduleReoffersResourceContention(t *testing.T) {
	var (
		holders int64
		peak    int64
	)
	exec := ExecutorFunc(func(ctx context.Context, item batch.WorkItem) error {
		current := atomic.AddInt64(&holders, 1)
		if current > atomic.LoadInt64(&peak) {
			atomic.StoreInt64(&peak, current)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&holders, -1)
		return nil
	})
	h := newHarness(t, exec, 4, map[string]int{"db": 1})
	a := workItem("A")
	a.Resources = []string{"db"}
	b := workItem("B")
	b.Resources = []string{"db"}

	report, err := h.sched.Schedule(context.Background(), groupsFor(t, a, b))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))
}

func TestScheduleSkipsDependentsOfFailedItems(t *testing.T) {
	exec := newRecordingExecutor(time.Millisecond, "build")
	h := newHarness(t, exec, 2, nil)
	groups := groupsFor(t, workItem("build"), workItem("test", "build"), workItem("deploy", "test"))

	report, err := h.sched.Schedule(context.Background(), groups)
	require.NoError(t, err)

	assert.Equal(t, []string{"build"}, exec.Calls())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)
	status := h.monitor.Status("deploy")
	assert.Equal(t, monitor.StatusSkipped, status.Status)
	assert.Equal(t, monitor.SkipReasonDependencyFailed, status.SkipReason)
}

func TestScheduleSkipsOpenBreakers(t *testing.T) {
	exec := newRecordingExecutor(time.Millisecond)
	h := newHarness(t, exec, 2, nil)
	for i := 0; i < safety.DefaultFailureThreshold; i++ {
		h.safety.OnFailure("flaky")
	}
	groups := groupsFor(t, workItem("flaky"), workItem("steady"))

	report, err := h.sched.Schedule(context.Background(), groups)
	require.NoError(t, err)

	assert.Equal(t, []string{"steady"}, exec.Calls())
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, monitor.SkipReasonBreakerOpen, h.monitor.Status("flaky").SkipReason)
	assert.Empty(t, filterExecutions(report.Executions, "flaky"), "skipped items have no execution record")
}

func TestScheduleRecoversExecutorPanics(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, item batch.WorkItem) error {
		if item.ID == "bad" {
			panic("nil map")
		}
		return nil
	})
	h := newHarness(t, exec, 2, nil)

	report, err := h.sched.Schedule(context.Background(), groupsFor(t, workItem("bad"), workItem("good")))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, h.monitor.Status("bad").Error, "panic")
}

func TestScheduleStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := ExecutorFunc(func(c context.Context, item batch.WorkItem) error {
		if item.ID == "first" {
			cancel()
		}
		return nil
	})
	h := newHarness(t, exec, 1, nil)
	groups := groupsFor(t, workItem("first"), workItem("second", "first"), workItem("third", "second"))

	report, err := h.sched.Schedule(ctx, groups)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, report.Total)
	for _, id := range []string{"second", "third"} {
		status := h.monitor.Status(id)
		assert.Equal(t, monitor.StatusSkipped, status.Status, id)
		assert.Equal(t, monitor.SkipReasonCancelled, status.SkipReason, id)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func filterExecutions(execs []monitor.Execution, itemID string) []monitor.Execution {
	var out []monitor.Execution
	for _, exec := range execs {
		if exec.ItemID == itemID {
			out = append(out, exec)
		}
	}
	return out
}
