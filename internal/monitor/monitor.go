package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Journal mirrors lifecycle events. *logbook.Logbook satisfies it.
type Journal interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopJournal struct{}

func (nopJournal) Info(string, ...any)  {}
func (nopJournal) Warn(string, ...any)  {}
func (nopJournal) Error(string, ...any) {}

// Option customizes a monitor.
type Option func(*Monitor)

// WithClock injects a deterministic clock (primarily for tests). Wall-clock
// spans rely on the clock's monotonic readings, so production code should keep
// time.Now.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithJournal mirrors every recorded event to journal.
func WithJournal(journal Journal) Option {
	return func(m *Monitor) {
		if journal != nil {
			m.journal = journal
		}
	}
}

// WithRunID tags reports with the engine run id.
func WithRunID(runID string) Option {
	return func(m *Monitor) {
		m.runID = runID
	}
}

type groupState struct {
	index  int
	items  []string
	serial bool
}

// Monitor is the append-only record of item lifecycle events for one batch.
// It is safe for concurrent use. Nothing it computes feeds back into
// scheduling.
type Monitor struct {
	batchID string
	runID   string
	clock   func() time.Time
	journal Journal

	mu         sync.RWMutex
	order      []string
	known      map[string]struct{}
	itemGroup  map[string]int
	groups     []*groupState
	executions []Execution
	open       map[string]int
	attempts   map[string]int
	skips      map[string]Skip
}

// New creates an empty monitor for batchID.
func New(batchID string, opts ...Option) *Monitor {
	m := &Monitor{
		batchID:   batchID,
		clock:     time.Now,
		journal:   nopJournal{},
		known:     map[string]struct{}{},
		itemGroup: map[string]int{},
		open:      map[string]int{},
		attempts:  map[string]int{},
		skips:     map[string]Skip{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// BatchID returns the batch this monitor tracks.
func (m *Monitor) BatchID() string {
	return m.batchID
}

// DeclareGroup registers the planned membership of a group so reports can
// list items that never started.
func (m *Monitor) DeclareGroup(index int, itemIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groupLocked(index)
	for _, id := range itemIDs {
		m.trackLocked(id)
		if _, ok := m.itemGroup[id]; !ok {
			g.items = append(g.items, id)
		}
		m.itemGroup[id] = index
	}
}

// MarkSerial flags a group as scheduled at concurrency 1.
func (m *Monitor) MarkSerial(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupLocked(index).serial = true
	m.journal.Warn("group %d running serially", index)
}

// RecordStart opens a new execution record for itemID and clears any pending
// skip. It returns the execution id.
func (m *Monitor) RecordStart(itemID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.open[itemID]; running {
		return "", fmt.Errorf("monitor: %s already running", itemID)
	}
	m.trackLocked(itemID)
	m.attempts[itemID]++
	exec := Execution{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Attempt:   m.attempts[itemID],
		Group:     m.itemGroup[itemID],
		Status:    StatusRunning,
		StartedAt: m.clock(),
	}
	m.executions = append(m.executions, exec)
	m.open[itemID] = len(m.executions) - 1
	delete(m.skips, itemID)
	m.journal.Info("start %s attempt %d group %d", itemID, exec.Attempt, exec.Group)
	return exec.ID, nil
}

// RecordCompletion closes the running record of itemID as completed.
func (m *Monitor) RecordCompletion(itemID string) error {
	exec, err := m.finish(itemID, StatusCompleted, "")
	if err != nil {
		return err
	}
	m.journal.Info("completed %s in %s", itemID, exec.Duration)
	return nil
}

// RecordFailure closes the running record of itemID as failed.
func (m *Monitor) RecordFailure(itemID string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	exec, err := m.finish(itemID, StatusFailed, detail)
	if err != nil {
		return err
	}
	m.journal.Error("failed %s after %s: %s", itemID, exec.Duration, detail)
	return nil
}

// RecordTimeout closes the running record of itemID as timed out.
func (m *Monitor) RecordTimeout(itemID string, deadline time.Duration) error {
	exec, err := m.finish(itemID, StatusTimedOut, fmt.Sprintf("deadline %s exceeded", deadline))
	if err != nil {
		return err
	}
	m.journal.Warn("timed out %s after %s", itemID, exec.Duration)
	return nil
}

// RecordSkip notes that itemID was not dispatched. The skip is replaced by a
// later skip and cleared by a later start.
func (m *Monitor) RecordSkip(itemID string, reason SkipReason, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackLocked(itemID)
	m.skips[itemID] = Skip{
		ItemID: itemID,
		Group:  m.itemGroup[itemID],
		Reason: reason,
		Detail: detail,
		At:     m.clock(),
	}
	if detail != "" {
		m.journal.Warn("skipped %s (%s): %s", itemID, reason, detail)
	} else {
		m.journal.Warn("skipped %s (%s)", itemID, reason)
	}
}

// Status derives the current state of itemID.
func (m *Monitor) Status(itemID string) ItemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked(itemID)
}

// Executions returns a copy of every record in start order.
func (m *Monitor) Executions() []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executionsLocked()
}

func (m *Monitor) finish(itemID string, status Status, detail string) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.open[itemID]
	if !ok {
		return Execution{}, fmt.Errorf("monitor: %s has no running execution", itemID)
	}
	now := m.clock()
	exec := &m.executions[idx]
	exec.Status = status
	exec.EndedAt = &now
	exec.Duration = now.Sub(exec.StartedAt)
	exec.Error = detail
	delete(m.open, itemID)
	return *exec, nil
}

func (m *Monitor) trackLocked(itemID string) {
	if _, ok := m.known[itemID]; ok {
		return
	}
	m.known[itemID] = struct{}{}
	m.order = append(m.order, itemID)
}

func (m *Monitor) groupLocked(index int) *groupState {
	for _, g := range m.groups {
		if g.index == index {
			return g
		}
	}
	g := &groupState{index: index}
	m.groups = append(m.groups, g)
	return g
}

func (m *Monitor) statusLocked(itemID string) ItemStatus {
	status := ItemStatus{
		ItemID:   itemID,
		Group:    m.itemGroup[itemID],
		Status:   StatusPending,
		Attempts: m.attempts[itemID],
	}
	if _, running := m.open[itemID]; running {
		status.Status = StatusRunning
		return status
	}
	if skip, ok := m.skips[itemID]; ok {
		status.Status = StatusSkipped
		status.SkipReason = skip.Reason
		status.Error = skip.Detail
		return status
	}
	for i := len(m.executions) - 1; i >= 0; i-- {
		exec := m.executions[i]
		if exec.ItemID != itemID {
			continue
		}
		status.Status = exec.Status
		status.Error = exec.Error
		break
	}
	return status
}

func (m *Monitor) executionsLocked() []Execution {
	out := make([]Execution, len(m.executions))
	copy(out, m.executions)
	for i := range out {
		if out[i].EndedAt != nil {
			ended := *out[i].EndedAt
			out[i].EndedAt = &ended
		}
	}
	return out
}
