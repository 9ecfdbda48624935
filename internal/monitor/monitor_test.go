package monitor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *memoryJournal) add(level, format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, level+" "+fmt.Sprintf(format, args...))
}

func (j *memoryJournal) Info(format string, args ...any)  { j.add("INFO", format, args...) }
func (j *memoryJournal) Warn(format string, args ...any)  { j.add("WARN", format, args...) }
func (j *memoryJournal) Error(format string, args ...any) { j.add("ERROR", format, args...) }

func newTestMonitor(t *testing.T) (*Monitor, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New("nightly", WithClock(clock.Now)), clock
}

func mustStart(t *testing.T, m *Monitor, id string) string {
	t.Helper()
	execID, err := m.RecordStart(id)
	if err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	return execID
}

func TestReportAggregatesPerGroupAndBatch(t *testing.T) {
	m, clock := newTestMonitor(t)
	m.DeclareGroup(1, []string{"A", "B"})
	m.DeclareGroup(2, []string{"C"})

	mustStart(t, m, "A")
	mustStart(t, m, "B")
	clock.Advance(10 * time.Second)
	if err := m.RecordCompletion("A"); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if err := m.RecordCompletion("B"); err != nil {
		t.Fatalf("complete B: %v", err)
	}
	mustStart(t, m, "C")
	clock.Advance(5 * time.Second)
	if err := m.RecordCompletion("C"); err != nil {
		t.Fatalf("complete C: %v", err)
	}

	report := m.Report()
	if report.Total != 3 || report.Completed != 3 || report.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if !report.Finished() || !report.Succeeded() {
		t.Fatalf("report should be finished and successful")
	}
	if report.AverageDuration != 25*time.Second/3 {
		t.Fatalf("average duration = %s", report.AverageDuration)
	}
	if len(report.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(report.Groups))
	}
	if got := report.Groups[0].SpeedupRatio; got != 2.0 {
		t.Fatalf("group 1 speedup = %v, want 2", got)
	}
	if got := report.Groups[1].SpeedupRatio; got != 1.0 {
		t.Fatalf("group 2 speedup = %v, want 1", got)
	}
	if report.WallClock != 15*time.Second {
		t.Fatalf("wall clock = %s", report.WallClock)
	}
	if report.SpeedupRatio <= 1.0 {
		t.Fatalf("overlapping A and B should yield speedup > 1, got %v", report.SpeedupRatio)
	}
}

func TestSequentialExecutionHasNoSpeedup(t *testing.T) {
	m, clock := newTestMonitor(t)
	m.DeclareGroup(1, []string{"A", "B"})
	for _, id := range []string{"A", "B"} {
		mustStart(t, m, id)
		clock.Advance(time.Second)
		if err := m.RecordCompletion(id); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	if ratio := m.Report().SpeedupRatio; ratio > 1.0 {
		t.Fatalf("non-overlapping items reported speedup %v", ratio)
	}
}

func TestReportKeepsRunningAndPendingItems(t *testing.T) {
	m, clock := newTestMonitor(t)
	m.DeclareGroup(1, []string{"fetch", "parse", "index"})
	mustStart(t, m, "fetch")
	mustStart(t, m, "parse")
	clock.Advance(time.Second)
	if err := m.RecordFailure("parse", errors.New("bad input")); err != nil {
		t.Fatalf("fail parse: %v", err)
	}

	report := m.Report()
	if report.Running != 1 || report.Failed != 1 || report.Pending != 1 {
		t.Fatalf("unexpected counts: running=%d failed=%d pending=%d", report.Running, report.Failed, report.Pending)
	}
	if report.Finished() {
		t.Fatalf("report with a running item is not finished")
	}
	if status := m.Status("fetch"); status.Status != StatusRunning {
		t.Fatalf("fetch status = %s", status.Status)
	}
	if status := m.Status("parse"); status.Error != "bad input" {
		t.Fatalf("parse error = %q", status.Error)
	}
}

func TestRetryAppendsNewRecord(t *testing.T) {
	m, clock := newTestMonitor(t)
	first := mustStart(t, m, "deploy")
	clock.Advance(2 * time.Second)
	if err := m.RecordTimeout("deploy", time.Second); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	second := mustStart(t, m, "deploy")
	if first == second {
		t.Fatalf("retry reused execution id %s", first)
	}
	clock.Advance(time.Second)
	if err := m.RecordCompletion("deploy"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	execs := m.Executions()
	if len(execs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(execs))
	}
	if execs[0].Status != StatusTimedOut || execs[0].Attempt != 1 || execs[0].Duration != 2*time.Second {
		t.Fatalf("first record changed: %+v", execs[0])
	}
	if execs[1].Status != StatusCompleted || execs[1].Attempt != 2 {
		t.Fatalf("unexpected second record: %+v", execs[1])
	}
	if !strings.Contains(execs[0].Error, "deadline") {
		t.Fatalf("timeout detail missing: %q", execs[0].Error)
	}
}

func TestSkipClearedByStart(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.DeclareGroup(1, []string{"lock-holder"})
	m.RecordSkip("lock-holder", SkipReasonResourceUnavailable, "db busy")
	if status := m.Status("lock-holder"); status.Status != StatusSkipped || status.SkipReason != SkipReasonResourceUnavailable {
		t.Fatalf("unexpected status: %+v", status)
	}
	mustStart(t, m, "lock-holder")
	if err := m.RecordCompletion("lock-holder"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	report := m.Report()
	if report.Skipped != 0 || report.Completed != 1 || len(report.Skips) != 0 {
		t.Fatalf("skip should be cleared: %+v", report)
	}
}

func TestRecordErrors(t *testing.T) {
	m, _ := newTestMonitor(t)
	if err := m.RecordCompletion("ghost"); err == nil {
		t.Fatalf("expected error completing an item that never started")
	}
	mustStart(t, m, "a")
	if _, err := m.RecordStart("a"); err == nil {
		t.Fatalf("expected error starting a running item")
	}
}

func TestJournalMirrorsEvents(t *testing.T) {
	journal := &memoryJournal{}
	m := New("b", WithJournal(journal))
	mustStart(t, m, "a")
	_ = m.RecordFailure("a", errors.New("exit 1"))
	m.RecordSkip("b", SkipReasonBreakerOpen, "")
	m.MarkSerial(2)

	want := []string{"INFO start a", "ERROR failed a", "WARN skipped b (breaker-open)", "WARN group 2 running serially"}
	if len(journal.lines) != len(want) {
		t.Fatalf("journal lines = %v", journal.lines)
	}
	for i, prefix := range want {
		if !strings.HasPrefix(journal.lines[i], prefix) {
			t.Fatalf("line %d = %q, want prefix %q", i, journal.lines[i], prefix)
		}
	}
	if !m.Report().Serial {
		t.Fatalf("serial group should mark the report")
	}
}
