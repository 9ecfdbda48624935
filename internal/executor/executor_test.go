package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/lattice-batch/internal/batch"
)

func newBuiltinDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	d, err := NewDispatcher(reg, opts...)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	if err := reg.Register("Shell", newShellRunner); err == nil {
		t.Fatalf("expected duplicate kind error")
	}
	if got := strings.Join(reg.Kinds(), ","); got != "fail,noop,shell,sleep" {
		t.Fatalf("unexpected kinds: %s", got)
	}
	if _, err := reg.Resolve("missing", nil); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestShellRunnerWritesWithEnv(t *testing.T) {
	dir := t.TempDir()
	d := newBuiltinDispatcher(t)
	item := batch.WorkItem{
		ID:      "write",
		Command: `printf '%s' "$GREETING" > out.txt`,
		Env:     map[string]string{"GREETING": "hello"},
		Config:  map[string]any{"dir": dir},
	}
	if err := d.Execute(context.Background(), item); err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestShellRunnerReportsOutputOnFailure(t *testing.T) {
	d := newBuiltinDispatcher(t)
	err := d.Execute(context.Background(), batch.WorkItem{ID: "bad", Command: "echo nope >&2; exit 3"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("error should carry output tail: %v", err)
	}
}

func TestSleepRunnerHonorsContext(t *testing.T) {
	d := newBuiltinDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	item := batch.WorkItem{ID: "nap", Executor: KindSleep, Config: map[string]any{"duration": "5s"}}
	err := d.Execute(ctx, item)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestShellRunnerKillsChildrenOnDeadline(t *testing.T) {
	dir := t.TempDir()
	d := newBuiltinDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	item := batch.WorkItem{
		ID:      "slow",
		Command: "(sleep 1; touch late.txt) & sleep 3; echo done",
		Config:  map[string]any{"dir": dir},
	}
	start := time.Now()
	err := d.Execute(ctx, item)
	elapsed := time.Since(start)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("shell item outlived its deadline by %s", elapsed)
	}
	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(dir, "late.txt")); err == nil {
		t.Fatalf("background child kept running after the deadline")
	}
}

func TestSleepRunnerRejectsBadDuration(t *testing.T) {
	d := newBuiltinDispatcher(t)
	item := batch.WorkItem{ID: "nap", Executor: KindSleep, Config: map[string]any{"duration": "soon"}}
	if err := d.Execute(context.Background(), item); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestDispatcherKindSelection(t *testing.T) {
	d := newBuiltinDispatcher(t)
	if got := d.kindFor(batch.WorkItem{Command: "true"}); got != KindShell {
		t.Fatalf("command items default to shell, got %s", got)
	}
	if got := d.kindFor(batch.WorkItem{}); got != KindNoop {
		t.Fatalf("bare items default to noop, got %s", got)
	}
	d = newBuiltinDispatcher(t, WithDefaultKind(KindSleep))
	if got := d.kindFor(batch.WorkItem{Command: "true"}); got != KindSleep {
		t.Fatalf("default kind should win, got %s", got)
	}
	if got := d.kindFor(batch.WorkItem{Executor: KindFail}); got != KindFail {
		t.Fatalf("explicit kind should win, got %s", got)
	}
}

func TestFailRunner(t *testing.T) {
	d := newBuiltinDispatcher(t)
	err := d.Execute(context.Background(), batch.WorkItem{ID: "x", Executor: KindFail, Config: map[string]any{"message": "disk full"}})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("unexpected error: %v", err)
	}
}
