package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/lattice-batch/internal/batch"
)

const (
	KindShell = "shell"
	KindSleep = "sleep"
	KindNoop  = "noop"
	KindFail  = "fail"
)

// outputTailBytes bounds how much command output is attached to an error.
const outputTailBytes = 2048

// shellWaitDelay bounds how long Run waits for output pipes to close after
// the command's process group has been killed.
const shellWaitDelay = 2 * time.Second

// RegisterBuiltins installs the stock executor kinds.
func RegisterBuiltins(reg *Registry) {
	reg.MustRegister(KindShell, newShellRunner)
	reg.MustRegister(KindSleep, newSleepRunner)
	reg.MustRegister(KindNoop, func(Config) (Runner, error) {
		return RunnerFunc(func(ctx context.Context, _ batch.WorkItem) error {
			return ctx.Err()
		}), nil
	})
	reg.MustRegister(KindFail, newFailRunner)
}

// shellRunner runs item.Command through `sh -c`. Config keys: dir, shell.
type shellRunner struct {
	dir   string
	shell string
}

func newShellRunner(cfg Config) (Runner, error) {
	r := &shellRunner{shell: "sh"}
	if dir, ok := stringValue(cfg, "dir"); ok {
		r.dir = dir
	}
	if shell, ok := stringValue(cfg, "shell"); ok {
		r.shell = shell
	}
	return r, nil
}

func (r *shellRunner) Run(ctx context.Context, item batch.WorkItem) error {
	command := strings.TrimSpace(item.Command)
	if command == "" {
		return fmt.Errorf("shell: item %s has no command", item.ID)
	}
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), envPairs(item.Env)...)
	// Children forked by the shell share its process group and die with it.
	killProcessGroup(cmd)
	cmd.WaitDelay = shellWaitDelay
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		tail := strings.TrimSpace(lastBytes(output.String(), outputTailBytes))
		if tail == "" {
			return fmt.Errorf("shell: %w", err)
		}
		return fmt.Errorf("shell: %w: %s", err, tail)
	}
	return nil
}

// sleepRunner waits for config "duration" (or the item's estimate) and
// returns. Useful for dry runs of a batch's shape.
type sleepRunner struct {
	duration time.Duration
}

func newSleepRunner(cfg Config) (Runner, error) {
	d, ok, err := durationValue(cfg, "duration")
	if err != nil {
		return nil, err
	}
	r := &sleepRunner{}
	if ok {
		r.duration = d
	}
	return r, nil
}

func (r *sleepRunner) Run(ctx context.Context, item batch.WorkItem) error {
	d := r.duration
	if d <= 0 {
		d = item.EstimatedDuration
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newFailRunner(cfg Config) (Runner, error) {
	message, ok := stringValue(cfg, "message")
	if !ok {
		message = "configured to fail"
	}
	return RunnerFunc(func(context.Context, batch.WorkItem) error {
		return errors.New(message)
	}), nil
}

func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func stringValue(cfg Config, key string) (string, bool) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return "", false
	}
	value := strings.TrimSpace(fmt.Sprint(raw))
	return value, value != ""
}

func durationValue(cfg Config, key string) (time.Duration, bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, true, nil
	case int:
		return time.Duration(v) * time.Second, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	default:
		return 0, false, fmt.Errorf("%s: unsupported value %v", key, raw)
	}
}
