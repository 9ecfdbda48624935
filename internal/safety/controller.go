package safety

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/lattice-batch/internal/graph"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
	DefaultMaxFailureRate   = 0.5
)

// Settings configures breakers and the batch failure-rate gate.
type Settings struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	// MaxFailureRate is the ceiling in [0,1]; a rate strictly above it forces
	// serial execution for the rest of the batch.
	MaxFailureRate float64
}

// DefaultSettings returns the stock breaker and gate configuration.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
		MaxFailureRate:   DefaultMaxFailureRate,
	}
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	return s
}

// Validate ensures the settings are usable.
func (s Settings) Validate() error {
	if s.MaxFailureRate < 0 || s.MaxFailureRate > 1 {
		return fmt.Errorf("safety: max_failure_rate must be within [0,1], got %v", s.MaxFailureRate)
	}
	return nil
}

// GroupAdmission is the gate's verdict for one group. Groups are always
// admitted; Serial asks the scheduler to run at concurrency 1.
type GroupAdmission struct {
	Admitted    bool
	Serial      bool
	FailureRate float64
	Attempted   int
	Failed      int
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes the controller.
type Option func(*Controller)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger routes breaker transitions to logger.
func WithLogger(logger Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller owns the per-item circuit breakers and the batch failure-rate
// counters. Breakers persist across batches; counters reset in BeginBatch.
type Controller struct {
	settings Settings
	clock    func() time.Time
	logger   Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	batchMu   sync.Mutex
	attempted int
	failed    int
	timedOut  int
	serial    bool
}

// NewController validates settings and returns a controller.
func NewController(settings Settings, opts ...Option) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		settings: settings.normalized(),
		clock:    time.Now,
		logger:   nopLogger{},
		breakers: map[string]*breaker{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Settings returns the effective settings.
func (c *Controller) Settings() Settings {
	return c.settings
}

// BeginBatch resets the failure-rate counters and the serial flag.
func (c *Controller) BeginBatch() {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	c.attempted = 0
	c.failed = 0
	c.timedOut = 0
	c.serial = false
}

// AdmitGroup evaluates the batch failure rate once before a group starts. The
// group is always admitted; once the rate exceeds the ceiling Serial stays set
// for the rest of the batch.
func (c *Controller) AdmitGroup(group graph.Group) GroupAdmission {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	rate := c.rateLocked()
	if !c.serial && c.attempted > 0 && rate > c.settings.MaxFailureRate {
		c.serial = true
		c.logger.Printf("safety: failure rate %.2f (%d/%d) exceeds %.2f before group %d, switching to serial execution",
			rate, c.failed+c.timedOut, c.attempted, c.settings.MaxFailureRate, group.Index)
	}
	return GroupAdmission{
		Admitted:    true,
		Serial:      c.serial,
		FailureRate: rate,
		Attempted:   c.attempted,
		Failed:      c.failed + c.timedOut,
	}
}

// AdmitItem consults the item's breaker.
func (c *Controller) AdmitItem(itemID string) bool {
	b := c.breaker(itemID)
	ok, state := b.admit(c.clock())
	if ok && state == StateHalfOpen {
		c.logger.Printf("safety: breaker %s half-open, admitting trial", itemID)
	}
	return ok
}

// Cancel hands back a half-open trial that was admitted but never dispatched.
func (c *Controller) Cancel(itemID string) {
	c.breaker(itemID).cancel()
}

// OnSuccess closes the item's breaker and counts the attempt.
func (c *Controller) OnSuccess(itemID string) {
	from, to := c.breaker(itemID).success()
	if from != to {
		c.logger.Printf("safety: breaker %s %s -> %s", itemID, from, to)
	}
	c.batchMu.Lock()
	c.attempted++
	c.batchMu.Unlock()
}

// OnFailure records a failed attempt against the breaker and the batch rate.
func (c *Controller) OnFailure(itemID string) {
	c.recordFailure(itemID)
	c.batchMu.Lock()
	c.attempted++
	c.failed++
	c.batchMu.Unlock()
}

// OnTimeout counts like a failure but is tracked separately.
func (c *Controller) OnTimeout(itemID string) {
	c.recordFailure(itemID)
	c.batchMu.Lock()
	c.attempted++
	c.timedOut++
	c.batchMu.Unlock()
}

// FailureRate returns (failed + timed out) / attempted for the current batch.
func (c *Controller) FailureRate() float64 {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	return c.rateLocked()
}

// Serial reports whether the current batch has degraded to serial execution.
func (c *Controller) Serial() bool {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	return c.serial
}

// Breaker returns a snapshot of the item's breaker.
func (c *Controller) Breaker(itemID string) Breaker {
	c.mu.Lock()
	b, ok := c.breakers[itemID]
	c.mu.Unlock()
	if !ok {
		return Breaker{
			ItemID:      itemID,
			State:       StateClosed,
			Threshold:   c.settings.FailureThreshold,
			OpenTimeout: c.settings.OpenTimeout,
		}
	}
	return b.snapshot()
}

// Breakers returns snapshots of every breaker that has seen traffic.
func (c *Controller) Breakers() []Breaker {
	c.mu.Lock()
	list := make([]*breaker, 0, len(c.breakers))
	for _, b := range c.breakers {
		list = append(list, b)
	}
	c.mu.Unlock()
	out := make([]Breaker, 0, len(list))
	for _, b := range list {
		out = append(out, b.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (c *Controller) recordFailure(itemID string) {
	from, to := c.breaker(itemID).failure(c.clock())
	if from != to {
		c.logger.Printf("safety: breaker %s %s -> %s", itemID, from, to)
	}
}

func (c *Controller) breaker(itemID string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[itemID]
	if !ok {
		b = newBreaker(itemID, c.settings.FailureThreshold, c.settings.OpenTimeout)
		c.breakers[itemID] = b
	}
	return b
}

func (c *Controller) rateLocked() float64 {
	if c.attempted == 0 {
		return 0
	}
	return float64(c.failed+c.timedOut) / float64(c.attempted)
}
