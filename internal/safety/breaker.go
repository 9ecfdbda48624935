package safety

import (
	"sync"
	"time"
)

// BreakerState enumerates circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// Breaker is a read-only snapshot of one item's circuit breaker.
type Breaker struct {
	ItemID              string        `json:"item_id"`
	State               BreakerState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	Threshold           int           `json:"threshold"`
	OpenTimeout         time.Duration `json:"open_timeout"`
}

type breaker struct {
	mu          sync.Mutex
	itemID      string
	state       BreakerState
	failures    int
	lastFailure time.Time
	trialOut    bool
	threshold   int
	openTimeout time.Duration
}

func newBreaker(itemID string, threshold int, openTimeout time.Duration) *breaker {
	return &breaker{
		itemID:      itemID,
		state:       StateClosed,
		threshold:   threshold,
		openTimeout: openTimeout,
	}
}

// admit reports whether the item may start. An open breaker whose timeout has
// elapsed moves to half-open and hands out exactly one trial.
func (b *breaker) admit(now time.Time) (bool, BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) <= b.openTimeout {
			return false, b.state
		}
		b.state = StateHalfOpen
		b.trialOut = true
		return true, b.state
	case StateHalfOpen:
		if b.trialOut {
			return false, b.state
		}
		b.trialOut = true
		return true, b.state
	default:
		return true, b.state
	}
}

// cancel returns an unused half-open trial.
func (b *breaker) cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialOut = false
	}
}

func (b *breaker) success() (from, to BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	b.state = StateClosed
	b.failures = 0
	b.trialOut = false
	return from, b.state
}

func (b *breaker) failure(now time.Time) (from, to BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	b.failures++
	b.lastFailure = now
	b.trialOut = false
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
		}
	}
	return from, b.state
}

func (b *breaker) snapshot() Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Breaker{
		ItemID:              b.itemID,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		Threshold:           b.threshold,
		OpenTimeout:         b.openTimeout,
	}
}
