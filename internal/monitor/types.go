package monitor

import "time"

// Status enumerates the lifecycle of an execution record, plus the item-level
// states derived from admission rejections.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status ends an execution record.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// SkipReason explains why an item was not dispatched.
type SkipReason string

const (
	SkipReasonBreakerOpen         SkipReason = "breaker-open"
	SkipReasonResourceUnavailable SkipReason = "resource-unavailable"
	SkipReasonDependencyFailed    SkipReason = "dependency-failed"
	SkipReasonCancelled           SkipReason = "cancelled"
)

// Execution is one attempt of one item. Terminal records are never modified;
// a retry appends a new record with the next attempt number.
type Execution struct {
	ID        string        `json:"id"`
	ItemID    string        `json:"item_id"`
	Attempt   int           `json:"attempt"`
	Group     int           `json:"group"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Skip records an admission rejection. Only the latest skip per item is kept;
// a later start clears it.
type Skip struct {
	ItemID string     `json:"item_id"`
	Group  int        `json:"group"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

// ItemStatus is the derived state of one item.
type ItemStatus struct {
	ItemID     string     `json:"item_id"`
	Group      int        `json:"group"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// GroupReport summarizes one parallel group as it was actually scheduled.
type GroupReport struct {
	Index     int       `json:"index"`
	Items     []string  `json:"items"`
	Serial    bool      `json:"serial,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	// WallClock spans the earliest start to the latest end of the group's
	// executions.
	WallClock     time.Duration `json:"wall_clock"`
	TotalDuration time.Duration `json:"total_duration"`
	SpeedupRatio  float64       `json:"speedup_ratio"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	TimedOut      int           `json:"timed_out"`
	Skipped       int           `json:"skipped"`
}

// ExecutionReport is a point-in-time snapshot of a batch.
type ExecutionReport struct {
	BatchID         string        `json:"batch_id,omitempty"`
	RunID           string        `json:"run_id,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Total           int           `json:"total"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	TimedOut        int           `json:"timed_out"`
	Skipped         int           `json:"skipped"`
	Running         int           `json:"running"`
	Pending         int           `json:"pending"`
	AverageDuration time.Duration `json:"average_duration"`
	WallClock       time.Duration `json:"wall_clock"`
	SpeedupRatio    float64       `json:"speedup_ratio"`
	Serial          bool          `json:"serial,omitempty"`
	Groups          []GroupReport `json:"groups"`
	Items           []ItemStatus  `json:"items"`
	Executions      []Execution   `json:"executions"`
	Skips           []Skip        `json:"skips,omitempty"`
}

// Finished reports whether every item reached a final state.
func (r ExecutionReport) Finished() bool {
	return r.Running == 0 && r.Pending == 0
}

// Succeeded reports whether every item completed.
func (r ExecutionReport) Succeeded() bool {
	return r.Total > 0 && r.Completed == r.Total
}
