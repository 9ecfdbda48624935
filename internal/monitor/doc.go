// Package monitor records the lifecycle of every item execution in a batch
// and derives observability aggregates: counts by status, mean duration, and
// speed-up ratios per group and for the whole batch.
package monitor
