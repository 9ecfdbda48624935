// Package scheduler executes a batch group by group. Each group is gated once
// by the safety controller, every item passes its circuit breaker and an
// all-or-nothing resource allocation, and a single batch-wide limiter bounds
// how many items are in flight. Items rejected at admission are re-offered on
// later passes over the same group while those passes still make progress.
package scheduler
