// Package safety implements per-item circuit breakers and the batch-wide
// failure-rate gate that degrades a batch to serial execution instead of
// aborting it.
package safety
