// Package graph builds the dependency graph for a batch of work items. It
// rejects unknown dependencies and cycles, flags likely resource omissions, and
// partitions the items into ordered groups that can run concurrently. The
// package performs no I/O and never mutates a graph after Build returns.
package graph
