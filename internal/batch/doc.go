// Package batch defines the submitted unit of work: a set of work items with
// declared dependencies and resource claims, plus loaders for YAML files and
// Go sources that generate batches programmatically.
package batch
