// Package reportserver serves the live ExecutionReport of a running batch
// over HTTP so external dashboards can poll progress.
package reportserver
