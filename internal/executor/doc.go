// Package executor provides the registry of executor kinds that perform a
// work item's actual work, plus a Dispatcher that routes items to them.
package executor
