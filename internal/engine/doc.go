// Package engine ties a batch definition to the graph builder, resource
// manager, safety controller, monitor and scheduler, and persists the final
// report of each run.
package engine
