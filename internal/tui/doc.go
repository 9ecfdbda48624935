// Package tui renders execution reports in the terminal and provides a live
// watch view that polls a running batch.
package tui
