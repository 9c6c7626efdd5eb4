// Package broadcast manages one-way push connections for timeline-style
// delivery. A single goroutine owns every registry; all mutation flows
// through a typed command channel, so no locks guard connection state.
package broadcast
