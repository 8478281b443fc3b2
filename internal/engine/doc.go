// Package engine implements the run execution core: a bounded worker pool
// draining a FIFO dispatch queue, the run lifecycle state machine driven
// through the runner adapters, and the status broker that carries transitions
// from worker goroutines to live subscribers. Timeouts are enforced by the
// adapters' own watchdogs; the engine only classifies their outcomes.
package engine
