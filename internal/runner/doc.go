// Package runner defines the adapter interface that all execution
// technologies (subprocess, container) must implement, along with the spec,
// handle, and outcome types exchanged between the execution engine and the
// adapters. Timeout enforcement lives inside each adapter's watchdog, not in
// the engine.
package runner
