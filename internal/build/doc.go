// Package build owns the build records and their state machine.
//
// The Registry is the single owner of every record. Admission (quota checks,
// record creation and enqueue) happens under one registry lock so concurrent
// submissions can never exceed per-identity or global limits. Lock order is
// always registry then queue.
package build
