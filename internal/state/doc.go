// Package state persists the small durable documents the service keeps
// between restarts: issued credentials and lifetime build counters.
//
// Build records themselves are intentionally memory-resident; only these two
// JSON documents survive a restart. Every mutation is written synchronously
// using a temporary file followed by an atomic rename.
package state
