// Package handlers contains HTTP handlers for the pkgforge HTTP API.
//
// This package provides handlers for:
//   - Build submission, status, logs, artifacts and cancellation
//   - The signed credential exchange and revocation
//   - Health, queue, stats and metrics endpoints
//
// All handlers report failures through the foundation/errors HTTP adapter and
// encode bodies with the server/responses types.
package handlers
