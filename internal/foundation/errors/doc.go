// Package errors provides the classified error primitives used across pkgforge.
//
// Every failure surfaced to a caller is a ClassifiedError carrying a category
// (validation, auth, quota, not_found, ownership, conflict, pipeline, internal),
// a severity, a retry strategy and structured context. Adapters translate the
// category into an HTTP status code or a CLI exit code.
//
// Example usage:
//
//	err := errors.FieldError("packageId", "must be a reverse-domain identifier").
//		WithContext("value", raw).
//		Build()
package errors
