// Package gatekeeper validates untrusted submissions before anything is
// allocated for them.
//
// Archives are inspected in memory: every entry is enumerated, its path is
// checked against escape attempts, its type must be a plain file or
// directory, and its decompressed size is measured against per-entry and
// total caps. Only an inspected Manifest can be extracted, so nothing is
// written to disk for an archive that fails any check.
//
// Free-text build configuration is normalized by NormalizeConfig; every
// rejection is a validation error naming the offending field.
package gatekeeper
