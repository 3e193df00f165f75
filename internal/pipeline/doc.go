// Package pipeline drives the external packaging toolchain for one build.
//
// A build runs a fixed, ordered list of stage descriptors inside a private
// working directory under one overall deadline:
//
//	extract -> dependencies -> manifest -> platform -> sync -> assets -> compile
//
// Every stage raises the record's progress and appends a log line. The first
// failing stage aborts the rest. The produced artifact is copied into the
// retention store before the working directory is removed.
package pipeline
