package pipeline

import (
	"context"
	"fmt"
	"time"
)

// StageName identifies a pipeline stage.
type StageName string

// Canonical stage names, in execution order.
const (
	StageExtract      StageName = "extract"
	StageDependencies StageName = "dependencies"
	StageManifest     StageName = "manifest"
	StagePlatform     StageName = "platform"
	StageSync         StageName = "sync"
	StageAssets       StageName = "assets"
	StageCompile      StageName = "compile"
)

// StageErrorKind classifies a stage failure.
type StageErrorKind string

const (
	StageErrorFailed   StageErrorKind = "failed"   // Non-zero exit or local error.
	StageErrorTimeout  StageErrorKind = "timeout"  // Stage or pipeline deadline expired.
	StageErrorCanceled StageErrorKind = "canceled" // Service shutdown.
)

// StageError carries the failing stage and its cause.
type StageError struct {
	Kind  StageErrorKind
	Stage StageName
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s stage %s: %v", e.Kind, e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Stage is the work performed by one descriptor.
type Stage func(ctx context.Context, job *Job) error

// StageDef is an ordered stage descriptor.
type StageDef struct {
	Name     StageName
	Progress int
	// Timeout tightens the overall deadline for this stage when positive.
	Timeout time.Duration
	Fn      Stage
}

// Plan is a fluent builder for ordered stage descriptors.
type Plan struct{ Defs []StageDef }

// NewPlan creates an empty plan.
func NewPlan() *Plan { return &Plan{Defs: make([]StageDef, 0, 8)} }

// Add appends a stage.
func (p *Plan) Add(name StageName, progress int, timeout time.Duration, fn Stage) *Plan {
	p.Defs = append(p.Defs, StageDef{Name: name, Progress: progress, Timeout: timeout, Fn: fn})
	return p
}

// AddIf appends a stage only if cond is true.
func (p *Plan) AddIf(cond bool, name StageName, progress int, timeout time.Duration, fn Stage) *Plan {
	if cond {
		p.Add(name, progress, timeout, fn)
	}
	return p
}

// Build returns a copy of the stage descriptors.
func (p *Plan) Build() []StageDef {
	out := make([]StageDef, len(p.Defs))
	copy(out, p.Defs)
	return out
}
