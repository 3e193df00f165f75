package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
	ResultSkipped ResultLabel = "skipped"
	ResultTimeout ResultLabel = "timeout"
)

// Recorder defines observability hooks for admission, scheduling and
// pipeline execution.
type Recorder interface {
	IncSubmission()
	IncAdmissionRejected(reason string)
	IncBuildOutcome(outcome string) // outcome: complete|failed|cancelled
	ObserveBuildDuration(d time.Duration)
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	SetQueueDepth(n int)
	SetRunning(n int)
	IncRetentionRemoved(kind string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncSubmission()                             {}
func (NoopRecorder) IncAdmissionRejected(string)                {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) SetRunning(int)                             {}
func (NoopRecorder) IncRetentionRemoved(string, int)            {}
