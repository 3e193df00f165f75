package build

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a build.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// transitions is the only permitted status graph.
var transitions = map[Status][]Status{
	StatusQueued:   {StatusBuilding, StatusCancelled},
	StatusBuilding: {StatusComplete, StatusFailed},
}

// CanTransition reports whether s -> to is an edge of the status graph.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Variant selects the compile flavor.
type Variant string

const (
	VariantDebug   Variant = "debug"
	VariantRelease Variant = "release"
)

// Source is an inspected upload that can be materialized into a workdir.
type Source interface {
	Extract(root string) error
}

// Config is the validated, immutable build configuration.
type Config struct {
	AppName    string  `json:"appName"`
	PackageID  string  `json:"packageId"`
	Variant    Variant `json:"buildType"`
	Icon       []byte  `json:"-"`
	ThemeColor string  `json:"primaryColor,omitempty"`
	// Source is held until the build starts or ends, then released.
	Source Source `json:"-"`
}

// HasIcon reports whether the caller supplied an icon.
func (c Config) HasIcon() bool { return len(c.Icon) > 0 }

// LogEntry is one timestamped line of a build's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Record is the registry's view of one build.
type Record struct {
	ID       string     `json:"id"`
	Owner    string     `json:"owner"`
	Status   Status     `json:"status"`
	Progress int        `json:"progress"`
	Config   Config     `json:"config"`
	Logs     []LogEntry `json:"logs"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ArtifactPath string `json:"-"`
	ArtifactSize int64  `json:"artifactSize,omitempty"`
	// ArtifactRemoved is set once retention deleted the artifact file.
	ArtifactRemoved bool `json:"artifactRemoved,omitempty"`

	Error       string `json:"error,omitempty"`
	FailedStage string `json:"failedStage,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (r *Record) clone() Record {
	out := *r
	out.Logs = slices.Clone(r.Logs)
	out.Config.Icon = slices.Clone(r.Config.Icon)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// TailLogs returns at most n of the most recent log entries.
func (r Record) TailLogs(n int) []LogEntry {
	if n <= 0 || len(r.Logs) <= n {
		return r.Logs
	}
	return r.Logs[len(r.Logs)-n:]
}

// Duration is the executed time for terminal builds that started.
func (r Record) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
