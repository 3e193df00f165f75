// Package responses defines API response types used by the HTTP handlers.
package responses

import (
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/eventstore"
)

// CreateBuildResponse is returned when a build is admitted.
type CreateBuildResponse struct {
	BuildID       string       `json:"buildId"`
	Status        build.Status `json:"status"`
	QueuePosition int          `json:"queuePosition,omitempty"`
}

// BuildStatusResponse is the detailed view of one build.
type BuildStatusResponse struct {
	ID              string           `json:"id"`
	Status          build.Status     `json:"status"`
	Progress        int              `json:"progress"`
	AppName         string           `json:"appName"`
	PackageID       string           `json:"packageId"`
	BuildType       build.Variant    `json:"buildType"`
	Error           string           `json:"error,omitempty"`
	FailedStage     string           `json:"failedStage,omitempty"`
	QueuePosition   int              `json:"queuePosition,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	ArtifactSize    int64            `json:"artifactSize,omitempty"`
	ArtifactRemoved bool             `json:"artifactRemoved,omitempty"`
	Logs            []build.LogEntry `json:"logs"`
}

// BuildSummary is one entry of a build listing.
type BuildSummary struct {
	ID          string        `json:"id"`
	Owner       string        `json:"owner,omitempty"`
	Status      build.Status  `json:"status"`
	Progress    int           `json:"progress"`
	AppName     string        `json:"appName"`
	BuildType   build.Variant `json:"buildType"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// BuildListResponse lists builds newest first.
type BuildListResponse struct {
	Builds []BuildSummary `json:"builds"`
}

// BuildLogsResponse carries a build's full log.
type BuildLogsResponse struct {
	ID     string           `json:"id"`
	Status build.Status     `json:"status"`
	Logs   []build.LogEntry `json:"logs"`
}

// BuildEventsResponse carries a build's lifecycle journal.
type BuildEventsResponse struct {
	ID     string             `json:"id"`
	Events []eventstore.Event `json:"events"`
}

// ExchangeResponse carries an issued credential.
type ExchangeResponse struct {
	Token     string    `json:"token"`
	Principal string    `json:"principal"`
	CreatedAt time.Time `json:"createdAt"`
}

// RevokeResponse confirms credential revocation.
type RevokeResponse struct {
	Revoked bool `json:"revoked"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

// QueueResponse is the scheduler snapshot.
type QueueResponse struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// StatsResponse exposes the durable lifetime counters.
type StatsResponse struct {
	Submitted        uint64     `json:"submitted"`
	Succeeded        uint64     `json:"succeeded"`
	Failed           uint64     `json:"failed"`
	Cancelled        uint64     `json:"cancelled"`
	LastSubmissionAt *time.Time `json:"lastSubmissionAt,omitempty"`
	Records          int        `json:"records"`
}
