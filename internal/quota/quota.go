// Package quota holds the admission limits that give each identity a fair
// share of the build service.
package quota

import (
	"fmt"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

// Limit names reported to callers.
const (
	LimitActiveBuilds = "active builds per identity"
	LimitQueueDepth   = "pending queue depth"
)

// QuotaLimitError indicates a quota limit has been exceeded.
type QuotaLimitError struct {
	Limit      string
	Current    int64
	Maximum    int64
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *QuotaLimitError) Error() string {
	return fmt.Sprintf("quota limit exceeded: %s (%d/%d)", e.Limit, e.Current, e.Maximum)
}

// Classify converts the limit breach into a classified quota error that keeps
// the QuotaLimitError as its cause.
func (e *QuotaLimitError) Classify() *errors.ClassifiedError {
	b := errors.QuotaError("quota limit exceeded: "+e.Limit).
		WithCause(e).
		WithContext("limit", e.Limit).
		WithContext("current", e.Current).
		WithContext("maximum", e.Maximum)
	if secs := int(e.RetryAfter / time.Second); secs > 0 {
		b = b.WithContext(errors.RetryAfterKey, secs)
	}
	return b.Build()
}

// Limits are the admission bounds checked atomically with record creation.
type Limits struct {
	// MaxActivePerIdentity bounds queued plus building records per principal.
	MaxActivePerIdentity int
	// MaxQueued bounds the pending queue; it applies to every identity.
	MaxQueued int
	// RetryAfter is the hint returned with rejections.
	RetryAfter time.Duration
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{MaxActivePerIdentity: 3, MaxQueued: 50, RetryAfter: 30 * time.Second}
}

// CheckIdentity rejects a new submission when the identity already has the
// maximum number of non-terminal builds. Exempt identities always pass.
func (l Limits) CheckIdentity(active int, exempt bool) error {
	if exempt || l.MaxActivePerIdentity <= 0 {
		return nil
	}
	if active >= l.MaxActivePerIdentity {
		return (&QuotaLimitError{
			Limit:      LimitActiveBuilds,
			Current:    int64(active),
			Maximum:    int64(l.MaxActivePerIdentity),
			RetryAfter: l.RetryAfter,
		}).Classify()
	}
	return nil
}

// CheckQueue rejects a new submission when the pending queue is full.
func (l Limits) CheckQueue(queued int) error {
	if l.MaxQueued <= 0 {
		return nil
	}
	if queued >= l.MaxQueued {
		return (&QuotaLimitError{
			Limit:      LimitQueueDepth,
			Current:    int64(queued),
			Maximum:    int64(l.MaxQueued),
			RetryAfter: l.RetryAfter,
		}).Classify()
	}
	return nil
}
