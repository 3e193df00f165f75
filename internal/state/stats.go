package state

import (
	"path/filepath"
	"sync"
	"time"
)

// StatsFile is the counters document name inside the data directory.
const StatsFile = "stats.json"

// Stats are lifetime build counters.
type Stats struct {
	Submitted        uint64     `json:"submitted"`
	Succeeded        uint64     `json:"succeeded"`
	Failed           uint64     `json:"failed"`
	Cancelled        uint64     `json:"cancelled"`
	LastSubmissionAt *time.Time `json:"last_submission_at,omitempty"`
}

// Outcome identifies which terminal counter to increment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// StatsStore persists Stats, writing on every mutation.
type StatsStore struct {
	path  string
	mu    sync.Mutex
	stats Stats
}

// OpenStatsStore loads dataDir/stats.json or starts from zero.
func OpenStatsStore(dataDir string) (*StatsStore, error) {
	s := &StatsStore{path: filepath.Join(dataDir, StatsFile)}
	if err := readJSON(s.path, &s.stats); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordSubmission counts an admitted build.
func (s *StatsStore) RecordSubmission(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stats
	s.stats.Submitted++
	at = at.UTC()
	s.stats.LastSubmissionAt = &at
	if err := writeJSONAtomic(s.path, s.stats, 0o640); err != nil {
		s.stats = prev
		return err
	}
	return nil
}

// RecordOutcome counts a build reaching a terminal state.
func (s *StatsStore) RecordOutcome(o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stats
	switch o {
	case OutcomeSucceeded:
		s.stats.Succeeded++
	case OutcomeFailed:
		s.stats.Failed++
	case OutcomeCancelled:
		s.stats.Cancelled++
	default:
		return nil
	}
	if err := writeJSONAtomic(s.path, s.stats, 0o640); err != nil {
		s.stats = prev
		return err
	}
	return nil
}

// Snapshot returns a copy of the current counters.
func (s *StatsStore) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	if out.LastSubmissionAt != nil {
		t := *out.LastSubmissionAt
		out.LastSubmissionAt = &t
	}
	return out
}
