// Package reputation tracks per-participant reliability from challenge
// outcomes. Scores feed the registry's holder eligibility gate only;
// chunk placement never consults them, so reputation cannot be gamed
// into attracting traffic.
package reputation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	successWeight  = 0.5
	ageWeight      = 0.3
	activityWeight = 0.2
)

// Record is one participant's observed history.
type Record struct {
	Successes  uint64    `json:"successes"`
	Failures   uint64    `json:"failures"`
	FirstSeen  time.Time `json:"first_seen"`
	LastActive time.Time `json:"last_active"`
}

// Config holds tracker tunables.
type Config struct {
	// MaturityAge is the age at which the age factor saturates at 1.0.
	MaturityAge time.Duration
	// ActivityWindow is how long since last activity before the activity
	// factor decays to zero.
	ActivityWindow time.Duration
	Logger         zerolog.Logger
}

// Tracker accumulates challenge outcomes and produces trust scores in
// [0, 1]. A participant with no history scores below typical eligibility
// thresholds, which is what makes fresh Sybil identities worthless as
// holders.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	if cfg.MaturityAge == 0 {
		cfg.MaturityAge = 30 * 24 * time.Hour
	}
	if cfg.ActivityWindow == 0 {
		cfg.ActivityWindow = 7 * 24 * time.Hour
	}
	return &Tracker{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "reputation").Logger(),
		records: make(map[string]*Record),
	}
}

// RecordSuccess notes a passed challenge or successful fetch.
func (t *Tracker) RecordSuccess(id string) {
	t.record(id, true)
}

// RecordFailure notes a failed or refused challenge.
func (t *Tracker) RecordFailure(id string) {
	t.record(id, false)
}

func (t *Tracker) record(id string, success bool) {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		r = &Record{FirstSeen: now}
		t.records[id] = r
	}
	if success {
		r.Successes++
	} else {
		r.Failures++
		t.logger.Debug().
			Str("participant", id).
			Uint64("failures", r.Failures).
			Msg("Challenge failure recorded")
	}
	r.LastActive = now
}

// Score returns the participant's trust score:
// 0.5*success rate + 0.3*age factor + 0.2*activity factor.
// The success rate is Laplace-smoothed so one early failure does not
// zero out a new participant.
func (t *Tracker) Score(id string) float64 {
	t.mu.RLock()
	r, ok := t.records[id]
	if !ok {
		t.mu.RUnlock()
		return 0
	}
	rec := *r
	t.mu.RUnlock()

	now := time.Now().UTC()

	successRate := float64(rec.Successes+1) / float64(rec.Successes+rec.Failures+2)

	age := now.Sub(rec.FirstSeen)
	ageFactor := float64(age) / float64(t.cfg.MaturityAge)
	if ageFactor > 1 {
		ageFactor = 1
	}
	if ageFactor < 0 {
		ageFactor = 0
	}

	sinceActive := now.Sub(rec.LastActive)
	activityFactor := 1 - float64(sinceActive)/float64(t.cfg.ActivityWindow)
	if activityFactor > 1 {
		activityFactor = 1
	}
	if activityFactor < 0 {
		activityFactor = 0
	}

	return successWeight*successRate + ageWeight*ageFactor + activityWeight*activityFactor
}

// Snapshot returns a copy of one participant's record, for status
// surfaces. The second return is false for unknown participants.
func (t *Tracker) Snapshot(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Export serializes all records for crash-safe persistence.
func (t *Tracker) Export() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	data, err := json.Marshal(t.records)
	if err != nil {
		return nil, fmt.Errorf("export reputation: %w", err)
	}
	return data, nil
}

// Import restores records from a previous Export, merging by taking the
// higher counters so a stale import cannot erase observed history.
func (t *Tracker) Import(data []byte) error {
	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("import reputation: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, imported := range records {
		existing, ok := t.records[id]
		if !ok {
			t.records[id] = imported
			continue
		}
		if imported.Successes > existing.Successes {
			existing.Successes = imported.Successes
		}
		if imported.Failures > existing.Failures {
			existing.Failures = imported.Failures
		}
		if !imported.FirstSeen.IsZero() && imported.FirstSeen.Before(existing.FirstSeen) {
			existing.FirstSeen = imported.FirstSeen
		}
		if imported.LastActive.After(existing.LastActive) {
			existing.LastActive = imported.LastActive
		}
	}
	return nil
}
