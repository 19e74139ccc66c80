// Package health tracks replication health and gates state mutations.
// The gate is a synchronous read of one locally computed value, never a
// distributed lock.
package health

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrWritesBlocked indicates mutation is refused until replication
// recovers.
var ErrWritesBlocked = errors.New("health: writes blocked")

// State is the persistence tier.
type State int

const (
	// Provisional means no eligible holders exist yet. Mutation is
	// allowed but unprotected; every write logs a warning.
	Provisional State = iota
	// Active means every chunk is confirmed at the replica target.
	Active
	// Degraded means at least one chunk sits at or below one confirmed
	// replica while eligible holders exist. Mutation is blocked.
	Degraded
	// Isolated means this node is the only participant. Mutation is
	// allowed, unprotected.
	Isolated
)

func (s State) String() string {
	switch s {
	case Provisional:
		return "provisional"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Isolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Observation is one distribution round's outcome, fed to Recompute.
type Observation struct {
	// ReplicasByChunk maps chunk index to confirmed replica count.
	ReplicasByChunk map[int]int
	// EligibleHolders is how many holders were eligible at distribution
	// time.
	EligibleHolders int
	// Participants is the network's active participant count, this node
	// included.
	Participants int
}

// Tracker derives the persistence tier from distribution outcomes.
// Promotion out of Degraded happens only when replication actually
// succeeds; a quiet network never drifts back to Active on its own.
type Tracker struct {
	logger zerolog.Logger

	mu            sync.RWMutex
	state         State
	reason        string
	replicaTarget int
}

// NewTracker creates a tracker in the Provisional state.
func NewTracker(replicaTarget int, logger zerolog.Logger) *Tracker {
	if replicaTarget <= 0 {
		replicaTarget = 2
	}
	return &Tracker{
		logger:        logger.With().Str("component", "health").Logger(),
		state:         Provisional,
		reason:        "no distribution attempted yet",
		replicaTarget: replicaTarget,
	}
}

// Recompute derives the state from a fresh observation. Called after
// every distribution round.
func (t *Tracker) Recompute(obs Observation) State {
	t.mu.Lock()
	next, reason := t.classifyLocked(obs)
	prev := t.state
	t.state = next
	t.reason = reason
	t.mu.Unlock()

	if prev != next {
		t.logger.Info().
			Str("from", prev.String()).
			Str("to", next.String()).
			Str("reason", reason).
			Msg("Persistence tier changed")
	}
	return next
}

// classifyLocked derives the tier. Callers hold t.mu.
func (t *Tracker) classifyLocked(obs Observation) (State, string) {
	if obs.Participants <= 1 {
		return Isolated, "sole participant in the network"
	}
	if obs.EligibleHolders == 0 {
		return Provisional, "no eligible holders"
	}
	if len(obs.ReplicasByChunk) == 0 {
		// A round that placed nothing is no evidence of recovery; the
		// tier holds until replication is actually observed.
		return t.state, t.reason
	}

	short := 0
	for _, replicas := range obs.ReplicasByChunk {
		if replicas < t.replicaTarget {
			short++
		}
	}
	if short > 0 {
		return Degraded, fmt.Sprintf("%d of %d chunks below %d replicas", short, len(obs.ReplicasByChunk), t.replicaTarget)
	}
	return Active, "all chunks at replica target"
}

// State returns the current tier.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Reason explains the current tier.
func (t *Tracker) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Allow is the write gate. Only Degraded blocks: Provisional and
// Isolated writes proceed unprotected and are logged as such.
func (t *Tracker) Allow() error {
	t.mu.RLock()
	state, reason := t.state, t.reason
	t.mu.RUnlock()

	switch state {
	case Degraded:
		return fmt.Errorf("%w: %s", ErrWritesBlocked, reason)
	case Provisional, Isolated:
		t.logger.Warn().
			Str("state", state.String()).
			Msg("Mutation proceeding without replication protection")
	}
	return nil
}
