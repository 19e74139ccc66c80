package rendezvous

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// EpochTracker bumps the assignment epoch only when the participant count
// drifts past a configured fraction of the count at the last bump. This
// bounds how often holder assignments move: individual joins, departures
// and unreachable-holder events never invalidate assignments on their own.
type EpochTracker struct {
	mu            sync.Mutex
	epoch         uint64
	baseline      int // participant count at the last epoch bump
	churnFraction float64
	logger        zerolog.Logger
}

// NewEpochTracker creates a tracker starting at epoch 0 with the given
// churn fraction (e.g. 0.10 for 10%).
func NewEpochTracker(churnFraction float64, logger zerolog.Logger) *EpochTracker {
	if churnFraction <= 0 || churnFraction >= 1 {
		churnFraction = 0.10
	}
	return &EpochTracker{
		churnFraction: churnFraction,
		logger:        logger.With().Str("component", "epoch-tracker").Logger(),
	}
}

// Current returns the current epoch.
func (e *EpochTracker) Current() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Observe feeds the latest participant count. Returns the epoch after the
// observation and whether it was bumped.
func (e *EpochTracker) Observe(participantCount int) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.baseline == 0 {
		e.baseline = participantCount
		return e.epoch, false
	}

	drift := math.Abs(float64(participantCount-e.baseline)) / float64(e.baseline)
	if drift <= e.churnFraction {
		return e.epoch, false
	}

	e.epoch++
	e.logger.Info().
		Uint64("epoch", e.epoch).
		Int("baseline", e.baseline).
		Int("count", participantCount).
		Msg("Participant churn crossed threshold, epoch bumped")
	e.baseline = participantCount

	return e.epoch, true
}

// Restore sets the epoch and baseline, used when rejoining from registry
// metadata after a crash.
func (e *EpochTracker) Restore(epoch uint64, participantCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch = epoch
	e.baseline = participantCount
}
