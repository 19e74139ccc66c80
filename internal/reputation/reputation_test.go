package reputation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker() *Tracker {
	return New(Config{Logger: zerolog.Nop()})
}

func TestScoreUnknownParticipant(t *testing.T) {
	tr := newTracker()
	assert.Zero(t, tr.Score("ghost"))
}

func TestScoreRisesWithSuccesses(t *testing.T) {
	tr := newTracker()

	tr.RecordSuccess("n1")
	first := tr.Score("n1")

	for i := 0; i < 20; i++ {
		tr.RecordSuccess("n1")
	}
	assert.Greater(t, tr.Score("n1"), first)
}

func TestScoreFallsWithFailures(t *testing.T) {
	tr := newTracker()

	for i := 0; i < 10; i++ {
		tr.RecordSuccess("n1")
	}
	before := tr.Score("n1")

	for i := 0; i < 10; i++ {
		tr.RecordFailure("n1")
	}
	assert.Less(t, tr.Score("n1"), before)
}

func TestScoreRewardsAge(t *testing.T) {
	tr := newTracker()

	tr.RecordSuccess("young")
	tr.RecordSuccess("old")

	tr.mu.Lock()
	tr.records["old"].FirstSeen = time.Now().UTC().Add(-60 * 24 * time.Hour)
	tr.mu.Unlock()

	assert.Greater(t, tr.Score("old"), tr.Score("young"))
}

func TestScorePenalizesInactivity(t *testing.T) {
	tr := newTracker()

	tr.RecordSuccess("active")
	tr.RecordSuccess("idle")

	tr.mu.Lock()
	tr.records["idle"].LastActive = time.Now().UTC().Add(-30 * 24 * time.Hour)
	tr.mu.Unlock()

	assert.Greater(t, tr.Score("active"), tr.Score("idle"))
}

func TestFreshIdentityScoresBelowVeteran(t *testing.T) {
	tr := newTracker()

	tr.RecordSuccess("fresh")
	for i := 0; i < 50; i++ {
		tr.RecordSuccess("veteran")
	}
	tr.mu.Lock()
	tr.records["veteran"].FirstSeen = time.Now().UTC().Add(-60 * 24 * time.Hour)
	tr.mu.Unlock()

	// Age is worth 0.3 of the score, so a mass of fresh identities
	// cannot out-score established holders no matter how many probes
	// they pass.
	assert.Less(t, tr.Score("fresh"), tr.Score("veteran")-0.2)
}

func TestExportImportRoundTrip(t *testing.T) {
	tr := newTracker()
	tr.RecordSuccess("n1")
	tr.RecordFailure("n1")
	tr.RecordSuccess("n2")

	data, err := tr.Export()
	require.NoError(t, err)

	restored := newTracker()
	require.NoError(t, restored.Import(data))

	rec, ok := restored.Snapshot("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Successes)
	assert.Equal(t, uint64(1), rec.Failures)
}

func TestImportCannotEraseHistory(t *testing.T) {
	tr := newTracker()
	tr.RecordFailure("n1")
	tr.RecordFailure("n1")

	stale := newTracker()
	stale.RecordFailure("n1")
	data, err := stale.Export()
	require.NoError(t, err)

	require.NoError(t, tr.Import(data))

	rec, ok := tr.Snapshot("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.Failures)
}
