package verify

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunk(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func newVerifier(t *testing.T, mutate func(*Config)) *Verifier {
	t.Helper()
	cfg := Config{Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New(cfg)
	require.NoError(t, err)
	return v
}

func TestChallengeRoundTrip(t *testing.T) {
	v := newVerifier(t, nil)
	chunk := testChunk(t, 64*1024)

	challenge, err := v.Issue("hash-1", chunk)
	require.NoError(t, err)
	assert.NotEmpty(t, challenge.Nonce)
	assert.GreaterOrEqual(t, challenge.Offset, int64(0))
	assert.LessOrEqual(t, challenge.Offset+challenge.Length, int64(len(chunk)))

	response, err := Respond(challenge, chunk)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(challenge.Nonce, response))
}

func TestVerifyRejectsWrongData(t *testing.T) {
	v := newVerifier(t, nil)
	chunk := testChunk(t, 64*1024)

	challenge, err := v.Issue("hash-1", chunk)
	require.NoError(t, err)

	// A holder that kept only most of the chunk cannot answer.
	corrupted := append([]byte(nil), chunk...)
	corrupted[challenge.Offset] ^= 0xFF
	response, err := Respond(challenge, corrupted)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Verify(challenge.Nonce, response), ErrProofMismatch)
}

func TestVerifyRejectsReplay(t *testing.T) {
	v := newVerifier(t, nil)
	chunk := testChunk(t, 4096)

	challenge, err := v.Issue("hash-1", chunk)
	require.NoError(t, err)
	response, err := Respond(challenge, chunk)
	require.NoError(t, err)

	require.NoError(t, v.Verify(challenge.Nonce, response))
	assert.ErrorIs(t, v.Verify(challenge.Nonce, response), ErrChallengeUnknown)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := newVerifier(t, func(c *Config) { c.Window = time.Nanosecond })
	chunk := testChunk(t, 4096)

	challenge, err := v.Issue("hash-1", chunk)
	require.NoError(t, err)
	response, err := Respond(challenge, chunk)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	assert.ErrorIs(t, v.Verify(challenge.Nonce, response), ErrChallengeExpired)
}

func TestVerifyRejectsUnknownNonce(t *testing.T) {
	v := newVerifier(t, nil)
	assert.ErrorIs(t, v.Verify("never-issued", "whatever"), ErrChallengeUnknown)
}

func TestNoncesAreUnique(t *testing.T) {
	v := newVerifier(t, nil)
	chunk := testChunk(t, 4096)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		challenge, err := v.Issue("hash-1", chunk)
		require.NoError(t, err)
		assert.False(t, seen[challenge.Nonce])
		seen[challenge.Nonce] = true
	}
}

func TestIssueSmallChunk(t *testing.T) {
	v := newVerifier(t, nil)
	chunk := testChunk(t, 16)

	challenge, err := v.Issue("hash-1", chunk)
	require.NoError(t, err)
	assert.Equal(t, int64(16), challenge.Length)
	assert.Zero(t, challenge.Offset)
}

func TestIssueEmptyChunk(t *testing.T) {
	v := newVerifier(t, nil)
	_, err := v.Issue("hash-1", nil)
	assert.Error(t, err)
}

func TestRespondRejectsOutOfRange(t *testing.T) {
	_, err := Respond(Challenge{Nonce: "n", Offset: 100, Length: 100}, make([]byte, 50))
	assert.Error(t, err)
}

func TestExpireDropsStaleChallenges(t *testing.T) {
	v := newVerifier(t, func(c *Config) { c.Window = time.Nanosecond })
	chunk := testChunk(t, 4096)

	_, err := v.Issue("hash-1", chunk)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	expired := v.Expire()
	assert.Len(t, expired, 1)
	assert.Zero(t, v.Pending())
}

func TestSpotCheckRate(t *testing.T) {
	always := newVerifier(t, func(c *Config) { c.SpotCheckRate = 1.0 })
	assert.True(t, always.ShouldSpotCheck())

	never := newVerifier(t, func(c *Config) { c.SpotCheckRate = 0.0000001 })
	hits := 0
	for i := 0; i < 100; i++ {
		if never.ShouldSpotCheck() {
			hits++
		}
	}
	assert.LessOrEqual(t, hits, 1)
}
