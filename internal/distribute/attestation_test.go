package distribute

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestAttestationRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)

	token, err := SignAttestation(priv, "holder-1", "hash-abc", 3, 7)
	require.NoError(t, err)

	att, err := VerifyAttestation(token, pub, "holder-1", "hash-abc")
	require.NoError(t, err)
	assert.Equal(t, "holder-1", att.HolderID)
	assert.Equal(t, "hash-abc", att.ChunkHash)
	assert.Equal(t, 3, att.ChunkIndex)
	assert.Equal(t, uint64(7), att.Version)
	assert.False(t, att.IssuedAt.IsZero())
}

func TestAttestationRejectsWrongKey(t *testing.T) {
	_, priv := testKeyPair(t)
	otherPub, _ := testKeyPair(t)

	token, err := SignAttestation(priv, "holder-1", "hash-abc", 0, 1)
	require.NoError(t, err)

	_, err = VerifyAttestation(token, otherPub, "holder-1", "hash-abc")
	assert.ErrorIs(t, err, ErrAttestation)
}

func TestAttestationRejectsWrongHolder(t *testing.T) {
	pub, priv := testKeyPair(t)

	token, err := SignAttestation(priv, "holder-1", "hash-abc", 0, 1)
	require.NoError(t, err)

	// A holder cannot sign receipts on another holder's behalf.
	_, err = VerifyAttestation(token, pub, "holder-2", "hash-abc")
	assert.ErrorIs(t, err, ErrAttestation)
}

func TestAttestationRejectsWrongChunk(t *testing.T) {
	pub, priv := testKeyPair(t)

	token, err := SignAttestation(priv, "holder-1", "hash-abc", 0, 1)
	require.NoError(t, err)

	_, err = VerifyAttestation(token, pub, "holder-1", "hash-other")
	assert.ErrorIs(t, err, ErrAttestation)
}

func TestAttestationRejectsTampering(t *testing.T) {
	pub, priv := testKeyPair(t)

	token, err := SignAttestation(priv, "holder-1", "hash-abc", 0, 1)
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, err = VerifyAttestation(tampered, pub, "holder-1", "hash-abc")
	assert.ErrorIs(t, err, ErrAttestation)
}
