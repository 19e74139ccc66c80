package seal

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestSealUnsealRoundTrip(t *testing.T) {
	key := testKey(t)
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	raw := []byte("trust graph state: members, vouches, edges")

	snap, err := sealer.Seal(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Empty(t, snap.PrevHash)
	assert.NotEmpty(t, snap.ContentRoot)
	assert.NotEqual(t, raw, snap.Ciphertext) // never plaintext on the wire

	got, err := sealer.Unseal(snap)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestSealVersionChain(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	require.NoError(t, err)

	s1, err := sealer.Seal([]byte("v1"))
	require.NoError(t, err)
	s2, err := sealer.Seal([]byte("v2"))
	require.NoError(t, err)
	s3, err := sealer.Seal([]byte("v3"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1.Version)
	assert.Equal(t, uint64(2), s2.Version)
	assert.Equal(t, uint64(3), s3.Version)
	assert.Equal(t, s1.Hash(), s2.PrevHash)
	assert.Equal(t, s2.Hash(), s3.PrevHash)
}

func TestRestoreContinuesChain(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	require.NoError(t, err)

	s1, err := sealer.Seal([]byte("before crash"))
	require.NoError(t, err)

	// Fresh sealer simulating a restarted process
	recovered, err := NewSealer(sealer.identityKey)
	require.NoError(t, err)
	recovered.Restore(s1)

	s2, err := recovered.Seal([]byte("after crash"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s2.Version)
	assert.Equal(t, s1.Hash(), s2.PrevHash)
}

func TestUnsealTamperedSignature(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	require.NoError(t, err)

	snap, err := sealer.Seal([]byte("state"))
	require.NoError(t, err)

	snap.Signature[0] ^= 0xff
	_, err = sealer.Unseal(snap)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestUnsealTamperedCiphertext(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	require.NoError(t, err)

	snap, err := sealer.Seal([]byte("state"))
	require.NoError(t, err)

	// Re-sign after corrupting the ciphertext so the signature check
	// passes and the failure is attributed to the AEAD tag.
	snap.Ciphertext[len(snap.Ciphertext)-1] ^= 0xff
	snap.Signature = ed25519.Sign(sealer.identityKey, snap.signingPayload())

	_, err = sealer.Unseal(snap)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestUnsealWrongKey(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	require.NoError(t, err)

	snap, err := sealer.Seal([]byte("state"))
	require.NoError(t, err)

	// A snapshot sealed under someone else's identity is rejected before
	// decryption is even attempted.
	_, err = Unseal(snap, testKey(t))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestNewSealerRejectsBadKey(t *testing.T) {
	_, err := NewSealer(make([]byte, 7))
	assert.ErrorIs(t, err, ErrSeal)
}

func TestSealLargeState(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	require.NoError(t, err)

	raw := bytes.Repeat([]byte("vouch"), 200_000) // ~1MB, spans many merkle leaves

	snap, err := sealer.Seal(raw)
	require.NoError(t, err)

	got, err := sealer.Unseal(snap)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestMerkleRootDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 3*merkleLeafSize+17)
	assert.Equal(t, MerkleRoot(data), MerkleRoot(data))
	assert.NotEqual(t, MerkleRoot(data), MerkleRoot(data[:len(data)-1]))
	assert.NotEmpty(t, MerkleRoot(nil))
}
