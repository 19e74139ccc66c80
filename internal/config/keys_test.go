package config

import (
	"crypto/ed25519"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestGenerateAndLoadKeyPair(t *testing.T) {
	privPath := filepath.Join(t.TempDir(), "keys", "id_ed25519")

	require.NoError(t, GenerateKeyPair(privPath))

	key, err := LoadED25519PrivateKey(privPath)
	require.NoError(t, err)
	assert.Equal(t, ed25519.PrivateKeySize, len(key))

	// Signature made by the loaded key must verify against its public key
	msg := []byte("possession")
	sig := ed25519.Sign(key, msg)
	assert.True(t, ed25519.Verify(key.Public().(ed25519.PublicKey), msg, sig))
}

func TestEnsureKeyPairExists(t *testing.T) {
	privPath := filepath.Join(t.TempDir(), "id_ed25519")

	// First call generates
	key1, err := EnsureKeyPairExists(privPath)
	require.NoError(t, err)

	// Second call loads the same key
	key2, err := EnsureKeyPairExists(privPath)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestFingerprintStable(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	fp1 := Fingerprint(pub)
	fp2 := Fingerprint(pub)
	assert.Equal(t, fp1, fp2)
	assert.True(t, strings.HasPrefix(fp1, "SHA256:"))

	other, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, Fingerprint(other))
}

func TestPublicKeyEncodeDecode(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	encoded := EncodePublicKey(pub)
	decoded, err := DecodePublicKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)

	_, err = DecodePublicKey("not base64!!!")
	assert.Error(t, err)

	_, err = DecodePublicKey("c2hvcnQ=") // valid base64, wrong length
	assert.Error(t, err)
}

func TestDeriveX25519KeyPair(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	xPriv, xPub, err := DeriveX25519KeyPair(priv)
	require.NoError(t, err)
	assert.Len(t, xPriv, 32)
	assert.Len(t, xPub, 32)

	// The derived public key must match the converted ed25519 public key,
	// so two parties can agree on the mapping without sharing secrets.
	converted, err := ED25519PublicToX25519(pub)
	require.NoError(t, err)
	assert.Equal(t, converted, xPub)

	// Scalar must round-trip through the curve
	check, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, xPub, check)
}
