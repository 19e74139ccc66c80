package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair generates a new ED25519 SSH key pair and saves it to disk.
// The private key is saved to privPath and public key to privPath.pub
func GenerateKeyPair(privPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("create SSH public key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(pemBlock)

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	if err := os.WriteFile(privPath, pemBytes, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPath := privPath + ".pub"
	pubBytes := ssh.MarshalAuthorizedKey(sshPubKey)
	if err := os.WriteFile(pubPath, pubBytes, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

// LoadED25519PrivateKey loads an ED25519 private key from an OpenSSH PEM file.
func LoadED25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	edKey, ok := key.(*ed25519.PrivateKey)
	if !ok {
		if edKeyVal, ok := key.(ed25519.PrivateKey); ok {
			return edKeyVal, nil
		}
		return nil, fmt.Errorf("key is not ED25519 (got %T)", key)
	}

	return *edKey, nil
}

// EnsureKeyPairExists loads an existing ED25519 key or generates a new one.
func EnsureKeyPairExists(privPath string) (ed25519.PrivateKey, error) {
	key, err := LoadED25519PrivateKey(privPath)
	if err == nil {
		return key, nil
	}

	// Check if file doesn't exist (handle both Unix and Windows error messages)
	errMsg := err.Error()
	isNotExist := os.IsNotExist(err) ||
		strings.Contains(errMsg, "no such file") ||
		strings.Contains(errMsg, "cannot find the file")

	if isNotExist {
		if err := GenerateKeyPair(privPath); err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		return LoadED25519PrivateKey(privPath)
	}

	return nil, err
}

// Fingerprint returns the SHA256 fingerprint of an ED25519 public key.
// This is the participant ID used throughout the persistence network.
func Fingerprint(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(hash[:])
}

// EncodePublicKey encodes an ED25519 public key to base64 wire format.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey decodes a base64-encoded ED25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ED25519 public key size: %d", len(data))
	}
	return ed25519.PublicKey(data), nil
}

// ED25519PrivateToX25519 converts an ED25519 private key to X25519 format.
// This uses the standard conversion: hash the ED25519 seed with SHA-512
// and use the first 32 bytes as the X25519 scalar.
func ED25519PrivateToX25519(edPriv ed25519.PrivateKey) []byte {
	seed := edPriv.Seed()

	h := sha512.Sum512(seed)

	// Apply RFC 7748 scalar clamping (first 32 bytes)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	return h[:32]
}

// ED25519PublicToX25519 converts an ED25519 public key to X25519 format.
// This performs the birational map from the Ed25519 curve to Curve25519:
// u = (1 + y) / (1 - y) mod p
func ED25519PublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ED25519 public key size")
	}

	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("parse ED25519 public key: %w", err)
	}

	return point.BytesMontgomery(), nil
}

// DeriveX25519KeyPair derives an X25519 key pair from an ED25519 private key.
func DeriveX25519KeyPair(edPriv ed25519.PrivateKey) (x25519Priv, x25519Pub []byte, err error) {
	x25519Priv = ED25519PrivateToX25519(edPriv)

	x25519Pub, err = curve25519.X25519(x25519Priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive X25519 public key: %w", err)
	}

	return x25519Priv, x25519Pub, nil
}
