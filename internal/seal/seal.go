// Package seal encrypts and signs state snapshots before distribution.
//
// The symmetric key never touches disk: it is derived on demand from the
// owner's ed25519 identity key via the X25519 conversion and HKDF, so the
// only secret a node must protect is its identity key.
package seal

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/vouchmesh/vouchmesh/internal/config"
)

// kdfInfo labels the HKDF expansion so the sealing key can never collide
// with keys derived for other purposes from the same identity.
const kdfInfo = "vouchmesh/seal/v1"

var (
	// ErrSeal indicates key material was unavailable or sealing failed.
	ErrSeal = errors.New("seal: key material unavailable")

	// ErrAuthentication indicates a snapshot signature did not verify.
	ErrAuthentication = errors.New("seal: snapshot signature invalid")

	// ErrDecryption indicates an AEAD tag mismatch while unsealing.
	ErrDecryption = errors.New("seal: decryption failed")
)

// Snapshot is a sealed, signed state snapshot. Snapshots are immutable;
// each committed mutation produces a new one that supersedes the previous
// version.
type Snapshot struct {
	Ciphertext  []byte    `json:"ciphertext"`
	Signature   []byte    `json:"signature"`
	SignerKey   []byte    `json:"signer_key"` // ed25519 public key
	ContentRoot string    `json:"content_root"` // merkle root of the plaintext
	Version     uint64    `json:"version"`
	PrevHash    string    `json:"prev_hash"` // hash of the previous snapshot, audit-only on recovery
	CreatedAt   time.Time `json:"created_at"`
}

// Hash returns the snapshot identity hash used for chaining.
func (s *Snapshot) Hash() string {
	h := sha256.New()
	h.Write(s.Ciphertext)
	h.Write(s.Signature)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], s.Version)
	h.Write(v[:])
	return fmt.Sprintf("%x", h.Sum(nil))
}

// signingPayload is the byte string covered by the snapshot signature:
// ciphertext digest plus all metadata fields.
func (s *Snapshot) signingPayload() []byte {
	h := sha256.Sum256(s.Ciphertext)
	buf := make([]byte, 0, len(h)+8+len(s.ContentRoot)+len(s.PrevHash)+8)
	buf = append(buf, h[:]...)
	buf = binary.BigEndian.AppendUint64(buf, s.Version)
	buf = append(buf, s.ContentRoot...)
	buf = append(buf, s.PrevHash...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.CreatedAt.UnixNano()))
	return buf
}

// Sealer produces and opens sealed snapshots for one identity.
type Sealer struct {
	mu          sync.Mutex
	identityKey ed25519.PrivateKey
	lastVersion uint64
	lastHash    string
}

// NewSealer creates a sealer bound to the given identity key.
func NewSealer(identityKey ed25519.PrivateKey) (*Sealer, error) {
	if len(identityKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad private key length %d", ErrSeal, len(identityKey))
	}
	return &Sealer{identityKey: identityKey}, nil
}

// Restore primes the version chain from a previously recovered snapshot,
// so the next Seal continues the sequence instead of restarting at 1.
func (s *Sealer) Restore(prev *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev.Version > s.lastVersion {
		s.lastVersion = prev.Version
		s.lastHash = prev.Hash()
	}
}

// LastVersion returns the version of the most recently sealed snapshot.
func (s *Sealer) LastVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVersion
}

// deriveKey derives the symmetric sealing key from the identity key.
func deriveKey(identityKey ed25519.PrivateKey) ([]byte, error) {
	if len(identityKey) != ed25519.PrivateKeySize {
		return nil, ErrSeal
	}

	scalar := config.ED25519PrivateToX25519(identityKey)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, scalar, nil, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrSeal, err)
	}
	return key, nil
}

// Seal compresses, encrypts and signs raw state, producing the next
// snapshot in the owner's version chain.
func (s *Sealer) Seal(raw []byte) (*Snapshot, error) {
	key, err := deriveKey(s.identityKey)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aead init: %v", ErrSeal, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrSeal, err)
	}

	// Nonce is prepended to the ciphertext
	ciphertext := aead.Seal(nonce, nonce, compressed, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Ciphertext:  ciphertext,
		SignerKey:   s.identityKey.Public().(ed25519.PublicKey),
		ContentRoot: MerkleRoot(raw),
		Version:     s.lastVersion + 1,
		PrevHash:    s.lastHash,
		CreatedAt:   time.Now().UTC(),
	}
	snap.Signature = ed25519.Sign(s.identityKey, snap.signingPayload())

	s.lastVersion = snap.Version
	s.lastHash = snap.Hash()

	return snap, nil
}

// Unseal verifies the snapshot signature and decrypts the payload.
// The PrevHash chain is informational and is not checked here; after a
// crash there is no prior state to compare against.
func (s *Sealer) Unseal(snap *Snapshot) ([]byte, error) {
	return Unseal(snap, s.identityKey)
}

// Unseal verifies and decrypts a snapshot with the given identity key.
func Unseal(snap *Snapshot, identityKey ed25519.PrivateKey) ([]byte, error) {
	if len(snap.SignerKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad signer key length", ErrAuthentication)
	}
	if !ed25519.Verify(ed25519.PublicKey(snap.SignerKey), snap.signingPayload(), snap.Signature) {
		return nil, ErrAuthentication
	}

	// The signature only proves the snapshot is internally consistent;
	// anyone can sign one under their own key. Bind the signer to the
	// unsealing identity before touching the ciphertext.
	signerX, err := config.ED25519PublicToX25519(snap.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	_, ownX, err := config.DeriveX25519KeyPair(identityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	if !bytes.Equal(signerX, ownX) {
		return nil, fmt.Errorf("%w: sealed by a different identity", ErrAuthentication)
	}

	key, err := deriveKey(identityKey)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aead init: %v", ErrSeal, err)
	}

	if len(snap.Ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce := snap.Ciphertext[:aead.NonceSize()]
	compressed, err := aead.Open(nil, nonce, snap.Ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decompressor: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrDecryption, err)
	}

	return raw, nil
}
