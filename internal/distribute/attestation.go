package distribute

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAttestation indicates an attestation token failed verification.
var ErrAttestation = errors.New("distribute: invalid attestation")

// Attestation is a holder's signed receipt for one stored chunk. The
// owner keeps these as evidence of replication; a holder cannot later
// deny having accepted the chunk.
type Attestation struct {
	HolderID   string
	ChunkHash  string
	ChunkIndex int
	Version    uint64
	IssuedAt   time.Time
	Token      string
}

type attestationClaims struct {
	ChunkHash  string `json:"chunk_hash"`
	ChunkIndex int    `json:"chunk_index"`
	Version    uint64 `json:"chunk_version"`
	jwt.RegisteredClaims
}

// SignAttestation issues the holder-side receipt token for a stored
// chunk.
func SignAttestation(key ed25519.PrivateKey, holderID, chunkHash string, chunkIndex int, version uint64) (string, error) {
	now := time.Now().UTC()
	claims := attestationClaims{
		ChunkHash:  chunkHash,
		ChunkIndex: chunkIndex,
		Version:    version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  holderID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return token, nil
}

// VerifyAttestation checks a token against the holder's registered
// public key and the expected chunk identity.
func VerifyAttestation(token string, holderKey ed25519.PublicKey, holderID, chunkHash string) (*Attestation, error) {
	var claims attestationClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return holderKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestation, err)
	}
	if !parsed.Valid {
		return nil, ErrAttestation
	}
	if claims.Subject != holderID {
		return nil, fmt.Errorf("%w: signed by %s, expected %s", ErrAttestation, claims.Subject, holderID)
	}
	if claims.ChunkHash != chunkHash {
		return nil, fmt.Errorf("%w: attests chunk %s, expected %s", ErrAttestation, claims.ChunkHash, chunkHash)
	}

	att := &Attestation{
		HolderID:   claims.Subject,
		ChunkHash:  claims.ChunkHash,
		ChunkIndex: claims.ChunkIndex,
		Version:    claims.Version,
		Token:      token,
	}
	if claims.IssuedAt != nil {
		att.IssuedAt = claims.IssuedAt.Time
	}
	return att, nil
}
