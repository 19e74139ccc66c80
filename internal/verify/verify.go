// Package verify implements proof-of-possession challenges. A holder
// proves it still stores a chunk by hashing a random byte range of the
// chunk together with a fresh nonce; precomputing answers is impossible
// without keeping the chunk bytes.
package verify

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrChallengeExpired indicates the response arrived outside the
	// freshness window.
	ErrChallengeExpired = errors.New("verify: challenge expired")

	// ErrChallengeUnknown indicates no pending challenge matches the
	// response, including nonce reuse.
	ErrChallengeUnknown = errors.New("verify: unknown challenge")

	// ErrProofMismatch indicates the holder's digest does not match the
	// expected range hash. The holder does not possess the chunk.
	ErrProofMismatch = errors.New("verify: proof mismatch")
)

const (
	minRangeLen = 256
	maxRangeLen = 4096
)

// Challenge asks a holder to prove possession of a chunk by hashing
// bytes [Offset, Offset+Length) together with the nonce.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	ChunkHash string    `json:"chunk_hash"`
	Offset    int64     `json:"offset"`
	Length    int64     `json:"length"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Respond computes the proof digest for a challenge over the chunk's
// bytes. Holders run this; verifiers run the same computation against
// their own copy or a stored range digest.
func Respond(challenge Challenge, chunkData []byte) (string, error) {
	end := challenge.Offset + challenge.Length
	if challenge.Offset < 0 || challenge.Length <= 0 || end > int64(len(chunkData)) {
		return "", fmt.Errorf("verify: range [%d, %d) outside chunk of %d bytes", challenge.Offset, end, len(chunkData))
	}

	h := sha256.New()
	h.Write([]byte(challenge.Nonce))
	h.Write(chunkData[challenge.Offset:end])
	return hex.EncodeToString(h.Sum(nil)), nil
}

type pending struct {
	challenge Challenge
	expected  string
}

// Config holds verifier tunables.
type Config struct {
	// Window is how long a challenge stays answerable (default 1h).
	Window time.Duration
	// SpotCheckRate is the per-opportunity probability of issuing a
	// spot check (default 0.01).
	SpotCheckRate float64
	Logger        zerolog.Logger
}

// Verifier issues challenges against chunks this node owns and checks
// the responses. Used nonces are remembered so a captured response
// cannot be replayed for a later challenge.
type Verifier struct {
	cfg    Config
	logger zerolog.Logger
	rng    *mrand.Rand

	mu      sync.Mutex
	pending map[string]pending
	used    *lru.Cache[string, struct{}]
}

// New creates a verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.SpotCheckRate == 0 {
		cfg.SpotCheckRate = 0.01
	}

	used, err := lru.New[string, struct{}](100000)
	if err != nil {
		return nil, fmt.Errorf("create nonce cache: %w", err)
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed sampler: %w", err)
	}

	return &Verifier{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "verify").Logger(),
		rng:     mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(seed[:])))),
		pending: make(map[string]pending),
		used:    used,
	}, nil
}

// Issue creates a challenge over a random range of the given chunk and
// records the expected answer. The caller sends the challenge to the
// holder; the chunk bytes never leave this node.
func (v *Verifier) Issue(chunkHash string, chunkData []byte) (Challenge, error) {
	if len(chunkData) == 0 {
		return Challenge{}, fmt.Errorf("verify: cannot challenge empty chunk")
	}

	length := int64(minRangeLen)
	if int64(len(chunkData)) < length {
		length = int64(len(chunkData))
	} else {
		span := int64(maxRangeLen)
		if span > int64(len(chunkData)) {
			span = int64(len(chunkData))
		}
		length += v.randInt64(span - length + 1)
	}
	offset := v.randInt64(int64(len(chunkData)) - length + 1)

	challenge := Challenge{
		Nonce:     uuid.NewString(),
		ChunkHash: chunkHash,
		Offset:    offset,
		Length:    length,
		IssuedAt:  time.Now().UTC(),
	}

	expected, err := Respond(challenge, chunkData)
	if err != nil {
		return Challenge{}, err
	}

	v.mu.Lock()
	v.pending[challenge.Nonce] = pending{challenge: challenge, expected: expected}
	v.mu.Unlock()

	return challenge, nil
}

// Verify checks a holder's response. Each nonce is answerable exactly
// once; expired or replayed nonces fail closed.
func (v *Verifier) Verify(nonce, response string) error {
	v.mu.Lock()
	p, ok := v.pending[nonce]
	if ok {
		delete(v.pending, nonce)
	}
	replayed := v.used.Contains(nonce)
	v.used.Add(nonce, struct{}{})
	v.mu.Unlock()

	if !ok {
		if replayed {
			v.logger.Warn().Str("nonce", nonce).Msg("Replayed challenge nonce rejected")
		}
		return ErrChallengeUnknown
	}
	if time.Since(p.challenge.IssuedAt) > v.cfg.Window {
		return ErrChallengeExpired
	}
	if response != p.expected {
		v.logger.Warn().
			Str("chunk", p.challenge.ChunkHash).
			Msg("Proof-of-possession mismatch")
		return ErrProofMismatch
	}
	return nil
}

// Expire drops pending challenges older than the window. Unanswered
// challenges count as failures at the caller's discretion.
func (v *Verifier) Expire() []Challenge {
	v.mu.Lock()
	defer v.mu.Unlock()

	var expired []Challenge
	for nonce, p := range v.pending {
		if time.Since(p.challenge.IssuedAt) > v.cfg.Window {
			expired = append(expired, p.challenge)
			delete(v.pending, nonce)
		}
	}
	return expired
}

// ShouldSpotCheck samples at the configured rate. Called once per
// distribution or fetch opportunity.
func (v *Verifier) ShouldSpotCheck() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Float64() < v.cfg.SpotCheckRate
}

// Pending returns the number of outstanding challenges.
func (v *Verifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

func (v *Verifier) randInt64(n int64) int64 {
	if n <= 1 {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Int63n(n)
}
