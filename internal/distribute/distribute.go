// Package distribute pushes sealed chunks to their rendezvous-assigned
// holders and collects signed storage attestations. Holders are assumed
// adversarial: every receipt is verified against the holder's
// registered key before it counts toward replication.
package distribute

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vouchmesh/vouchmesh/internal/chunk"
	"github.com/vouchmesh/vouchmesh/internal/rendezvous"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

var (
	// ErrStaleVersion indicates a distribution older than one already
	// completed was requested.
	ErrStaleVersion = errors.New("distribute: stale snapshot version")

	// ErrNoHolders indicates no eligible holders were available.
	ErrNoHolders = errors.New("distribute: no eligible holders")
)

// Pusher delivers one chunk to a holder and returns its attestation.
// The network layer implements this over the substrate exchange.
type Pusher interface {
	PushChunk(ctx context.Context, holderID string, payload proto.ChunkPushPayload) (proto.AttestationPayload, error)
}

// KeyDirectory resolves a participant's registered public key.
type KeyDirectory interface {
	PublicKey(participantID string) (ed25519.PublicKey, error)
}

// Placement records one verified replica.
type Placement struct {
	ChunkIndex  int
	HolderID    string
	Fallback    bool // true when a primary holder failed and a lower-ranked candidate took over
	Attestation *Attestation
}

// Result summarizes one distribution round.
type Result struct {
	Version    uint64
	Epoch      uint64
	ChunkCount int
	Placements []Placement
}

// ReplicasFor counts verified replicas of one chunk index.
func (r *Result) ReplicasFor(index int) int {
	n := 0
	for _, p := range r.Placements {
		if p.ChunkIndex == index {
			n++
		}
	}
	return n
}

// FullyReplicated reports whether every chunk reached the target
// replica count.
func (r *Result) FullyReplicated(replicaCount int) bool {
	for i := 0; i < r.ChunkCount; i++ {
		if r.ReplicasFor(i) < replicaCount {
			return false
		}
	}
	return true
}

// Config holds distributor tunables.
type Config struct {
	OwnerID      string
	ReplicaCount int           // target replicas per chunk (default 2)
	MaxParallel  int           // concurrent pushes (default 8)
	PushRetries  int           // attempts per holder before falling back (default 3)
	PushTimeout  time.Duration // per-attempt deadline (default 10s)
	Pusher       Pusher
	Keys         KeyDirectory
	Logger       zerolog.Logger
}

type inflight struct {
	version uint64
	cancel  context.CancelFunc
}

// Distributor fans chunks out to holders. Distributions are ordered by
// snapshot version: an older version never starts after a newer one
// finished, and a newer version supersedes one still in flight.
type Distributor struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	current  *inflight
	lastDone uint64
}

// New creates a distributor.
func New(cfg Config) (*Distributor, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("distribute: owner ID required")
	}
	if cfg.Pusher == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("distribute: pusher and key directory required")
	}
	if cfg.ReplicaCount == 0 {
		cfg.ReplicaCount = 2
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 8
	}
	if cfg.PushRetries == 0 {
		cfg.PushRetries = 3
	}
	if cfg.PushTimeout == 0 {
		cfg.PushTimeout = 10 * time.Second
	}

	return &Distributor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "distribute").Logger(),
	}, nil
}

// Distribute pushes every chunk of one snapshot version to its assigned
// holders and returns the verified placements. A partial result with an
// error means some chunks fell short of the replica target.
func (d *Distributor) Distribute(ctx context.Context, version uint64, chunks []chunk.Chunk, participants []string, epoch uint64) (*Result, error) {
	return d.distribute(ctx, version, chunks, participants, epoch, false)
}

// Redistribute replays the most recent version, re-pushing its chunks
// to close a replica shortfall. Unlike Distribute it accepts the
// already-completed version; anything older stays rejected.
func (d *Distributor) Redistribute(ctx context.Context, version uint64, chunks []chunk.Chunk, participants []string, epoch uint64) (*Result, error) {
	return d.distribute(ctx, version, chunks, participants, epoch, true)
}

func (d *Distributor) distribute(ctx context.Context, version uint64, chunks []chunk.Chunk, participants []string, epoch uint64, repair bool) (*Result, error) {
	ctx, err := d.begin(ctx, version, repair)
	if err != nil {
		return nil, err
	}
	defer d.finish(version)

	if len(rendezvous.Ranked(d.cfg.OwnerID, 0, participants, epoch)) == 0 {
		return nil, ErrNoHolders
	}

	d.logger.Info().
		Uint64("version", version).
		Uint64("epoch", epoch).
		Int("chunks", len(chunks)).
		Int("participants", len(participants)).
		Msg("Distribution started")

	result := &Result{Version: version, Epoch: epoch, ChunkCount: len(chunks)}

	sem := make(chan struct{}, d.cfg.MaxParallel)
	var wg sync.WaitGroup
	var resultMu sync.Mutex

	for _, c := range chunks {
		ranked := rendezvous.Ranked(d.cfg.OwnerID, c.Index, participants, epoch)
		replicas := d.cfg.ReplicaCount
		if replicas > len(ranked) {
			replicas = len(ranked)
		}

		// Fallback candidates are claimed in rank order across the
		// chunk's replica slots.
		next := replicas
		var claimMu sync.Mutex
		claim := func() (string, bool) {
			claimMu.Lock()
			defer claimMu.Unlock()
			if next >= len(ranked) {
				return "", false
			}
			id := ranked[next]
			next++
			return id, true
		}

		for slot := 0; slot < replicas; slot++ {
			wg.Add(1)
			go func(c chunk.Chunk, primary string) {
				defer wg.Done()

				holderID := primary
				fallback := false
				for {
					sem <- struct{}{}
					att, pushErr := d.pushWithRetries(ctx, holderID, c, version, epoch)
					<-sem

					if pushErr == nil {
						resultMu.Lock()
						result.Placements = append(result.Placements, Placement{
							ChunkIndex:  c.Index,
							HolderID:    holderID,
							Fallback:    fallback,
							Attestation: att,
						})
						resultMu.Unlock()
						return
					}
					if ctx.Err() != nil {
						return
					}

					d.logger.Warn().
						Err(pushErr).
						Str("holder", holderID).
						Int("chunk", c.Index).
						Msg("Holder failed, trying fallback candidate")

					var ok bool
					holderID, ok = claim()
					if !ok {
						return
					}
					fallback = true
				}
			}(c, ranked[slot])
		}
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("distribution of version %d interrupted: %w", version, err)
	}
	if !result.FullyReplicated(d.cfg.ReplicaCount) {
		short := 0
		for i := 0; i < result.ChunkCount; i++ {
			if result.ReplicasFor(i) < d.cfg.ReplicaCount {
				short++
			}
		}
		return result, fmt.Errorf("distribute: %d of %d chunks below replica target %d", short, result.ChunkCount, d.cfg.ReplicaCount)
	}

	d.logger.Info().
		Uint64("version", version).
		Int("placements", len(result.Placements)).
		Msg("Distribution complete")
	return result, nil
}

// pushWithRetries attempts one holder up to the retry budget, verifying
// the returned attestation each time.
func (d *Distributor) pushWithRetries(ctx context.Context, holderID string, c chunk.Chunk, version, epoch uint64) (*Attestation, error) {
	payload := proto.ChunkPushPayload{
		OwnerID:    d.cfg.OwnerID,
		ChunkIndex: c.Index,
		ChunkHash:  c.Hash,
		Data:       c.Data,
		Version:    version,
		Epoch:      epoch,
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.PushRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
		reply, err := d.cfg.Pusher.PushChunk(attemptCtx, holderID, payload)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Error != "" {
			lastErr = fmt.Errorf("holder %s refused chunk: %s", holderID, reply.Error)
			continue
		}

		att, err := d.verifyReply(holderID, c, version, reply)
		if err != nil {
			lastErr = err
			continue
		}
		return att, nil
	}
	return nil, fmt.Errorf("push chunk %d to %s: %w", c.Index, holderID, lastErr)
}

func (d *Distributor) verifyReply(holderID string, c chunk.Chunk, version uint64, reply proto.AttestationPayload) (*Attestation, error) {
	key, err := d.cfg.Keys.PublicKey(holderID)
	if err != nil {
		return nil, fmt.Errorf("resolve holder key: %w", err)
	}

	att, err := VerifyAttestation(reply.Token, key, holderID, c.Hash)
	if err != nil {
		return nil, err
	}
	if att.ChunkIndex != c.Index || att.Version != version {
		return nil, fmt.Errorf("%w: attests chunk %d version %d, expected %d/%d", ErrAttestation, att.ChunkIndex, att.Version, c.Index, version)
	}
	return att, nil
}

// begin enforces version ordering and supersession. A repair round may
// repeat the last completed version; nothing may go backwards.
func (d *Distributor) begin(ctx context.Context, version uint64, repair bool) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if version < d.lastDone || (version == d.lastDone && !repair) {
		return nil, fmt.Errorf("%w: version %d already distributed (last %d)", ErrStaleVersion, version, d.lastDone)
	}
	if d.current != nil {
		if version <= d.current.version {
			return nil, fmt.Errorf("%w: version %d while %d in flight", ErrStaleVersion, version, d.current.version)
		}
		d.logger.Info().
			Uint64("superseded", d.current.version).
			Uint64("by", version).
			Msg("In-flight distribution superseded")
		d.current.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	d.current = &inflight{version: version, cancel: cancel}
	return ctx, nil
}

func (d *Distributor) finish(version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil && d.current.version == version {
		d.current.cancel()
		d.current = nil
	}
	if version > d.lastDone {
		d.lastDone = version
	}
}

// RequestID generates a fresh message ID for a push.
func RequestID() string {
	return uuid.NewString()
}
