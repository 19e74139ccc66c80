// Package recovery reconstructs an owner's sealed state from holder
// replicas after a total local loss. Reconstruction is all-or-nothing:
// a partial state is worse than a clean failure.
package recovery

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vouchmesh/vouchmesh/internal/chunk"
	"github.com/vouchmesh/vouchmesh/internal/rendezvous"
	"github.com/vouchmesh/vouchmesh/internal/seal"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// ErrRecovery indicates at least one chunk index was unreachable from
// its entire holder set.
var ErrRecovery = errors.New("recovery: state unreachable")

// Fetcher retrieves one chunk replica from a holder. The network layer
// implements this over the substrate exchange.
type Fetcher interface {
	FetchChunk(ctx context.Context, holderID string, payload proto.ChunkFetchPayload) (proto.ChunkFetchResponsePayload, error)
}

// Plan is everything a crashed owner learns from the registry before
// fetching: who participates, which epoch assignments used, and how
// many chunks the last distributed version had.
type Plan struct {
	OwnerID      string
	Participants []string
	Epoch        uint64
	Version      uint64
	ChunkCount   int
	ReplicaCount int
}

// Config holds orchestrator tunables.
type Config struct {
	Fetcher      Fetcher
	FetchTimeout time.Duration // per-holder deadline (default 30s)
	Logger       zerolog.Logger
}

// Orchestrator rebuilds sealed snapshots from the network.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("recovery: fetcher required")
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "recovery").Logger(),
	}, nil
}

// Recover fetches every chunk of the planned version, reassembles the
// snapshot and unseals it with the identity key. The returned snapshot
// lets the caller resume the version chain. The snapshot's prev-hash
// field is not re-verified: after a crash there is no prior history to
// compare against, so it is audit information only.
func (o *Orchestrator) Recover(ctx context.Context, identityKey ed25519.PrivateKey, plan Plan) ([]byte, *seal.Snapshot, error) {
	if plan.ChunkCount <= 0 {
		return nil, nil, fmt.Errorf("%w: nothing recorded as distributed", ErrRecovery)
	}
	if plan.ReplicaCount <= 0 {
		plan.ReplicaCount = rendezvous.DefaultReplicaCount
	}

	o.logger.Info().
		Str("owner", plan.OwnerID).
		Uint64("version", plan.Version).
		Uint64("epoch", plan.Epoch).
		Int("chunks", plan.ChunkCount).
		Msg("Recovery started")

	chunks := make([]chunk.Chunk, plan.ChunkCount)
	errs := make([]error, plan.ChunkCount)

	var wg sync.WaitGroup
	for index := 0; index < plan.ChunkCount; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			c, err := o.fetchChunk(ctx, plan, index)
			if err != nil {
				errs[index] = err
				return
			}
			chunks[index] = c
		}(index)
	}
	wg.Wait()

	for index, err := range errs {
		if err != nil {
			return nil, nil, fmt.Errorf("%w: chunk %d: %v", ErrRecovery, index, err)
		}
	}

	blob, err := chunk.Join(chunks, plan.ChunkCount)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRecovery, err)
	}

	var snap seal.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: reassembled snapshot malformed: %v", ErrRecovery, err)
	}

	raw, err := seal.Unseal(&snap, identityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unseal recovered snapshot: %w", err)
	}

	o.logger.Info().
		Uint64("version", snap.Version).
		Int("bytes", len(raw)).
		Msg("Recovery complete")
	return raw, &snap, nil
}

// fetchChunk walks the chunk's full candidate ranking in windows of the
// replica count. Distribution places replicas down the same ranking when
// primaries fail, and score order is stable across any subset of the
// directory, so every replica that exists is somewhere on this walk. Any
// single intact replica suffices.
func (o *Orchestrator) fetchChunk(ctx context.Context, plan Plan, index int) (chunk.Chunk, error) {
	ranked := rendezvous.Ranked(plan.OwnerID, index, plan.Participants, plan.Epoch)
	if len(ranked) == 0 {
		return chunk.Chunk{}, fmt.Errorf("no holders assigned")
	}

	var lastErr error
	for start := 0; start < len(ranked); start += plan.ReplicaCount {
		end := start + plan.ReplicaCount
		if end > len(ranked) {
			end = len(ranked)
		}

		c, err := o.raceWindow(ctx, plan, index, ranked[start:end])
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return chunk.Chunk{}, ctx.Err()
		}
		o.logger.Debug().Err(err).Int("chunk", index).Int("window", start).Msg("Candidate window exhausted")
		lastErr = err
	}
	return chunk.Chunk{}, lastErr
}

// raceWindow races one window of candidates; the first replica that
// arrives intact wins.
func (o *Orchestrator) raceWindow(ctx context.Context, plan Plan, index int, holders []string) (chunk.Chunk, error) {
	raceCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	type outcome struct {
		c   chunk.Chunk
		err error
	}
	results := make(chan outcome, len(holders))

	for _, holderID := range holders {
		go func(holderID string) {
			reply, err := o.cfg.Fetcher.FetchChunk(raceCtx, holderID, proto.ChunkFetchPayload{
				OwnerID:    plan.OwnerID,
				ChunkIndex: index,
				Version:    plan.Version,
			})
			if err != nil {
				results <- outcome{err: fmt.Errorf("holder %s: %w", holderID, err)}
				return
			}
			if reply.Error != "" {
				results <- outcome{err: fmt.Errorf("holder %s: %s", holderID, reply.Error)}
				return
			}
			if chunk.HashBytes(reply.Data) != reply.ChunkHash {
				results <- outcome{err: fmt.Errorf("holder %s: corrupt replica", holderID)}
				return
			}
			results <- outcome{c: chunk.Chunk{
				Index:   index,
				Data:    reply.Data,
				Hash:    reply.ChunkHash,
				Version: reply.Version,
			}}
		}(holderID)
	}

	var lastErr error
	for range holders {
		select {
		case r := <-results:
			if r.err == nil {
				return r.c, nil
			}
			o.logger.Debug().Err(r.err).Int("chunk", index).Msg("Replica fetch failed")
			lastErr = r.err
		case <-raceCtx.Done():
			return chunk.Chunk{}, raceCtx.Err()
		}
	}
	return chunk.Chunk{}, lastErr
}
