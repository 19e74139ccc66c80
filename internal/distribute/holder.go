package distribute

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vouchmesh/vouchmesh/internal/chunk"
	"github.com/vouchmesh/vouchmesh/internal/substrate"
	"github.com/vouchmesh/vouchmesh/internal/verify"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// heldChunk is the holder's record of one stored replica.
type heldChunk struct {
	Owner   string `json:"owner"`
	Index   int    `json:"index"`
	Version uint64 `json:"version"`
	Hash    string `json:"hash"`
	Address string `json:"address"` // content address in the blob store
}

func heldKey(owner string, index int) string {
	return fmt.Sprintf("%s/%d", owner, index)
}

// Holder is the receiving side of distribution: it stores pushed
// chunks, signs attestations, serves recovery fetches and answers
// possession challenges. Per owner and chunk index only the highest
// version is kept.
type Holder struct {
	id     string
	key    ed25519.PrivateKey
	store  substrate.Store
	logger zerolog.Logger

	mu   sync.Mutex
	held map[string]heldChunk
}

// NewHolder creates a holder backed by the given blob store.
func NewHolder(id string, key ed25519.PrivateKey, store substrate.Store, logger zerolog.Logger) *Holder {
	return &Holder{
		id:     id,
		key:    key,
		store:  store,
		logger: logger.With().Str("component", "holder").Logger(),
		held:   make(map[string]heldChunk),
	}
}

// Accept stores a pushed chunk and returns the signed attestation. A
// push older than what is already held is refused; the refusal is
// carried in the payload, not as a transport error.
func (h *Holder) Accept(ctx context.Context, pushID string, push proto.ChunkPushPayload) (proto.AttestationPayload, error) {
	reply := proto.AttestationPayload{
		PushID:     pushID,
		HolderID:   h.id,
		ChunkHash:  push.ChunkHash,
		ChunkIndex: push.ChunkIndex,
		Version:    push.Version,
	}

	if chunk.HashBytes(push.Data) != push.ChunkHash {
		reply.Error = "chunk hash mismatch"
		return reply, nil
	}

	key := heldKey(push.OwnerID, push.ChunkIndex)

	h.mu.Lock()
	if existing, ok := h.held[key]; ok && existing.Version > push.Version {
		h.mu.Unlock()
		reply.Error = fmt.Sprintf("holding newer version %d", existing.Version)
		return reply, nil
	}
	h.mu.Unlock()

	address, err := h.store.Put(ctx, push.Data)
	if err != nil {
		return reply, fmt.Errorf("store chunk: %w", err)
	}

	h.mu.Lock()
	// Re-checked after the store write: a newer push may have landed
	// while the lock was released.
	if existing, ok := h.held[key]; ok && existing.Version > push.Version {
		h.mu.Unlock()
		reply.Error = fmt.Sprintf("holding newer version %d", existing.Version)
		return reply, nil
	}
	h.held[key] = heldChunk{
		Owner:   push.OwnerID,
		Index:   push.ChunkIndex,
		Version: push.Version,
		Hash:    push.ChunkHash,
		Address: address,
	}
	h.mu.Unlock()

	token, err := SignAttestation(h.key, h.id, push.ChunkHash, push.ChunkIndex, push.Version)
	if err != nil {
		return reply, fmt.Errorf("sign attestation: %w", err)
	}
	reply.Token = token

	h.logger.Debug().
		Str("owner", push.OwnerID).
		Int("chunk", push.ChunkIndex).
		Uint64("version", push.Version).
		Msg("Chunk stored and attested")
	return reply, nil
}

// Serve returns a held chunk for recovery. Version 0 requests the
// highest version held.
func (h *Holder) Serve(ctx context.Context, fetchID string, fetch proto.ChunkFetchPayload) proto.ChunkFetchResponsePayload {
	reply := proto.ChunkFetchResponsePayload{
		FetchID:    fetchID,
		ChunkIndex: fetch.ChunkIndex,
	}

	h.mu.Lock()
	rec, ok := h.held[heldKey(fetch.OwnerID, fetch.ChunkIndex)]
	h.mu.Unlock()

	if !ok || (fetch.Version != 0 && rec.Version != fetch.Version) {
		reply.Error = "chunk not held"
		return reply
	}

	data, err := h.store.Fetch(ctx, rec.Address)
	if err != nil {
		h.logger.Warn().Err(err).Str("owner", fetch.OwnerID).Int("chunk", fetch.ChunkIndex).Msg("Held chunk missing from store")
		reply.Error = "chunk not held"
		return reply
	}

	reply.ChunkHash = rec.Hash
	reply.Data = data
	reply.Version = rec.Version
	return reply
}

// Answer computes the possession digest for a challenge against a held
// chunk.
func (h *Holder) Answer(ctx context.Context, challenge proto.ChallengePayload) (proto.ChallengeResponsePayload, error) {
	reply := proto.ChallengeResponsePayload{
		Nonce:      challenge.Nonce,
		HolderID:   h.id,
		ChunkHash:  challenge.ChunkHash,
		AnsweredAt: time.Now().UTC(),
	}

	h.mu.Lock()
	rec, ok := h.held[heldKey(challenge.OwnerID, challenge.ChunkIndex)]
	h.mu.Unlock()
	if !ok {
		return reply, fmt.Errorf("chunk %d of %s not held", challenge.ChunkIndex, challenge.OwnerID)
	}

	data, err := h.store.Fetch(ctx, rec.Address)
	if err != nil {
		return reply, fmt.Errorf("load held chunk: %w", err)
	}

	digest, err := verify.Respond(verify.Challenge{
		Nonce:     challenge.Nonce,
		ChunkHash: challenge.ChunkHash,
		Offset:    int64(challenge.Offset),
		Length:    int64(challenge.Length),
		IssuedAt:  challenge.IssuedAt,
	}, data)
	if err != nil {
		return reply, err
	}
	reply.Digest = digest
	return reply, nil
}

// Count returns how many chunk replicas this holder keeps.
func (h *Holder) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}

// Export serializes the held-chunk index for crash-safe persistence.
// The chunk bytes themselves live in the blob store.
func (h *Holder) Export() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := json.Marshal(h.held)
	if err != nil {
		return nil, fmt.Errorf("export holder index: %w", err)
	}
	return data, nil
}

// Import restores the held-chunk index after a restart. Entries whose
// blobs are gone from the store are dropped.
func (h *Holder) Import(ctx context.Context, data []byte) error {
	var held map[string]heldChunk
	if err := json.Unmarshal(data, &held); err != nil {
		return fmt.Errorf("import holder index: %w", err)
	}

	for key, rec := range held {
		ok, err := h.store.Has(ctx, rec.Address)
		if err != nil || !ok {
			h.logger.Warn().Str("key", key).Msg("Dropping held chunk with missing blob")
			delete(held, key)
		}
	}

	h.mu.Lock()
	h.held = held
	h.mu.Unlock()
	return nil
}
