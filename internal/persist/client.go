package persist

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"

	"github.com/vouchmesh/vouchmesh/internal/config"
	"github.com/vouchmesh/vouchmesh/internal/registry"
	"github.com/vouchmesh/vouchmesh/internal/substrate"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// peerClient implements the distributor's Pusher, the recovery
// orchestrator's Fetcher and the verifier's challenge delivery over the
// substrate exchange. Replies reuse the request's envelope ID.
type peerClient struct {
	nodeID   string
	exchange *substrate.Exchange
}

func newPeerClient(nodeID string, exchange *substrate.Exchange) *peerClient {
	return &peerClient{nodeID: nodeID, exchange: exchange}
}

func (c *peerClient) roundTrip(ctx context.Context, peer string, msgType proto.MessageType, payload any, replyType proto.MessageType, out any) error {
	msg, err := proto.New(msgType, uuid.NewString(), c.nodeID, payload)
	if err != nil {
		return err
	}

	reply, err := c.exchange.Request(ctx, peer, msg)
	if err != nil {
		return err
	}
	return reply.Decode(replyType, out)
}

// PushChunk delivers one chunk and waits for the holder's attestation.
func (c *peerClient) PushChunk(ctx context.Context, holderID string, payload proto.ChunkPushPayload) (proto.AttestationPayload, error) {
	var reply proto.AttestationPayload
	err := c.roundTrip(ctx, holderID, proto.MessageTypeChunkPush, payload, proto.MessageTypeAttestation, &reply)
	return reply, err
}

// FetchChunk requests a held chunk back from a holder.
func (c *peerClient) FetchChunk(ctx context.Context, holderID string, payload proto.ChunkFetchPayload) (proto.ChunkFetchResponsePayload, error) {
	var reply proto.ChunkFetchResponsePayload
	err := c.roundTrip(ctx, holderID, proto.MessageTypeChunkFetch, payload, proto.MessageTypeChunkFetchResponse, &reply)
	return reply, err
}

// Challenge sends a possession challenge and waits for the digest.
func (c *peerClient) Challenge(ctx context.Context, holderID string, payload proto.ChallengePayload) (proto.ChallengeResponsePayload, error) {
	var reply proto.ChallengeResponsePayload
	err := c.roundTrip(ctx, holderID, proto.MessageTypeChallenge, payload, proto.MessageTypeChallengeResponse, &reply)
	return reply, err
}

// registryKeys resolves holder public keys from their registry entries.
type registryKeys struct {
	nodeID   string
	registry *registry.Registry
}

func (k *registryKeys) PublicKey(participantID string) (ed25519.PublicKey, error) {
	entry, err := k.registry.Lookup(k.nodeID, participantID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("participant %s not registered", participantID)
	}
	return config.DecodePublicKey(entry.PublicKey)
}
