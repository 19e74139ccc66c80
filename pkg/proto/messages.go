// Package proto defines shared protocol messages for vouchmesh persistence.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the current persistence protocol version.
// Version history:
//   - v1: Initial implementation with chunk push, attestations and
//     challenge-response possession proofs
const ProtocolVersion = 1

// MessageType identifies the type of persistence message.
type MessageType string

const (
	// MessageTypeChunkPush is sent when an owner pushes a chunk replica to a holder
	MessageTypeChunkPush MessageType = "chunk_push"

	// MessageTypeAttestation acknowledges a stored chunk with a holder signature
	MessageTypeAttestation MessageType = "attestation"

	// MessageTypeChallenge asks a holder to prove possession of a chunk range
	MessageTypeChallenge MessageType = "challenge"

	// MessageTypeChallengeResponse carries the holder's possession digest
	MessageTypeChallengeResponse MessageType = "challenge_response"

	// MessageTypeChunkFetch requests a chunk replica back from a holder
	MessageTypeChunkFetch MessageType = "chunk_fetch"

	// MessageTypeChunkFetchResponse returns the requested chunk bytes
	MessageTypeChunkFetchResponse MessageType = "chunk_fetch_response"

	// MessageTypeRegistryUpdate publishes a registry entry to a shard
	MessageTypeRegistryUpdate MessageType = "registry_update"

	// MessageTypeStorageProbe asks a participant to prove declared capacity
	MessageTypeStorageProbe MessageType = "storage_probe"
)

// Message is the envelope for all persistence protocol messages.
type Message struct {
	Version int             `json:"version"` // Protocol version for compatibility checking
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`      // Unique message ID for tracking replies
	From    string          `json:"from"`    // Sender's participant ID
	Payload json.RawMessage `json:"payload"` // Type-specific payload
}

// ChunkPushPayload carries one chunk replica to an assigned holder.
type ChunkPushPayload struct {
	OwnerID    string `json:"owner_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkHash  string `json:"chunk_hash"` // SHA-256 of the chunk ciphertext
	Data       []byte `json:"data"`
	Version    uint64 `json:"version"` // Snapshot version this chunk belongs to
	Epoch      uint64 `json:"epoch"`   // Assignment epoch at push time
}

// AttestationPayload acknowledges chunk storage. Token is an EdDSA-signed
// JWT binding holder ID, chunk hash and time.
type AttestationPayload struct {
	PushID     string `json:"push_id"` // ID of the chunk_push being attested
	HolderID   string `json:"holder_id"`
	ChunkHash  string `json:"chunk_hash"`
	ChunkIndex int    `json:"chunk_index"`
	Version    uint64 `json:"version"`
	Token      string `json:"token"`
	Error      string `json:"error,omitempty"`
}

// ChallengePayload asks the holder to hash a byte range of a chunk with a nonce.
type ChallengePayload struct {
	Nonce      string    `json:"nonce"`
	OwnerID    string    `json:"owner_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkHash  string    `json:"chunk_hash"`
	Offset     int       `json:"offset"`
	Length     int       `json:"length"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ChallengeResponsePayload carries the possession digest back to the verifier.
type ChallengeResponsePayload struct {
	Nonce      string    `json:"nonce"`
	HolderID   string    `json:"holder_id"`
	ChunkHash  string    `json:"chunk_hash"`
	Digest     string    `json:"digest"` // hex(SHA-256(nonce || chunk[offset:offset+length]))
	AnsweredAt time.Time `json:"answered_at"`
}

// ChunkFetchPayload requests a chunk replica during recovery.
type ChunkFetchPayload struct {
	OwnerID    string `json:"owner_id"`
	ChunkIndex int    `json:"chunk_index"`
	Version    uint64 `json:"version,omitempty"` // 0 means highest version held
}

// ChunkFetchResponsePayload returns chunk bytes, or an error if not held.
type ChunkFetchResponsePayload struct {
	FetchID    string `json:"fetch_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkHash  string `json:"chunk_hash"`
	Data       []byte `json:"data,omitempty"`
	Version    uint64 `json:"version"`
	Error      string `json:"error,omitempty"`
}

// RegistryUpdatePayload publishes a registry entry (or tombstone) to a shard.
type RegistryUpdatePayload struct {
	Shard     int             `json:"shard"`
	Entry     json.RawMessage `json:"entry"` // registry.Entry, opaque at this layer
	Epoch     uint64          `json:"epoch"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

// StorageProbePayload asks a registrant to write and hash a random blob,
// proving it controls at least the declared capacity bucket.
type StorageProbePayload struct {
	Nonce     string `json:"nonce"`
	ProbeSize int64  `json:"probe_size"`
}

// New creates a message envelope with a marshaled payload.
func New(msgType MessageType, id, from string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	return &Message{
		Version: ProtocolVersion,
		Type:    msgType,
		ID:      id,
		From:    from,
		Payload: data,
	}, nil
}

// Decode unmarshals the payload into out after checking the message type.
func (m *Message) Decode(expected MessageType, out any) error {
	if m.Type != expected {
		return fmt.Errorf("message type is %s, not %s", m.Type, expected)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", expected, err)
	}
	return nil
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a message from JSON and checks protocol compatibility.
func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	// Version 0 is treated as version 1 for backward compatibility during rollout
	if msg.Version == 0 {
		msg.Version = 1
	}

	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}

	return &msg, nil
}
