package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload := ChunkPushPayload{
		OwnerID:    "owner-1",
		ChunkIndex: 3,
		ChunkHash:  "abc123",
		Data:       []byte("chunk bytes"),
		Version:    7,
		Epoch:      2,
	}

	msg, err := New(MessageTypeChunkPush, "msg-1", "owner-1", payload)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, msg.Version)

	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeChunkPush, decoded.Type)
	assert.Equal(t, "msg-1", decoded.ID)
	assert.Equal(t, "owner-1", decoded.From)

	var got ChunkPushPayload
	require.NoError(t, decoded.Decode(MessageTypeChunkPush, &got))
	assert.Equal(t, payload, got)
}

func TestDecodeWrongType(t *testing.T) {
	msg, err := New(MessageTypeChallenge, "msg-2", "node-a", ChallengePayload{
		Nonce:      "n",
		ChunkIndex: 0,
		Offset:     16,
		Length:     256,
		IssuedAt:   time.Now(),
	})
	require.NoError(t, err)

	var out AttestationPayload
	err = msg.Decode(MessageTypeAttestation, &out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not attestation")
}

func TestUnmarshalVersionCompatibility(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "version zero treated as v1",
			raw:  `{"version":0,"type":"chunk_push","id":"a","from":"b","payload":{}}`,
		},
		{
			name:    "future version rejected",
			raw:     `{"version":99,"type":"chunk_push","id":"a","from":"b","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "garbage rejected",
			raw:     `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Unmarshal([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ProtocolVersion, msg.Version)
		})
	}
}
