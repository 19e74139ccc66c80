package distribute

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vouchmesh/vouchmesh/internal/chunk"
	"github.com/vouchmesh/vouchmesh/internal/rendezvous"
	"github.com/vouchmesh/vouchmesh/internal/substrate"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// directPusher wires the distributor straight into in-process holders,
// with per-holder failure injection.
type directPusher struct {
	mu       sync.Mutex
	holders  map[string]*Holder
	failures map[string]int // remaining induced failures per holder
}

func (p *directPusher) PushChunk(ctx context.Context, holderID string, payload proto.ChunkPushPayload) (proto.AttestationPayload, error) {
	p.mu.Lock()
	if p.failures[holderID] > 0 {
		p.failures[holderID]--
		p.mu.Unlock()
		return proto.AttestationPayload{}, fmt.Errorf("holder %s unreachable", holderID)
	}
	h, ok := p.holders[holderID]
	p.mu.Unlock()

	if !ok {
		return proto.AttestationPayload{}, fmt.Errorf("holder %s unknown", holderID)
	}
	return h.Accept(ctx, RequestID(), payload)
}

type mapKeys map[string]ed25519.PublicKey

func (m mapKeys) PublicKey(id string) (ed25519.PublicKey, error) {
	key, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("no key for %s", id)
	}
	return key, nil
}

type testNet struct {
	pusher       *directPusher
	keys         mapKeys
	participants []string
}

func newTestNet(t *testing.T, n int) *testNet {
	t.Helper()
	bus := substrate.NewBus()
	net := &testNet{
		pusher: &directPusher{
			holders:  make(map[string]*Holder),
			failures: make(map[string]int),
		},
		keys: make(mapKeys),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("peer-%02d", i)
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		net.pusher.holders[id] = NewHolder(id, priv, bus.Attach(id), zerolog.Nop())
		net.keys[id] = pub
		net.participants = append(net.participants, id)
	}
	return net
}

func newDistributor(t *testing.T, net *testNet, mutate func(*Config)) *Distributor {
	t.Helper()
	cfg := Config{
		OwnerID:      "owner",
		ReplicaCount: 2,
		Pusher:       net.pusher,
		Keys:         net.keys,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func testChunks(t *testing.T, n int, version uint64) []chunk.Chunk {
	t.Helper()
	blob := make([]byte, n*1024)
	_, err := rand.Read(blob)
	require.NoError(t, err)
	return chunk.Split(blob, 1024, version)
}

func TestDistributePlacesOnAssignedHolders(t *testing.T) {
	net := newTestNet(t, 20)
	d := newDistributor(t, net, nil)
	chunks := testChunks(t, 8, 1)

	result, err := d.Distribute(context.Background(), 1, chunks, net.participants, 0)
	require.NoError(t, err)
	assert.True(t, result.FullyReplicated(2))
	assert.Len(t, result.Placements, 16)

	// Placements match the deterministic assignment exactly.
	for _, p := range result.Placements {
		assert.False(t, p.Fallback)
		expected := rendezvous.AssignHolders("owner", p.ChunkIndex, net.participants, 0, 2)
		assert.Contains(t, expected, p.HolderID)
	}
}

func TestDistributeAttestationsAreVerified(t *testing.T) {
	net := newTestNet(t, 10)
	d := newDistributor(t, net, nil)
	chunks := testChunks(t, 2, 1)

	result, err := d.Distribute(context.Background(), 1, chunks, net.participants, 0)
	require.NoError(t, err)

	for _, p := range result.Placements {
		require.NotNil(t, p.Attestation)
		att, err := VerifyAttestation(p.Attestation.Token, net.keys[p.HolderID], p.HolderID, chunks[p.ChunkIndex].Hash)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), att.Version)
	}
}

func TestDistributeFallsBackDeterministically(t *testing.T) {
	net := newTestNet(t, 10)
	chunks := testChunks(t, 1, 1)

	ranked := rendezvous.Ranked("owner", 0, net.participants, 0)
	dead := ranked[0]
	net.pusher.failures[dead] = 1000

	d := newDistributor(t, net, func(c *Config) { c.PushRetries = 1 })

	result, err := d.Distribute(context.Background(), 1, chunks, net.participants, 0)
	require.NoError(t, err)
	require.Len(t, result.Placements, 2)

	holders := map[string]bool{}
	sawFallback := false
	for _, p := range result.Placements {
		holders[p.HolderID] = true
		sawFallback = sawFallback || p.Fallback
	}

	// The dead primary was replaced by the next-ranked candidate.
	assert.False(t, holders[dead])
	assert.True(t, holders[ranked[1]])
	assert.True(t, holders[ranked[2]])
	assert.True(t, sawFallback)
}

func TestDistributeReportsShortfall(t *testing.T) {
	net := newTestNet(t, 5)
	for _, id := range net.participants {
		net.pusher.failures[id] = 1000
	}
	d := newDistributor(t, net, func(c *Config) { c.PushRetries = 1 })

	result, err := d.Distribute(context.Background(), 1, testChunks(t, 2, 1), net.participants, 0)
	require.Error(t, err)
	assert.Empty(t, result.Placements)
}

func TestDistributeRejectsStaleVersion(t *testing.T) {
	net := newTestNet(t, 10)
	d := newDistributor(t, net, nil)
	ctx := context.Background()

	_, err := d.Distribute(ctx, 2, testChunks(t, 1, 2), net.participants, 0)
	require.NoError(t, err)

	_, err = d.Distribute(ctx, 2, testChunks(t, 1, 2), net.participants, 0)
	assert.ErrorIs(t, err, ErrStaleVersion)

	_, err = d.Distribute(ctx, 1, testChunks(t, 1, 1), net.participants, 0)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestDistributeNoHolders(t *testing.T) {
	net := newTestNet(t, 0)
	d := newDistributor(t, net, nil)

	_, err := d.Distribute(context.Background(), 1, testChunks(t, 1, 1), []string{"owner"}, 0)
	assert.ErrorIs(t, err, ErrNoHolders)
}

func TestDistributeRejectsForgedAttestation(t *testing.T) {
	net := newTestNet(t, 6)

	// One holder signs with a key that does not match its registered one.
	impostor := net.participants[0]
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	net.keys[impostor] = otherPub

	d := newDistributor(t, net, func(c *Config) { c.PushRetries = 1 })

	result, _ := d.Distribute(context.Background(), 1, testChunks(t, 4, 1), net.participants, 0)
	for _, p := range result.Placements {
		assert.NotEqual(t, impostor, p.HolderID)
	}
}
