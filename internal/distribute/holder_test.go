package distribute

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vouchmesh/vouchmesh/internal/chunk"
	"github.com/vouchmesh/vouchmesh/internal/substrate"
	"github.com/vouchmesh/vouchmesh/internal/verify"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

func testHolder(t *testing.T) *Holder {
	t.Helper()
	_, priv := testKeyPair(t)
	return NewHolder("holder-1", priv, substrate.NewBus().Attach("holder-1"), zerolog.Nop())
}

func testPush(t *testing.T, owner string, index int, version uint64) proto.ChunkPushPayload {
	t.Helper()
	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return proto.ChunkPushPayload{
		OwnerID:    owner,
		ChunkIndex: index,
		ChunkHash:  chunk.HashBytes(data),
		Data:       data,
		Version:    version,
	}
}

func TestHolderAcceptAndServe(t *testing.T) {
	h := testHolder(t)
	ctx := context.Background()

	push := testPush(t, "owner-1", 0, 1)
	reply, err := h.Accept(ctx, "push-1", push)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	assert.NotEmpty(t, reply.Token)
	assert.Equal(t, 1, h.Count())

	fetched := h.Serve(ctx, "fetch-1", proto.ChunkFetchPayload{OwnerID: "owner-1", ChunkIndex: 0})
	assert.Empty(t, fetched.Error)
	assert.Equal(t, push.Data, fetched.Data)
	assert.Equal(t, uint64(1), fetched.Version)
}

func TestHolderRefusesOlderVersion(t *testing.T) {
	h := testHolder(t)
	ctx := context.Background()

	newer := testPush(t, "owner-1", 0, 5)
	_, err := h.Accept(ctx, "push-1", newer)
	require.NoError(t, err)

	older := testPush(t, "owner-1", 0, 3)
	reply, err := h.Accept(ctx, "push-2", older)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Error)

	// The newer replica is untouched.
	fetched := h.Serve(ctx, "fetch-1", proto.ChunkFetchPayload{OwnerID: "owner-1", ChunkIndex: 0})
	assert.Equal(t, newer.Data, fetched.Data)
}

func TestHolderReplacesWithNewerVersion(t *testing.T) {
	h := testHolder(t)
	ctx := context.Background()

	_, err := h.Accept(ctx, "push-1", testPush(t, "owner-1", 0, 1))
	require.NoError(t, err)

	newer := testPush(t, "owner-1", 0, 2)
	reply, err := h.Accept(ctx, "push-2", newer)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)

	fetched := h.Serve(ctx, "fetch-1", proto.ChunkFetchPayload{OwnerID: "owner-1", ChunkIndex: 0})
	assert.Equal(t, uint64(2), fetched.Version)
}

// gatedStore blocks the first Put until released so a second push can
// interleave with it.
type gatedStore struct {
	substrate.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner substrate.Store) *gatedStore {
	return &gatedStore{
		Store:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) Put(ctx context.Context, data []byte) (string, error) {
	blocked := false
	g.once.Do(func() {
		blocked = true
		close(g.entered)
	})
	if blocked {
		<-g.release
	}
	return g.Store.Put(ctx, data)
}

func TestHolderStalePutNeverOverwritesNewer(t *testing.T) {
	_, priv := testKeyPair(t)
	store := newGatedStore(substrate.NewBus().Attach("holder-1"))
	h := NewHolder("holder-1", priv, store, zerolog.Nop())
	ctx := context.Background()

	stale := testPush(t, "owner-1", 0, 1)
	newer := testPush(t, "owner-1", 0, 2)

	type acceptResult struct {
		reply proto.AttestationPayload
		err   error
	}
	done := make(chan acceptResult, 1)
	go func() {
		reply, err := h.Accept(ctx, "push-stale", stale)
		done <- acceptResult{reply, err}
	}()

	// The stale push is inside the store write when the newer one lands.
	<-store.entered
	reply, err := h.Accept(ctx, "push-newer", newer)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)

	close(store.release)
	res := <-done
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.reply.Error)

	fetched := h.Serve(ctx, "fetch-1", proto.ChunkFetchPayload{OwnerID: "owner-1", ChunkIndex: 0})
	assert.Equal(t, newer.Data, fetched.Data)
	assert.Equal(t, uint64(2), fetched.Version)
}

func TestHolderRejectsCorruptPush(t *testing.T) {
	h := testHolder(t)

	push := testPush(t, "owner-1", 0, 1)
	push.Data[0] ^= 0xFF

	reply, err := h.Accept(context.Background(), "push-1", push)
	require.NoError(t, err)
	assert.Equal(t, "chunk hash mismatch", reply.Error)
	assert.Zero(t, h.Count())
}

func TestHolderServeUnknownChunk(t *testing.T) {
	h := testHolder(t)
	reply := h.Serve(context.Background(), "fetch-1", proto.ChunkFetchPayload{OwnerID: "ghost", ChunkIndex: 9})
	assert.NotEmpty(t, reply.Error)
}

func TestHolderAnswersChallenge(t *testing.T) {
	h := testHolder(t)
	ctx := context.Background()

	push := testPush(t, "owner-1", 2, 1)
	_, err := h.Accept(ctx, "push-1", push)
	require.NoError(t, err)

	challenge := proto.ChallengePayload{
		Nonce:      "nonce-1",
		OwnerID:    "owner-1",
		ChunkIndex: 2,
		ChunkHash:  push.ChunkHash,
		Offset:     100,
		Length:     256,
	}

	reply, err := h.Answer(ctx, challenge)
	require.NoError(t, err)

	expected, err := verify.Respond(verify.Challenge{
		Nonce:  "nonce-1",
		Offset: 100,
		Length: 256,
	}, push.Data)
	require.NoError(t, err)
	assert.Equal(t, expected, reply.Digest)
}

func TestHolderIndexSurvivesRestart(t *testing.T) {
	_, priv := testKeyPair(t)
	bus := substrate.NewBus()
	store := bus.Attach("holder-1")
	ctx := context.Background()

	h1 := NewHolder("holder-1", priv, store, zerolog.Nop())
	push := testPush(t, "owner-1", 0, 1)
	_, err := h1.Accept(ctx, "push-1", push)
	require.NoError(t, err)

	exported, err := h1.Export()
	require.NoError(t, err)

	h2 := NewHolder("holder-1", priv, store, zerolog.Nop())
	require.NoError(t, h2.Import(ctx, exported))

	fetched := h2.Serve(ctx, "fetch-1", proto.ChunkFetchPayload{OwnerID: "owner-1", ChunkIndex: 0})
	assert.Equal(t, push.Data, fetched.Data)
}
