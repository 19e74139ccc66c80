package substrate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

type staticBook map[string]string

func (b staticBook) Resolve(peer string) (string, error) {
	addr, ok := b[peer]
	if !ok {
		return "", fmt.Errorf("unknown peer %s", peer)
	}
	return addr, nil
}

func newHTTPSubstrate(t *testing.T, mutate func(*HTTPConfig)) (*HTTP, *httptest.Server) {
	t.Helper()
	cfg := HTTPConfig{
		NodeID:  "test-node",
		DataDir: t.TempDir(),
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHTTP(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return h, srv
}

func TestHTTPBlobPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	h1, err := NewHTTP(HTTPConfig{NodeID: "n", DataDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	address, err := h1.Put(ctx, []byte("chunk bytes"))
	require.NoError(t, err)

	// A restarted node sees the same blobs.
	h2, err := NewHTTP(HTTPConfig{NodeID: "n", DataDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	data, err := h2.Fetch(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk bytes"), data)

	ok, err := h2.Has(ctx, address)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPBlobAddressIsContentHash(t *testing.T) {
	h, _ := newHTTPSubstrate(t, nil)

	payload := []byte("addressed content")
	address, err := h.Put(context.Background(), payload)
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), address)
}

func TestHTTPRejectsMalformedAddress(t *testing.T) {
	h, _ := newHTTPSubstrate(t, nil)

	_, err := h.Fetch(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestHTTPBlobServedOverWire(t *testing.T) {
	h, srv := newHTTPSubstrate(t, nil)

	address, err := h.Put(context.Background(), []byte("served"))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/blob/" + address)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPFetchFallsBackToPeer(t *testing.T) {
	remote, remoteSrv := newHTTPSubstrate(t, nil)
	address, err := remote.Put(context.Background(), []byte("remote blob"))
	require.NoError(t, err)

	local, _ := newHTTPSubstrate(t, func(c *HTTPConfig) {
		c.Peers = []string{remoteSrv.URL}
	})

	data, err := local.Fetch(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote blob"), data)
}

func TestHTTPSendDeliversMessage(t *testing.T) {
	receiver, receiverSrv := newHTTPSubstrate(t, nil)

	received := make(chan *proto.Message, 1)
	receiver.SetHandler(func(from string, msg *proto.Message) error {
		received <- msg
		return nil
	})

	sender, _ := newHTTPSubstrate(t, func(c *HTTPConfig) {
		c.NodeID = "sender"
		c.Addresses = staticBook{"receiver": receiverSrv.URL}
	})

	msg, err := proto.New(proto.MessageTypeStorageProbe, "m1", "sender", proto.StorageProbePayload{ProbeSize: 64})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), "receiver", msg))

	select {
	case got := <-received:
		assert.Equal(t, proto.MessageTypeStorageProbe, got.Type)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestHTTPSendReportsHandlerRejection(t *testing.T) {
	receiver, receiverSrv := newHTTPSubstrate(t, nil)
	receiver.SetHandler(func(string, *proto.Message) error {
		return fmt.Errorf("duplicate push")
	})

	sender, _ := newHTTPSubstrate(t, func(c *HTTPConfig) {
		c.NodeID = "sender"
		c.Addresses = staticBook{"receiver": receiverSrv.URL}
	})

	msg, err := proto.New(proto.MessageTypeStorageProbe, "m1", "sender", proto.StorageProbePayload{})
	require.NoError(t, err)
	assert.Error(t, sender.Send(context.Background(), "receiver", msg))
}

func TestHTTPMessageRateLimit(t *testing.T) {
	receiver, receiverSrv := newHTTPSubstrate(t, func(c *HTTPConfig) {
		c.MessageRate = 1
		c.MessageBurst = 1
	})
	receiver.SetHandler(func(string, *proto.Message) error { return nil })

	msg, err := proto.New(proto.MessageTypeStorageProbe, "m1", "x", proto.StorageProbePayload{})
	require.NoError(t, err)
	data, err := msg.Marshal()
	require.NoError(t, err)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		resp, err := http.Post(receiverSrv.URL+"/v1/message", "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		codes[resp.StatusCode]++
		_ = resp.Body.Close()
	}

	assert.Greater(t, codes[http.StatusTooManyRequests], 0)
}

func TestHTTPPublishReachesLocalAndRemoteSubscribers(t *testing.T) {
	remote, remoteSrv := newHTTPSubstrate(t, nil)

	local, _ := newHTTPSubstrate(t, func(c *HTTPConfig) {
		c.Peers = []string{remoteSrv.URL}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localCh, err := local.Subscribe(ctx, "registry")
	require.NoError(t, err)
	remoteCh, err := remote.Subscribe(ctx, "registry")
	require.NoError(t, err)

	require.NoError(t, local.Publish(ctx, "registry", []byte("announce")))

	for name, ch := range map[string]<-chan []byte{"local": localCh, "remote": remoteCh} {
		select {
		case data := <-ch:
			assert.Equal(t, []byte("announce"), data, name)
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber got nothing", name)
		}
	}
}

func TestHTTPWebsocketSubscription(t *testing.T) {
	node, srv := newHTTPSubstrate(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := DialSubscription(ctx, srv.URL, "registry", zerolog.Nop())
	require.NoError(t, err)

	// Give the hub a moment to register the connection.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, node.Publish(ctx, "registry", []byte("over the wire")))

	select {
	case data := <-ch:
		assert.Equal(t, []byte("over the wire"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("websocket subscriber got nothing")
	}
}
