package substrate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

const maxInboundBody = 4 << 20 // chunks are 64KiB; 4MiB leaves headroom for envelopes

// HTTPConfig holds the network substrate's settings.
type HTTPConfig struct {
	NodeID string
	Listen string
	// DataDir is where blobs are kept. Holders must survive restarts,
	// so the store is disk-backed.
	DataDir string
	// Peers are base URLs of substrate neighbors used for blob fetch
	// fallback, publish fan-out and subscriptions.
	Peers []string
	// Addresses resolves peer IDs for direct messages.
	Addresses AddressBook
	TLS       *tls.Config
	// MessageRate limits inbound messages per second (default 100).
	MessageRate  int
	MessageBurst int
	Logger       zerolog.Logger
}

// HTTP is the production substrate: JSON messages and blobs over HTTP,
// topic fan-out over websockets.
type HTTP struct {
	cfg    HTTPConfig
	logger zerolog.Logger
	client *http.Client

	handlerMu sync.RWMutex
	handler   Handler

	limiter *rate.Limiter
	hub     *hub
	server  *http.Server

	blobMu sync.RWMutex

	wg sync.WaitGroup
}

// NewHTTP creates the substrate. Start must be called before peers can
// reach this node.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("substrate: node ID required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("substrate: data dir required")
	}
	if cfg.MessageRate == 0 {
		cfg.MessageRate = 100
	}
	if cfg.MessageBurst == 0 {
		cfg.MessageBurst = 200
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "blobs"), 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	h := &HTTP{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "substrate").Logger(),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     tlsConfig,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		hub:     newHub(cfg.Logger),
	}
	return h, nil
}

// SetHandler registers the inbound message consumer.
func (h *HTTP) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

// Routes returns the substrate's HTTP surface.
func (h *HTTP) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/message", h.handleMessage)
	mux.HandleFunc("PUT /v1/blob", h.handlePutBlob)
	mux.HandleFunc("GET /v1/blob/{address}", h.handleGetBlob)
	mux.HandleFunc("HEAD /v1/blob/{address}", h.handleGetBlob)
	mux.HandleFunc("POST /v1/publish", h.handlePublish)
	mux.HandleFunc("GET /v1/subscribe", h.hub.handleSubscribe)
	return mux
}

// Start begins serving the substrate endpoints.
func (h *HTTP) Start() error {
	h.server = &http.Server{
		Addr:              h.cfg.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info().Str("listen", h.cfg.Listen).Msg("Substrate listening")
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("Substrate server failed")
		}
	}()
	return nil
}

// Stop shuts the substrate down, draining in-flight requests.
func (h *HTTP) Stop(ctx context.Context) error {
	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown substrate: %w", err)
		}
	}
	h.hub.close()
	h.wg.Wait()
	return nil
}

func (h *HTTP) blobPath(address string) (string, error) {
	if len(address) != 64 || strings.ContainsAny(address, "/\\.") {
		return "", fmt.Errorf("substrate: malformed address %q", address)
	}
	return filepath.Join(h.cfg.DataDir, "blobs", address), nil
}

// Put stores a blob locally under its content address.
func (h *HTTP) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	address := hex.EncodeToString(sum[:])
	path, err := h.blobPath(address)
	if err != nil {
		return "", err
	}

	h.blobMu.Lock()
	defer h.blobMu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return address, nil
}

// Fetch retrieves a blob, trying local disk first and then each
// configured peer. Fetched content is verified against its address
// before being returned.
func (h *HTTP) Fetch(ctx context.Context, address string) ([]byte, error) {
	path, err := h.blobPath(address)
	if err != nil {
		return nil, err
	}

	h.blobMu.RLock()
	data, readErr := os.ReadFile(path)
	h.blobMu.RUnlock()
	if readErr == nil {
		return data, nil
	}

	for _, peer := range h.cfg.Peers {
		data, err := h.fetchFrom(ctx, peer, address)
		if err != nil {
			h.logger.Debug().Err(err).Str("peer", peer).Str("address", address).Msg("Peer blob fetch failed")
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != address {
			h.logger.Warn().Str("peer", peer).Str("address", address).Msg("Peer served corrupt blob")
			continue
		}
		return data, nil
	}
	return nil, ErrNotFound
}

// Has reports whether the blob exists locally.
func (h *HTTP) Has(_ context.Context, address string) (bool, error) {
	path, err := h.blobPath(address)
	if err != nil {
		return false, err
	}
	h.blobMu.RLock()
	_, statErr := os.Stat(path)
	h.blobMu.RUnlock()
	return statErr == nil, nil
}

func (h *HTTP) fetchFrom(ctx context.Context, peer, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+"/v1/blob/"+address, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxInboundBody))
}

// Send delivers a protocol message to a peer over HTTP.
func (h *HTTP) Send(ctx context.Context, peer string, msg *proto.Message) error {
	if h.cfg.Addresses == nil {
		return fmt.Errorf("substrate: no address book configured")
	}
	base, err := h.cfg.Addresses.Resolve(peer)
	if err != nil {
		return fmt.Errorf("resolve peer %s: %w", peer, err)
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/message", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-ID", h.cfg.NodeID)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("peer %s rejected message: status %d: %s", peer, resp.StatusCode, string(body))
	}
	return nil
}

// Publish fans a payload out to local subscribers and every configured
// peer. Peer failures are logged and skipped.
func (h *HTTP) Publish(ctx context.Context, topic string, data []byte) error {
	h.hub.broadcast(topic, data)

	for _, peer := range h.cfg.Peers {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/v1/publish?topic="+topic, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("X-Node-ID", h.cfg.NodeID)
		resp, err := h.client.Do(req)
		if err != nil {
			h.logger.Debug().Err(err).Str("peer", peer).Str("topic", topic).Msg("Publish to peer failed")
			continue
		}
		_ = resp.Body.Close()
	}
	return nil
}

// Subscribe returns a channel of topic payloads from the local hub.
// Remote publishers reach it through their Publish fan-out.
func (h *HTTP) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	return h.hub.subscribe(ctx, topic), nil
}

func (h *HTTP) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	msg, err := proto.Unmarshal(body)
	if err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	from := r.Header.Get("X-Node-ID")
	if from == "" {
		from = msg.From
	}

	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()
	if handler == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	if err := handler(from, msg); err != nil {
		h.logger.Debug().Err(err).Str("from", from).Str("type", string(msg.Type)).Msg("Inbound message rejected")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTP) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	address, err := h.Put(r.Context(), data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"address": address})
}

func (h *HTTP) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	path, err := h.blobPath(r.PathValue("address"))
	if err != nil {
		http.Error(w, "malformed address", http.StatusBadRequest)
		return
	}

	h.blobMu.RLock()
	data, readErr := os.ReadFile(path)
	h.blobMu.RUnlock()
	if readErr != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (h *HTTP) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic required", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	h.hub.broadcast(topic, data)
	w.WriteHeader(http.StatusAccepted)
}
