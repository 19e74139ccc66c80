package substrate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// hub fans topic payloads out to in-process channel subscribers and
// remote websocket subscribers.
type hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	chans  map[string][]chan []byte
	conns  map[string][]*wsClient
	closed bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		logger: logger.With().Str("component", "substrate-hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		chans: make(map[string][]chan []byte),
		conns: make(map[string][]*wsClient),
	}
}

func (h *hub) subscribe(ctx context.Context, topic string) <-chan []byte {
	ch := make(chan []byte, 64)

	h.mu.Lock()
	h.chans[topic] = append(h.chans[topic], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		subs := h.chans[topic]
		for i, c := range subs {
			if c == ch {
				h.chans[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}()

	return ch
}

// broadcast delivers best-effort: slow channel subscribers are skipped
// and dead websocket clients are dropped.
func (h *hub) broadcast(topic string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.chans[topic] {
		select {
		case ch <- append([]byte(nil), data...):
		default:
		}
	}

	alive := h.conns[topic][:0]
	for _, c := range h.conns[topic] {
		select {
		case c.send <- append([]byte(nil), data...):
			alive = append(alive, c)
		default:
			close(c.send)
		}
	}
	h.conns[topic] = alive
}

func (h *hub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conns[topic] = append(h.conns[topic], client)
	h.mu.Unlock()

	go client.writeLoop()
	go client.readLoop()
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames; subscribers are receive-only. It
// exists to notice closed connections.
func (c *wsClient) readLoop() {
	defer func() { _ = c.conn.Close() }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for topic, clients := range h.conns {
		for _, c := range clients {
			close(c.send)
		}
		h.conns[topic] = nil
	}
}

// DialSubscription connects to a remote peer's subscription endpoint,
// delivering payloads until ctx is cancelled. Used by nodes that want a
// peer's announcements without that peer knowing them as a fan-out
// target.
func DialSubscription(ctx context.Context, baseURL, topic string, logger zerolog.Logger) (<-chan []byte, error) {
	wsURL := "ws" + baseURL[len("http"):] + "/v1/subscribe?topic=" + topic

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 64)
	go func() {
		defer func() {
			_ = conn.Close()
			close(ch)
		}()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case ch <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
