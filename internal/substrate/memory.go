package substrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// Memory is an in-process substrate connecting multiple nodes through a
// shared Bus. It delivers synchronously, which keeps tests
// deterministic; fault injection is done per node with Partition.
type Memory struct {
	id  string
	bus *Bus

	mu          sync.RWMutex
	handler     Handler
	partitioned bool
}

// Bus is the shared fabric Memory nodes attach to.
type Bus struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	nodes  map[string]*Memory
	topics map[string][]chan []byte
}

// NewBus creates an empty in-process fabric.
func NewBus() *Bus {
	return &Bus{
		blobs:  make(map[string][]byte),
		nodes:  make(map[string]*Memory),
		topics: make(map[string][]chan []byte),
	}
}

// Attach joins a node to the bus under the given ID.
func (b *Bus) Attach(id string) *Memory {
	m := &Memory{id: id, bus: b}
	b.mu.Lock()
	b.nodes[id] = m
	b.mu.Unlock()
	return m
}

// Detach removes a node, simulating a crash or departure.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	delete(b.nodes, id)
	b.mu.Unlock()
}

// SetHandler registers the inbound message consumer.
func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Partition toggles whether this node can be reached or reach others.
func (m *Memory) Partition(on bool) {
	m.mu.Lock()
	m.partitioned = on
	m.mu.Unlock()
}

func (m *Memory) isPartitioned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.partitioned
}

// Put stores a blob under its content address.
func (m *Memory) Put(_ context.Context, data []byte) (string, error) {
	if m.isPartitioned() {
		return "", fmt.Errorf("substrate: node %s unreachable", m.id)
	}
	sum := sha256.Sum256(data)
	address := hex.EncodeToString(sum[:])

	m.bus.mu.Lock()
	m.bus.blobs[address] = append([]byte(nil), data...)
	m.bus.mu.Unlock()
	return address, nil
}

// Fetch retrieves a blob by content address.
func (m *Memory) Fetch(_ context.Context, address string) ([]byte, error) {
	if m.isPartitioned() {
		return nil, fmt.Errorf("substrate: node %s unreachable", m.id)
	}
	m.bus.mu.RLock()
	data, ok := m.bus.blobs[address]
	m.bus.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Has reports whether a blob exists.
func (m *Memory) Has(_ context.Context, address string) (bool, error) {
	if m.isPartitioned() {
		return false, fmt.Errorf("substrate: node %s unreachable", m.id)
	}
	m.bus.mu.RLock()
	_, ok := m.bus.blobs[address]
	m.bus.mu.RUnlock()
	return ok, nil
}

// Publish fans a payload out to current topic subscribers. Subscribers
// with full buffers are skipped, matching best-effort semantics.
func (m *Memory) Publish(_ context.Context, topic string, data []byte) error {
	if m.isPartitioned() {
		return fmt.Errorf("substrate: node %s unreachable", m.id)
	}
	m.bus.mu.RLock()
	subs := append([]chan []byte(nil), m.bus.topics[topic]...)
	m.bus.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- append([]byte(nil), data...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of topic payloads. The subscription ends
// when ctx is cancelled.
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)

	m.bus.mu.Lock()
	m.bus.topics[topic] = append(m.bus.topics[topic], ch)
	m.bus.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.bus.mu.Lock()
		subs := m.bus.topics[topic]
		for i, c := range subs {
			if c == ch {
				m.bus.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.bus.mu.Unlock()
	}()

	return ch, nil
}

// Send delivers a protocol message to another node's handler.
func (m *Memory) Send(_ context.Context, peer string, msg *proto.Message) error {
	if m.isPartitioned() {
		return fmt.Errorf("substrate: node %s unreachable", m.id)
	}

	m.bus.mu.RLock()
	target, ok := m.bus.nodes[peer]
	m.bus.mu.RUnlock()
	if !ok {
		return fmt.Errorf("substrate: peer %s not attached", peer)
	}
	if target.isPartitioned() {
		return fmt.Errorf("substrate: peer %s unreachable", peer)
	}

	target.mu.RLock()
	handler := target.handler
	target.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("substrate: peer %s has no handler", peer)
	}
	return handler(m.id, msg)
}
