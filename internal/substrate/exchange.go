package substrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// Exchange correlates request messages with their replies. Replies
// reuse the request's envelope ID; the inbound dispatcher calls Resolve
// and falls through to normal handling when no request is pending.
type Exchange struct {
	messenger Messenger

	mu      sync.Mutex
	pending map[string]chan *proto.Message
}

// NewExchange wraps a messenger with reply correlation.
func NewExchange(m Messenger) *Exchange {
	return &Exchange{
		messenger: m,
		pending:   make(map[string]chan *proto.Message),
	}
}

// Request sends a message and waits for the matching reply or ctx
// expiry. Callers bound the wait with a deadline.
func (e *Exchange) Request(ctx context.Context, peer string, msg *proto.Message) (*proto.Message, error) {
	ch := make(chan *proto.Message, 1)

	e.mu.Lock()
	if _, exists := e.pending[msg.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("substrate: duplicate request ID %s", msg.ID)
	}
	e.pending[msg.ID] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, msg.ID)
		e.mu.Unlock()
	}()

	if err := e.messenger.Send(ctx, peer, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("substrate: awaiting reply to %s from %s: %w", msg.ID, peer, ctx.Err())
	}
}

// Resolve hands an inbound message to a waiting request. It returns
// false when no request is pending under the message's ID, in which
// case the caller dispatches it normally.
func (e *Exchange) Resolve(msg *proto.Message) bool {
	e.mu.Lock()
	ch, ok := e.pending[msg.ID]
	if ok {
		delete(e.pending, msg.ID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}
