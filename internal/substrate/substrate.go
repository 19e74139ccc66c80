// Package substrate abstracts the peer network the persistence layer
// runs over: direct peer messaging, content-addressed blob storage and
// topic pub/sub. The persistence layer assumes none of it is reliable;
// every consistency property is enforced above this interface.
package substrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// ErrNotFound indicates a blob is absent from the store.
var ErrNotFound = errors.New("substrate: blob not found")

// Store is content-addressed blob storage. Put returns the blob's
// address; Fetch and Has take that address. Addresses are hex SHA-256
// of the content, so a tampered blob is detectable by readers.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Fetch(ctx context.Context, address string) ([]byte, error)
	Has(ctx context.Context, address string) (bool, error)
}

// PubSub is best-effort topic fan-out, used for registry snapshot
// announcements. Delivery may drop or reorder; subscribers reconcile
// via directory merges.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// Messenger delivers protocol messages to a named peer.
type Messenger interface {
	Send(ctx context.Context, peer string, msg *proto.Message) error
}

// Handler consumes inbound protocol messages. A non-nil return is
// reported to the sender as a transport-level failure.
type Handler func(from string, msg *proto.Message) error

// Substrate is the full peer-network surface.
type Substrate interface {
	Store
	PubSub
	Messenger

	// SetHandler registers the inbound message consumer.
	SetHandler(h Handler)
}

// AddressBook resolves a peer ID to a dialable base URL. The registry
// entry carries the ID; the mesh layer knows where the peer lives.
type AddressBook interface {
	Resolve(peer string) (string, error)
}

// StaticBook resolves peers from a fixed map, typically loaded from the
// node's config file.
type StaticBook map[string]string

func (b StaticBook) Resolve(peer string) (string, error) {
	url, ok := b[peer]
	if !ok {
		return "", fmt.Errorf("substrate: no address for peer %s", peer)
	}
	return url, nil
}
