package chain

import (
	"context"
	"errors"

	"github.com/vietddude/relay/internal/core/domain"
)

// ErrUnknownEvent is returned for a signature the contract ABI does not declare.
var ErrUnknownEvent = errors.New("unknown event signature")

// Subscription is a live event feed. Err is closed on Unsubscribe.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// EventSource is the boundary between the relay and the chain it watches.
type EventSource interface {
	// Subscribe delivers every new occurrence of signature to sink until the
	// subscription is cancelled. Reconnects are handled by the source.
	Subscribe(ctx context.Context, signature string, sink chan<- domain.RawEvent) (Subscription, error)

	// QueryRange returns historical occurrences in [from, to], inclusive.
	QueryRange(ctx context.Context, signature string, from, to uint64) ([]domain.RawEvent, error)

	// CurrentBlockHeight returns the chain head.
	CurrentBlockHeight(ctx context.Context) (uint64, error)
}

// Confirmer writes an advisory acknowledgement back to the chain once an
// event has a log sequence number.
type Confirmer interface {
	Confirm(ctx context.Context, fingerprint string, sequenceNumber uint64) error
}
