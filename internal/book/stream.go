package book

import (
	"context"

	"perp-hedger/pkg/types"
)

// Stream delivers order-book frames to registered handlers.
//
// Handlers run on the stream's delivery goroutine and must not block;
// the intended consumer is a Slot update plus a non-blocking wakeup.
type Stream interface {
	// Subscribe registers a handler for one symbol. All subscriptions
	// must be in place before Start.
	Subscribe(symbol string, fn func(*types.OrderBook))

	// Start begins delivery on background goroutines and returns.
	Start(ctx context.Context) error

	// Stop halts delivery and releases the transport. It blocks until
	// the delivery goroutines have exited.
	Stop()
}
