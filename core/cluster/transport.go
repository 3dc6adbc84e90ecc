package cluster

import (
	"context"
)

type Subscription interface {
	Unsubscribe() error
}

// Handler serves the envelopes of one endpoint. Its result is the reply
// to the requester.
type Handler = func(ctx context.Context, env Envelope) ([]byte, error)

// Transport delivers envelopes to named endpoints.
type Transport interface {
	// Request delivers env to its endpoint and waits for the handler's
	// result.
	Request(ctx context.Context, env Envelope) ([]byte, error)

	// Subscribe serves endpoint with h until ctx ends or the subscription
	// is removed.
	Subscribe(ctx context.Context, endpoint string, h Handler) (Subscription, error)

	Close() error
}
