package cluster

import "errors"

var (
	// Transport errors
	ErrTransportClosed = errors.New("transport closed")
	ErrNoSubscriber    = errors.New("no subscriber for endpoint")

	// Envelope errors
	ErrEnvelopeExpired = errors.New("envelope TTL expired")
	ErrReservedHeader  = errors.New("cannot set reserved header")
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// Handler errors
	ErrHandlerTimeout     = errors.New("handler exceeded deadline")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNotHosted          = errors.New("shard not hosted")
	ErrNodeClosed         = errors.New("node closed")
)
