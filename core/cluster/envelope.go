package cluster

import (
	"fmt"
	"strings"
	"time"
)

// reservedHeaderPrefix marks headers owned by transports.
const reservedHeaderPrefix = "x-shardtx-"

type EnvelopeOption func(*Envelope)

func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// WithTTL drops the envelope when it is not handled within ttl.
func WithTTL(ttl time.Duration) EnvelopeOption {
	return func(e *Envelope) { e.TTLMs = ttl.Milliseconds() }
}

// Route names the inbox and pending request a reply belongs to.
type Route struct {
	Inbox       string `json:"inbox"`
	Correlation string `json:"correlation"`
}

// Envelope is one message on the wire, addressed to an endpoint.
type Envelope struct {
	ID       string `json:"id,omitempty"`
	Endpoint string `json:"endpoint"`
	Type     string `json:"type"`
	Data     []byte `json:"data"`
	// ReplyTo is the transport's own response address.
	ReplyTo string `json:"reply_to,omitempty"`
	// Route is set on requests expecting a reply and on the reply itself.
	Route   *Route            `json:"route,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms,omitempty"`
	TTLMs       int64 `json:"ttl_ms,omitempty"`
}

func (e Envelope) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidEnvelope)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	}
	return nil
}

// validateHeaders rejects reserved headers set by callers.
func (e Envelope) validateHeaders() error {
	for k := range e.Headers {
		if strings.HasPrefix(k, reservedHeaderPrefix) {
			return fmt.Errorf("%w: %s", ErrReservedHeader, k)
		}
	}
	return nil
}

// TTL is the time left before the envelope expires, zero when it has no TTL.
func (e Envelope) TTL() time.Duration {
	if e.TTLMs <= 0 || e.CreatedAtMs <= 0 {
		return 0
	}
	deadline := time.UnixMilli(e.CreatedAtMs + e.TTLMs)
	return max(0, time.Until(deadline))
}

func (e Envelope) Expired() bool {
	if e.TTLMs <= 0 || e.CreatedAtMs <= 0 {
		return false
	}
	return time.Now().UnixMilli() > e.CreatedAtMs+e.TTLMs
}

// stamp sets the creation time of envelopes carrying a TTL.
func (e *Envelope) stamp() {
	if e.TTLMs > 0 && e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}
}
