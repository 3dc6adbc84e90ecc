package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardtx/core/cluster"
)

type TransportConfig struct {
	Connect Connector    // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	// SubjectPrefix namespaces endpoints, e.g. "prod" -> prod.shardtx.shard.<member>.<shard>
	SubjectPrefix string
	// HandlerTimeout bounds each handler call. Zero means no bound.
	HandlerTimeout time.Duration
}

// Transport carries cluster envelopes over NATS request/reply. Each
// endpoint is one subject; a subscription handles its messages one at a
// time, so envelopes to one endpoint are served in arrival order.
type Transport struct {
	nc      *natsgo.Conn
	closeNc func()
	log     *slog.Logger
	prefix  string
	timeout time.Duration

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

// responseFrame must match the in-memory transport's response encoding.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

var _ cluster.Transport = (*Transport)(nil)

func NewTransport(cfg TransportConfig) (*Transport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Transport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.HandlerTimeout,
		subs:    make(map[*natsgo.Subscription]struct{}),
	}, nil
}

func (t *Transport) subject(endpoint string) string {
	if t.prefix == "" {
		return endpoint
	}
	return t.prefix + "." + endpoint
}

func (t *Transport) Request(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.TTLMs > 0 && env.CreatedAtMs == 0 {
		env.CreatedAtMs = time.Now().UnixMilli()
	}
	if env.Expired() {
		return nil, cluster.ErrEnvelopeExpired
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	msg, err := t.nc.RequestWithContext(ctx, t.subject(env.Endpoint), payload)
	if err != nil {
		if errors.Is(err, natsgo.ErrNoResponders) {
			return nil, fmt.Errorf("%w: %s", cluster.ErrNoSubscriber, env.Endpoint)
		}
		return nil, fmt.Errorf("nats: request %s: %w", env.Endpoint, err)
	}

	var rf responseFrame
	if err := json.Unmarshal(msg.Data, &rf); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rf.Err != "" {
		return nil, errors.New(rf.Err)
	}
	return rf.Data, nil
}

func (t *Transport) Subscribe(ctx context.Context, endpoint string, h cluster.Handler) (cluster.Subscription, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}
	log := t.log.With(slog.String("endpoint", endpoint))

	sub, err := t.nc.Subscribe(t.subject(endpoint), func(msg *natsgo.Msg) {
		var env cluster.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error("failed to decode envelope", slog.Any("error", err))
			return
		}
		data, err := t.invoke(ctx, h, env)
		rf := responseFrame{Data: data}
		if err != nil {
			rf.Err = err.Error()
			rf.Data = nil
		}
		b, _ := json.Marshal(rf)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(b); err != nil {
			log.Error("failed to publish reply", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", endpoint, err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	s := &subscription{sub: sub, t: t}
	context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	log.Debug("subscribed")
	return s, nil
}

func (t *Transport) invoke(ctx context.Context, h cluster.Handler, env cluster.Envelope) ([]byte, error) {
	if env.Expired() {
		return nil, cluster.ErrEnvelopeExpired
	}
	if ttl := env.TTL(); ttl > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	data, err := h(ctx, env)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", cluster.ErrHandlerTimeout, err)
	}
	return data, err
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	for s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = map[*natsgo.Subscription]struct{}{}
	t.mu.Unlock()
	if t.nc != nil {
		_ = t.nc.Drain()
		t.closeNc()
	}
	t.log.Debug("closed")
	return nil
}

type subscription struct {
	sub  *natsgo.Subscription
	t    *Transport
	once sync.Once
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		if errors.Is(err, natsgo.ErrConnectionClosed) || errors.Is(err, natsgo.ErrBadSubscription) {
			err = nil
		}
		s.t.mu.Lock()
		delete(s.t.subs, s.sub)
		s.t.mu.Unlock()
	})
	return err
}
