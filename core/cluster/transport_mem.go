package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// responseFrame carries a handler result back to the requester.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

type MemoryTransportOpts struct {
	// HandlerTimeout bounds each handler call. Zero means no bound.
	HandlerTimeout time.Duration
	// MaxConcurrentHandlers caps handlers running at once. Zero means no cap.
	MaxConcurrentHandlers int
}

// MemoryTransport delivers envelopes between subscribers of one process.
type MemoryTransport struct {
	mu   sync.RWMutex
	log  *slog.Logger
	opts MemoryTransportOpts
	sem  *semaphore.Weighted

	closed   bool
	handlers sync.WaitGroup

	// endpoint -> subID -> handler
	subs map[string]map[string]Handler
	// inbox -> response channel
	inboxes map[string]chan []byte

	seq atomic.Uint64
}

var _ Transport = (*MemoryTransport)(nil)

func NewInMemoryTransport(opts ...MemoryTransportOpts) *MemoryTransport {
	var o MemoryTransportOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	t := &MemoryTransport{
		log:     slog.New(slog.DiscardHandler),
		opts:    o,
		subs:    make(map[string]map[string]Handler),
		inboxes: make(map[string]chan []byte),
	}
	if o.MaxConcurrentHandlers > 0 {
		t.sem = semaphore.NewWeighted(int64(o.MaxConcurrentHandlers))
	}
	return t
}

// WithLog sets the transport logger. A nil log keeps the current one.
func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	if log == nil {
		return t
	}
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

func (t *MemoryTransport) Request(ctx context.Context, env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := env.validateHeaders(); err != nil {
		return nil, err
	}
	env.stamp()
	if env.Expired() {
		return nil, ErrEnvelopeExpired
	}

	inbox := fmt.Sprintf("inbox.%d", t.seq.Add(1))
	replyCh, err := t.registerInbox(inbox)
	if err != nil {
		return nil, err
	}
	defer t.unregisterInbox(inbox)
	env.ReplyTo = inbox

	h, err := t.pick(env.Endpoint)
	if err != nil {
		return nil, err
	}
	go t.invokeHandler(h, env)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-replyCh:
		if !ok {
			return nil, ErrTransportClosed
		}
		var rf responseFrame
		if err := json.Unmarshal(b, &rf); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if rf.Err != "" {
			return nil, errors.New(rf.Err)
		}
		return rf.Data, nil
	}
}

// pick returns one handler of endpoint and reserves a slot for it.
func (t *MemoryTransport) pick(endpoint string) (Handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	for _, h := range t.subs[endpoint] {
		t.handlers.Add(1)
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSubscriber, endpoint)
}

func (t *MemoryTransport) Subscribe(ctx context.Context, endpoint string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.subs[endpoint] == nil {
		t.subs[endpoint] = make(map[string]Handler)
	}
	subID := fmt.Sprintf("sub.%d", t.seq.Add(1))
	t.subs[endpoint][subID] = h

	s := &subscription{
		t:        t,
		log:      t.log.With(slog.String("subscription", subID), slog.String("endpoint", endpoint)),
		endpoint: endpoint,
		subID:    subID,
	}
	s.log.Debug("subscribed")
	context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	return s, nil
}

// Close stops accepting requests and waits for running handlers.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	clear(t.subs)
	t.mu.Unlock()

	t.handlers.Wait()

	t.mu.Lock()
	for k, ch := range t.inboxes {
		close(ch)
		delete(t.inboxes, k)
	}
	t.mu.Unlock()

	t.log.Debug("closed")
	return nil
}

type subscription struct {
	t        *MemoryTransport
	log      *slog.Logger
	endpoint string
	subID    string
	once     sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		defer s.t.mu.Unlock()
		if subs := s.t.subs[s.endpoint]; subs != nil {
			delete(subs, s.subID)
			if len(subs) == 0 {
				delete(s.t.subs, s.endpoint)
			}
		}
		s.log.Debug("unsubscribed")
	})
	return nil
}

func (t *MemoryTransport) invokeHandler(h Handler, env Envelope) {
	defer t.handlers.Done()

	ctx := context.Background()
	if ttl := env.TTL(); ttl > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}
	if t.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.HandlerTimeout)
		defer cancel()
	}

	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			t.respond(env.ReplyTo, nil, ErrHandlerTimeout)
			return
		}
		defer t.sem.Release(1)
	}

	resp, err := h(ctx, env)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrHandlerTimeout, err)
	}
	if err != nil {
		t.log.Debug("handler failed", slog.String("endpoint", env.Endpoint), slog.String("type", env.Type), slog.Any("error", err))
	}
	t.respond(env.ReplyTo, resp, err)
}

func (t *MemoryTransport) respond(inbox string, data []byte, err error) {
	rf := responseFrame{Data: data}
	if err != nil {
		rf.Err = err.Error()
		rf.Data = nil
	}
	b, _ := json.Marshal(rf)

	t.mu.RLock()
	defer t.mu.RUnlock()
	ch := t.inboxes[inbox]
	if ch == nil {
		t.log.Debug("dropping response", slog.String("inbox", inbox))
		return
	}
	select {
	case ch <- b:
	default:
	}
}

func (t *MemoryTransport) registerInbox(inbox string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	ch := make(chan []byte, 1)
	t.inboxes[inbox] = ch
	return ch, nil
}

// unregisterInbox forgets the inbox without closing it; a late handler may
// still hold it.
func (t *MemoryTransport) unregisterInbox(inbox string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inboxes, inbox)
}
