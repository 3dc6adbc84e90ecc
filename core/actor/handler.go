package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	emptyOut struct{}

	// Reply carries the result of a message handler execution.
	Reply struct {
		Result any   // Handler return value
		Error  error // Handler error, if any
	}

	// Envelope wraps a message for delivery to an actor's mailbox.
	Envelope struct {
		Msg   any
		Reply chan Reply // nil for fire-and-forget
	}

	// Handler is the low-level interface for handling actor messages.
	// Most users should use [TypedHandlers] instead of implementing this directly.
	Handler interface {
		// InitHandler is called once when the actor starts, before processing messages.
		InitHandler(hc HandlerCtx) error
		// HandleMessage processes a message and returns a response.
		HandleMessage(hc HandlerCtx, msg any) (any, error)
	}

	// MsgHandlerFunc is the signature for message handler functions.
	MsgHandlerFunc func(hc HandlerCtx, msg any) (any, error)

	// HandlerInitFunc is called during actor initialization.
	HandlerInitFunc func(hc HandlerCtx) error

	// HandlerRegistrar allows registering message handlers with the actor.
	HandlerRegistrar interface {
		Register(msgType string, handle MsgHandlerFunc, init HandlerInitFunc)
	}

	// HandlerRegistration is a function that registers handlers with a registrar.
	// Create these using [HandleMsg], [HandleRequest], [HandleEvery], etc.
	HandlerRegistration func(registrar HandlerRegistrar)
)

// TypedHandlerRegistry dispatches incoming messages to handlers by type name.
type TypedHandlerRegistry struct {
	mu             sync.RWMutex
	inits          []HandlerInitFunc
	handlers       map[string]MsgHandlerFunc
	defaultHandler MsgHandlerFunc
}

// ToActor creates and starts an actor using this handler registry.
func (t *TypedHandlerRegistry) ToActor(opts Options) *BaseActor {
	return New(opts, t)
}

func (t *TypedHandlerRegistry) Register(msgType string, msgHandler MsgHandlerFunc, init HandlerInitFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msgType != "" && msgHandler != nil {
		t.handlers[msgType] = msgHandler
	}
	if init != nil {
		t.inits = append(t.inits, init)
	}
}

func (t *TypedHandlerRegistry) InitHandler(hc HandlerCtx) error {
	if dh, ok := t.handlers["*"]; ok {
		t.defaultHandler = dh
	} else {
		t.defaultHandler = func(hc HandlerCtx, msg any) (any, error) {
			return nil, fmt.Errorf("%w: msg_type=%s go_type=%T", ErrNoHandler, MsgTypeOf(msg), msg)
		}
	}

	for _, i := range t.inits {
		if err := i(hc); err != nil {
			return fmt.Errorf("failed to init handler: %w", err)
		}
	}
	return nil
}

func (t *TypedHandlerRegistry) HandleMessage(hc HandlerCtx, msg any) (any, error) {
	t.mu.RLock()
	h, ok := t.handlers[MsgTypeOf(msg)]
	t.mu.RUnlock()
	if !ok {
		return t.defaultHandler(hc, msg)
	}
	return h(hc, msg)
}

// TypedHandlers creates a new handler registry with the given handlers.
func TypedHandlers(handlers ...HandlerRegistration) *TypedHandlerRegistry {
	th := &TypedHandlerRegistry{
		handlers: make(map[string]MsgHandlerFunc),
	}
	for _, h := range handlers {
		h(th)
	}
	return th
}

// DefaultHandler registers a fallback handler for messages without a specific handler.
func DefaultHandler(h func(HandlerCtx, any) (any, error)) HandlerRegistration {
	return func(registrar HandlerRegistrar) {
		registrar.Register("*", h, nil)
	}
}

// Init registers an initialization function called when the actor starts.
func Init(initFunc HandlerInitFunc) HandlerRegistration {
	return func(registrar HandlerRegistrar) {
		registrar.Register("", nil, initFunc)
	}
}

// HandleMsg registers a message handler for type IN that returns no value.
func HandleMsg[IN any](msgHandler func(h HandlerCtx, i IN) error) HandlerRegistration {
	return HandleRequest[IN, emptyOut](func(h HandlerCtx, i IN) (*emptyOut, error) {
		return nil, msgHandler(h, i)
	})
}

type tickMsg struct{ mt string }

func (m tickMsg) MsgType() string { return m.mt }

// HandleEvery registers a periodic task that runs at the given interval.
// Ticks are delivered through the mailbox, so they never interleave with
// other handlers.
func HandleEvery(interval time.Duration, msgHandler func(h HandlerCtx) error) HandlerRegistration {
	msg := tickMsg{mt: "tick/" + gonanoid.Must()}

	return func(registrar HandlerRegistrar) {
		registrar.Register(
			msg.mt,
			func(hc HandlerCtx, _ any) (any, error) { return nil, msgHandler(hc) },
			func(hc HandlerCtx) error {
				tmr := time.NewTicker(interval)
				go func() {
					defer tmr.Stop()
					for {
						select {
						case <-hc.Done():
							return
						case <-tmr.C:
							if err := hc.Self().Tell(hc, msg); err != nil {
								hc.Log().Debug("failed to send tick message", slog.Any("error", err))
							}
						}
					}
				}()
				return nil
			},
		)
	}
}

// HandleRequest registers a request-response handler. Both IN and *IN
// messages are accepted.
func HandleRequest[IN any, OUT any](h func(h HandlerCtx, i IN) (*OUT, error)) HandlerRegistration {
	return func(registrar HandlerRegistrar) {
		registrar.Register(
			msgTypeFor[IN](),
			func(hc HandlerCtx, msg any) (any, error) {
				var in IN
				switch m := msg.(type) {
				case IN:
					in = m
				case *IN:
					in = *m
				default:
					return nil, fmt.Errorf("%w: %T", ErrUnexpectedType, msg)
				}
				out, err := h(hc, in)
				if err != nil {
					return nil, err
				}
				return out, nil
			},
			nil,
		)
	}
}

type sender interface {
	Send(ctx context.Context, msg Envelope) error
}

// Request sends msg to an actor and waits for the handler's result.
func Request[OUT any](ctx context.Context, r sender, msg any) (*OUT, error) {
	res, err := RawRequest(ctx, r, msg)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	out, ok := res.(*OUT)
	if !ok {
		return nil, fmt.Errorf("%w: reply %T", ErrUnexpectedType, res)
	}
	return out, nil
}

// Publish sends msg and waits until it has been handled.
func Publish(ctx context.Context, r sender, msg any) error {
	_, err := RawRequest(ctx, r, msg)
	return err
}

// RawRequest sends msg and returns the untyped handler result.
func RawRequest(ctx context.Context, r sender, msg any) (any, error) {
	replyChan := make(chan Reply, 1)
	if err := r.Send(ctx, Envelope{Msg: msg, Reply: replyChan}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyChan:
		return reply.Result, reply.Error
	}
}
