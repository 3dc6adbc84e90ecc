package actor

import (
	"context"
	"log/slog"
)

type (
	// Ref is a send-only handle to an actor mailbox.
	Ref interface {
		Tell(ctx context.Context, msg any) error
	}

	// HandlerCtx is passed to every handler invocation.
	HandlerCtx interface {
		context.Context
		Log() *slog.Logger
		// Schedule runs f outside the mailbox loop.
		Schedule(f scheduleFunc)
		// Self returns a reference to the actor's own mailbox.
		Self() Ref
	}
)

type handlerCtx struct {
	context.Context
	log   *slog.Logger
	self  Ref
	sched Scheduler
}

func (hc *handlerCtx) Schedule(f scheduleFunc) { hc.sched.Schedule(f) }
func (hc *handlerCtx) Log() *slog.Logger       { return hc.log }
func (hc *handlerCtx) Self() Ref               { return hc.self }

var _ HandlerCtx = (*handlerCtx)(nil)
