package actor

import "errors"

var (
	ErrStopped        = errors.New("actor stopped")
	ErrHandlerPanic   = errors.New("handler panicked")
	ErrNoHandler      = errors.New("no handler for message")
	ErrUnexpectedType = errors.New("unexpected message type")
)
