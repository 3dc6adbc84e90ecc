package txn

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous operation. It completes
// exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// complete reports whether this call completed the future.
func (f *Future[T]) complete(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		ok = true
	})
	return ok
}

func (f *Future[T]) fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
