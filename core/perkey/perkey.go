// Package perkey runs work in order per key and in parallel across keys.
// Cluster nodes use it to keep envelopes to one endpoint in the order they
// were sent while endpoints are served independently.
package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("perkey: queue closed")

const (
	DefaultBufferSize  = 64
	DefaultIdleTimeout = time.Minute
)

type options struct {
	bufferSize int
	idle       time.Duration
}

// Config tunes New. Zero fields take the defaults.
type Config struct {
	// BufferSize is the number of tasks a key holds before Enqueue blocks.
	BufferSize int
	// IdleTimeout stops a key's worker after it had nothing to do for that
	// long. The next task for the key starts a new one.
	IdleTimeout time.Duration
}

// Queue serializes tasks per key. Each active key has one worker
// goroutine draining its buffer.
type Queue[K comparable] struct {
	opts options

	mu      sync.Mutex
	workers map[K]*worker
	closed  bool
	sending sync.WaitGroup
	running sync.WaitGroup
}

type worker struct {
	tasks chan task
	// senders counts Enqueue calls holding this worker outside the lock.
	senders atomic.Int32
}

type task struct {
	fn     func() error
	onDone func(error)
}

func New[K comparable](cfg Config) *Queue[K] {
	o := options{bufferSize: cfg.BufferSize, idle: cfg.IdleTimeout}
	if o.bufferSize <= 0 {
		o.bufferSize = DefaultBufferSize
	}
	if o.idle <= 0 {
		o.idle = DefaultIdleTimeout
	}
	return &Queue[K]{opts: o, workers: make(map[K]*worker)}
}

// Enqueue schedules fn after every task queued for key before it. It
// blocks only while the key's buffer is full. onDone, when set, gets fn's
// result on the worker goroutine.
func (q *Queue[K]) Enqueue(ctx context.Context, key K, fn func() error, onDone func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	w, ok := q.workers[key]
	if !ok {
		w = &worker{tasks: make(chan task, q.opts.bufferSize)}
		q.workers[key] = w
		q.running.Add(1)
		go q.run(key, w)
	}
	w.senders.Add(1)
	q.sending.Add(1)
	q.mu.Unlock()

	defer func() {
		w.senders.Add(-1)
		q.sending.Done()
	}()
	select {
	case w.tasks <- task{fn: fn, onDone: onDone}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn in key's order and waits for its result. A task already
// queued still runs when ctx ends first.
func (q *Queue[K]) Do(ctx context.Context, key K, fn func() error) error {
	done := make(chan error, 1)
	if err := q.Enqueue(ctx, key, fn, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active counts keys with a running worker.
func (q *Queue[K]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Close rejects new tasks and waits until the queued ones ran.
func (q *Queue[K]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.sending.Wait()

	q.mu.Lock()
	for _, w := range q.workers {
		close(w.tasks)
	}
	q.workers = map[K]*worker{}
	q.mu.Unlock()

	q.running.Wait()
}

func (q *Queue[K]) run(key K, w *worker) {
	defer q.running.Done()
	idle := time.NewTimer(q.opts.idle)
	defer idle.Stop()
	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			err := t.fn()
			if t.onDone != nil {
				t.onDone(err)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.opts.idle)
		case <-idle.C:
			if q.retire(key, w) {
				return
			}
			idle.Reset(q.opts.idle)
		}
	}
}

// retire removes w for key unless a task is queued or on its way.
func (q *Queue[K]) retire(key K, w *worker) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(w.tasks) > 0 || w.senders.Load() > 0 {
		return false
	}
	delete(q.workers, key)
	return true
}
