package shard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Replicator submits payloads to the replicated log. Replicate only
// enqueues; the outcome reaches the shard as LogEntryCommitted or
// ReplicationFailed.
type Replicator interface {
	Replicate(ctx context.Context, txID TransactionIdentifier, payload []byte) error
}

// LocalReplicator commits every payload immediately. It serves single-replica
// shards and tests, optionally appending to a MemoryJournal.
type LocalReplicator struct {
	target  Ref
	journal *MemoryJournal
	log     *slog.Logger
	index   atomic.Uint64

	once      sync.Once
	closeOnce sync.Once
	queue     chan LogEntry
	done      chan struct{}
	// hold, when set, parks commits until Release.
	mu      sync.Mutex
	held    bool
	pending []LogEntry
}

// NewLocalReplicator returns a replicator delivering to target. Bind the
// target later with SetTarget when the shard does not exist yet.
func NewLocalReplicator(target Ref, journal *MemoryJournal) *LocalReplicator {
	return &LocalReplicator{
		target:  target,
		journal: journal,
		log:     slog.Default(),
		queue:   make(chan LogEntry, 1024),
		done:    make(chan struct{}),
	}
}

func (r *LocalReplicator) SetTarget(target Ref) { r.target = target }

// Hold parks subsequent commits, simulating a leader without quorum.
func (r *LocalReplicator) Hold() {
	r.mu.Lock()
	r.held = true
	r.mu.Unlock()
}

// Release delivers everything parked by Hold.
func (r *LocalReplicator) Release() {
	r.mu.Lock()
	r.held = false
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, e := range pending {
		select {
		case r.queue <- e:
		case <-r.done:
			return
		}
	}
}

func (r *LocalReplicator) Replicate(ctx context.Context, txID TransactionIdentifier, payload []byte) error {
	select {
	case <-r.done:
		return ErrReplicatorClosed
	default:
	}
	r.once.Do(func() { go r.run() })

	e := LogEntry{Index: r.index.Add(1), Payload: payload}
	if r.journal != nil {
		r.journal.Append(e)
	}

	r.mu.Lock()
	if r.held {
		r.pending = append(r.pending, e)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	select {
	case r.queue <- e:
		return nil
	case <-r.done:
		return ErrReplicatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops delivery. Entries not yet delivered are dropped and later
// Replicate calls fail with ErrReplicatorClosed.
func (r *LocalReplicator) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *LocalReplicator) run() {
	for {
		select {
		case <-r.done:
			return
		case e := <-r.queue:
			if err := r.target.Tell(context.Background(), LogEntryCommitted{Entry: e}); err != nil {
				r.log.Warn("local replicator: deliver failed", slog.Uint64("index", e.Index), slog.Any("error", err))
			}
		}
	}
}

var _ Replicator = (*LocalReplicator)(nil)
