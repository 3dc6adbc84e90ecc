package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/shardtx/core/shard"
)

const (
	defaultJournalStream  = "SHARDTX_LOG"
	defaultJournalSubject = "shardtx.log"
	defaultSnapshotBucket = "shardtx_snapshots"
	fetchBatch            = 100
)

type JournalConfig struct {
	Connect Connector    // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)

	// Shard is the shard whose log this is. Every replica of the shard
	// shares it.
	Shard string
	// StreamName holds the logs of all shards, SHARDTX_LOG by default.
	StreamName string
	// SubjectPrefix is followed by the shard name, shardtx.log by default.
	SubjectPrefix string
	// SnapshotBucket keeps the latest snapshot per shard.
	SnapshotBucket string
	// Replicas of the stream and bucket, 1 when zero.
	Replicas int
	// QueueSize bounds payloads waiting to be published.
	QueueSize int
}

type pendingPayload struct {
	txID    shard.TransactionIdentifier
	payload []byte
}

// Journal is a shard log kept in a JetStream stream. It replicates by
// publishing: an entry is committed once the stream acknowledged it, and
// its stream sequence becomes the log index. Snapshots go to a key-value
// bucket, and the entries they cover are purged from the stream.
//
// It serves single-replica shards that need durability without a
// consensus layer of their own: JetStream replicates the stream.
type Journal struct {
	nc      *natsgo.Conn
	closeNc func()
	js      jetstream.JetStream
	stream  jetstream.Stream
	snaps   *KvStore[shard.JournalSnapshot]
	log     *slog.Logger
	key     string
	subject string

	mu     sync.RWMutex
	target shard.Ref

	queue     chan pendingPayload
	once      sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var (
	ErrJournalClosed = errors.New("nats journal closed")
	ErrNoTarget      = errors.New("nats journal has no target")
)

var (
	_ shard.Journal    = (*Journal)(nil)
	_ shard.Replicator = (*Journal)(nil)
)

func NewJournal(ctx context.Context, cfg JournalConfig) (*Journal, error) {
	if cfg.Shard == "" {
		return nil, errors.New("shard is required")
	}
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultJournalStream
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultJournalSubject
	}
	bucket := cfg.SnapshotBucket
	if bucket == "" {
		bucket = defaultSnapshotBucket
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log = log.With(slog.String("journal", "nats_js"), slog.String("stream", streamName), slog.String("shard", cfg.Shard))
	stream, info, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		Replicas:  max(1, cfg.Replicas),
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream", slog.Uint64("messages", info.State.Msgs))

	snaps, err := NewKvStore[shard.JournalSnapshot](ctx, KvConfig{JetStream: js, Bucket: bucket, Replicas: cfg.Replicas})
	if err != nil {
		closeNc()
		return nil, err
	}

	return &Journal{
		nc:      nc,
		closeNc: closeNc,
		js:      js,
		stream:  stream,
		snaps:   snaps,
		log:     log,
		key:     cfg.Shard,
		subject: prefix + "." + cfg.Shard,
		queue:   make(chan pendingPayload, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// SetTarget binds the shard that receives committed entries.
func (j *Journal) SetTarget(ref shard.Ref) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.target = ref
}

// Replicate queues payload for publishing. The outcome reaches the target
// as LogEntryCommitted or ReplicationFailed, in submission order.
func (j *Journal) Replicate(ctx context.Context, txID shard.TransactionIdentifier, payload []byte) error {
	select {
	case <-j.done:
		return fmt.Errorf("%w: %w", shard.ErrReplication, ErrJournalClosed)
	default:
	}
	j.mu.RLock()
	target := j.target
	j.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("%w: %w", shard.ErrReplication, ErrNoTarget)
	}

	j.once.Do(func() { go j.run() })
	select {
	case j.queue <- pendingPayload{txID: txID, payload: payload}:
		return nil
	case <-j.done:
		return fmt.Errorf("%w: %w", shard.ErrReplication, ErrJournalClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) run() {
	for {
		select {
		case <-j.done:
			return
		case p := <-j.queue:
			j.publish(p)
		}
	}
}

func (j *Journal) publish(p pendingPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), natsgo.DefaultTimeout)
	defer cancel()

	j.mu.RLock()
	target := j.target
	j.mu.RUnlock()
	if target == nil {
		j.log.Error("journal has no target", slog.String("tx", p.txID.String()))
		return
	}

	var msg any
	ack, err := j.js.Publish(ctx, j.subject, p.payload)
	if err != nil {
		j.log.Warn("publish failed", slog.String("tx", p.txID.String()), slog.Any("error", err))
		msg = shard.ReplicationFailed{TxID: p.txID, Err: fmt.Errorf("%w: %v", shard.ErrReplication, err)}
	} else {
		msg = shard.LogEntryCommitted{Entry: shard.LogEntry{Index: ack.Sequence, Payload: p.payload}}
	}
	if err := target.Tell(context.Background(), msg); err != nil {
		j.log.Warn("deliver to shard failed", slog.String("tx", p.txID.String()), slog.Any("error", err))
	}
}

func (j *Journal) LoadSnapshot(ctx context.Context) (*shard.JournalSnapshot, error) {
	snap, err := j.snaps.Get(ctx, j.key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (j *Journal) ReadEntries(ctx context.Context, after uint64, fn func(shard.LogEntry) error) error {
	last, err := j.stream.GetLastMsgForSubject(ctx, j.subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("last entry: %w", err)
	}
	endSeq := last.Sequence
	if endSeq <= after {
		return nil
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{j.subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if after > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = after + 1
	}
	cc, err := j.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ordered consumer: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		mb, err := cc.FetchNoWait(fetchBatch)
		if err != nil {
			return err
		}
		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			seq := md.Sequence.Stream
			if err := fn(shard.LogEntry{Index: seq, Payload: msg.Data()}); err != nil {
				return err
			}
			if seq >= endSeq {
				return nil
			}
		}
		if err := mb.Error(); err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

// SaveSnapshot stores snap and purges the entries it covers.
func (j *Journal) SaveSnapshot(ctx context.Context, snap shard.JournalSnapshot) error {
	if err := j.snaps.Set(ctx, j.key, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	err := j.stream.Purge(ctx, jetstream.WithPurgeSubject(j.subject), jetstream.WithPurgeSequence(snap.Index+1))
	if err != nil {
		return fmt.Errorf("purge log: %w", err)
	}
	j.log.Info("snapshot saved", slog.Uint64("index", snap.Index))
	return nil
}

// Compact takes a snapshot of ref and saves it.
func (j *Journal) Compact(ctx context.Context, ref shard.Ref) error {
	taken, err := shard.AskAs[shard.SnapshotTaken](ctx, ref, func(r shard.Replier) any {
		return shard.TakeSnapshot{ReplyTo: r}
	})
	if err != nil {
		return fmt.Errorf("take snapshot: %w", err)
	}
	return j.SaveSnapshot(ctx, taken.Snapshot)
}

func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.done)
		j.js.CleanupPublisher()
		j.closeNc()
	})
	return nil
}
