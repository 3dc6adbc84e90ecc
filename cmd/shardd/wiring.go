package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	natsadapter "github.com/codewandler/shardtx/adapters/nats"
	raftadapter "github.com/codewandler/shardtx/adapters/raft"
	"github.com/codewandler/shardtx/core/app"
	"github.com/codewandler/shardtx/core/cluster"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/core/txn"
	"github.com/codewandler/shardtx/internal/config"
)

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// natsConnector shares one NATS connection between the transport and
// every journal. Nil when no NATS URL is configured.
func natsConnector(cfg *config.Config) natsadapter.Connector {
	if cfg.Transport.NatsURL == "" {
		return nil
	}
	return natsadapter.ReuseConnection(natsadapter.ConnectURL(cfg.Transport.NatsURL,
		natsadapter.WithName(cfg.Member),
		natsadapter.WithReconnect(-1, time.Second),
	))
}

func newTransport(cfg *config.Config, log *slog.Logger, connect natsadapter.Connector) (cluster.Transport, error) {
	if cfg.Transport.Kind != config.TransportNATS {
		return cluster.NewInMemoryTransport().WithLog(log), nil
	}
	return natsadapter.NewTransport(natsadapter.TransportConfig{
		Connect:        connect,
		Log:            log,
		SubjectPrefix:  cfg.Transport.SubjectPrefix,
		HandlerTimeout: cfg.Transport.HandlerTimeout,
	})
}

func newReplication(cfg *config.Config, log *slog.Logger, connect natsadapter.Connector) app.Replication {
	switch cfg.Replication.Kind {
	case config.ReplicationRaft:
		return raftReplication(cfg, log)
	case config.ReplicationJetStream:
		return jetStreamReplication(cfg, log, connect)
	}
	return app.LocalReplication()
}

// raftReplication runs one raft group per shard. The replica of a shard
// listens on the member's raft host at the shard's port.
func raftReplication(cfg *config.Config, log *slog.Logger) app.Replication {
	rc := cfg.Replication.Raft
	return func(_ context.Context, id shard.ShardIdentity, members []string) (app.Log, error) {
		peers := make([]raftadapter.Peer, 0, len(members))
		for _, m := range members {
			peers = append(peers, raftadapter.Peer{ID: m, Address: cfg.RaftAddr(m, id.Shard)})
		}
		dir := ""
		if rc.Dir != "" {
			dir = filepath.Join(rc.Dir, id.Shard)
		}
		r, err := raftadapter.NewReplica(raftadapter.Config{
			Identity:           id,
			Log:                log,
			Dir:                dir,
			BindAddr:           cfg.RaftAddr(id.Member, id.Shard),
			Peers:              peers,
			Bootstrap:          true,
			HeartbeatTimeout:   rc.HeartbeatTimeout,
			ElectionTimeout:    rc.ElectionTimeout,
			LeaderLeaseTimeout: rc.LeaderLeaseTimeout,
			SnapshotThreshold:  rc.SnapshotThreshold,
			IsolationCheck:     rc.IsolationCheck,
		})
		if err != nil {
			return nil, err
		}
		return raftLog{r}, nil
	}
}

type raftLog struct {
	*raftadapter.Replica
}

func (l raftLog) Compact(context.Context) error { return l.Snapshot() }

func jetStreamReplication(cfg *config.Config, log *slog.Logger, connect natsadapter.Connector) app.Replication {
	return func(ctx context.Context, id shard.ShardIdentity, _ []string) (app.Log, error) {
		j, err := natsadapter.NewJournal(ctx, natsadapter.JournalConfig{
			Connect:  connect,
			Log:      log,
			Shard:    id.Shard,
			Replicas: cfg.Replication.JetStreamReplicas,
		})
		if err != nil {
			return nil, err
		}
		return &jetStreamLog{journal: j}, nil
	}
}

// jetStreamLog is the log of a single-replica shard kept in a JetStream
// stream. The replica leads once its log starts.
type jetStreamLog struct {
	journal *natsadapter.Journal

	mu     sync.Mutex
	target shard.Ref
}

func (l *jetStreamLog) Replicate(ctx context.Context, txID shard.TransactionIdentifier, payload []byte) error {
	return l.journal.Replicate(ctx, txID, payload)
}

func (l *jetStreamLog) Journal() shard.Journal { return l.journal }
func (l *jetStreamLog) Close() error           { return l.journal.Close() }

func (l *jetStreamLog) Start(ctx context.Context, target shard.Ref) error {
	l.mu.Lock()
	l.target = target
	l.mu.Unlock()
	l.journal.SetTarget(target)
	return app.SelfElect(ctx, target)
}

func (l *jetStreamLog) Compact(ctx context.Context) error {
	l.mu.Lock()
	target := l.target
	l.mu.Unlock()
	if target == nil {
		return nil
	}
	return l.journal.Compact(ctx, target)
}

func shardOptions(c config.ShardConfig) shard.Options {
	return shard.Options{
		TransactionCommitTimeout: c.TransactionCommitTimeout,
		CommitQueueCapacity:      c.CommitQueueCapacity,
		CommitQueueExpiry:        c.CommitQueueExpiry,
		RecoveryBatchSize:        c.RecoveryBatchSize,
		StashCapacity:            c.StashCapacity,
		MailboxSize:              c.MailboxSize,
	}
}

// clientOptions maps a negative creation rate to no limit.
func clientOptions(c config.ClientConfig) txn.Options {
	limit := rate.Limit(c.TxCreationRate)
	if c.TxCreationRate < 0 {
		limit = rate.Inf
	}
	return txn.Options{
		OperationTimeout:         c.OperationTimeout,
		CommitTimeout:            c.CommitTimeout,
		BatchedModificationCount: c.BatchedModificationCount,
		TxCreationRate:           limit,
	}
}

// appConfig builds the app of cfg's member. Metrics stay unset here.
func appConfig(ctx context.Context, cfg *config.Config, log *slog.Logger, transport cluster.Transport, replication app.Replication) app.Config {
	return app.Config{
		Context:            ctx,
		Log:                log,
		Member:             cfg.Member,
		Members:            cfg.Members,
		Shards:             cfg.Shards,
		Replicas:           cfg.Replicas,
		Seed:               cfg.Seed,
		Transport:          transport,
		Replication:        replication,
		RequestTimeout:     cfg.Transport.RequestTimeout,
		Shard:              shardOptions(cfg.Shard),
		Client:             clientOptions(cfg.Client),
		CompactionInterval: cfg.Replication.CompactionInterval,
	}
}
