package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardtx/core/actor"
	"github.com/codewandler/shardtx/core/cluster"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/core/txn"
)

const DefaultShard = "default"

// Log is the replicated log behind one hosted shard replica.
type Log interface {
	shard.Replicator
	// Journal is read when the replica recovers. Nil means nothing to
	// recover.
	Journal() shard.Journal
	// Start binds the log to the replica it feeds and begins reporting
	// roles and leaders to it.
	Start(ctx context.Context, target shard.Ref) error
	Close() error
}

// Compactor is implemented by logs that can replace their prefix with a
// snapshot of the replica.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Replication opens the log of a shard replica. members lists every member
// replicating the shard, best first.
type Replication func(ctx context.Context, id shard.ShardIdentity, members []string) (Log, error)

type Metrics struct {
	Actor   actor.ActorMetrics
	Cluster cluster.ClusterMetrics
	Shard   shard.ShardMetrics
	Client  txn.ClientMetrics
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	Member  string
	// Members is the full member list; empty means this member alone.
	Members  []string
	Shards   []string
	Replicas int
	Seed     string

	Transport   cluster.Transport
	Replication Replication
	Metrics     Metrics
	// RequestTimeout bounds delivering one envelope to another member.
	RequestTimeout time.Duration

	// Shard and Client are templates; identity, wiring and metrics are
	// filled in per replica.
	Shard  shard.Options
	Client txn.Options

	// CompactionInterval snapshots logs implementing Compactor; zero
	// disables it.
	CompactionInterval time.Duration
}

type hosted struct {
	shard *shard.Shard
	log   Log
}

type App struct {
	cfg       Config
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	node      *cluster.Node
	client    *txn.Client

	mu     sync.Mutex
	hosted map[string]hosted
	wg     sync.WaitGroup
	once   sync.Once
}

func New(config Config) (app *App, err error) {
	app = &App{hosted: map[string]hosted{}}

	if config.Member == "" {
		config.Member = fmt.Sprintf("member-%s", gonanoid.Must(6))
	}
	if len(config.Members) == 0 {
		config.Members = []string{config.Member}
	}
	if len(config.Shards) == 0 {
		config.Shards = []string{DefaultShard}
	}
	if config.Seed == "" {
		config.Seed = "default"
	}
	if config.Transport == nil {
		config.Transport = cluster.NewInMemoryTransport()
	}
	if config.Replication == nil {
		config.Replication = LocalReplication()
	}

	// === logger ===
	if config.Log == nil {
		config.Log = slog.Default()
	}
	app.log = config.Log.With(slog.String("member", config.Member))

	// === context ===
	if config.Context == nil {
		config.Context = context.Background()
	}
	app.ctx, app.cancelCtx = context.WithCancel(config.Context)

	app.log.Debug("creating app",
		slog.Any("members", config.Members),
		slog.Any("shards", config.Shards),
		slog.Int("replicas", config.Replicas),
	)

	app.node, err = cluster.NewNode(cluster.NodeOptions{
		Log:            app.log,
		Member:         config.Member,
		Placement:      cluster.NewPlacement(config.Members, config.Replicas, config.Seed),
		Transport:      config.Transport,
		Metrics:        config.Metrics.Cluster,
		RequestTimeout: config.RequestTimeout,
	})
	if err != nil {
		app.cancelCtx()
		return nil, err
	}

	// === create client ===
	clientOpts := config.Client
	clientOpts.Member = config.Member
	clientOpts.Locator = app.node
	clientOpts.Context = app.ctx
	clientOpts.Logger = app.log
	if clientOpts.Metrics == nil {
		clientOpts.Metrics = config.Metrics.Client
	}
	if clientOpts.Strategy == nil {
		if len(config.Shards) == 1 {
			clientOpts.Strategy = txn.SingleShard(config.Shards[0])
		} else {
			clientOpts.Strategy = txn.Hashed(config.Shards, config.Seed)
		}
	}
	app.client, err = txn.New(clientOpts)
	if err != nil {
		app.cancelCtx()
		_ = app.node.Close()
		return nil, err
	}

	app.cfg = config
	return app, nil
}

func (a *App) Client() *txn.Client { return a.client }
func (a *App) Node() *cluster.Node { return a.node }
func (a *App) Member() string      { return a.cfg.Member }
func (a *App) Log() *slog.Logger   { return a.log }

// Shards returns the replicas hosted on this member by shard name.
func (a *App) Shards() map[string]*shard.Shard {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*shard.Shard, len(a.hosted))
	for name, h := range a.hosted {
		out[name] = h.shard
	}
	return out
}

// Run starts the node and a replica of every shard placed on this member.
func (a *App) Run() (err error) {
	if err = a.node.Start(a.ctx); err != nil {
		return err
	}

	owned := a.node.Placement().ShardsOf(a.cfg.Member, a.cfg.Shards)
	for _, name := range owned {
		if err = a.host(name); err != nil {
			a.Stop()
			return fmt.Errorf("host shard %s: %w", name, err)
		}
	}

	if a.cfg.CompactionInterval > 0 {
		a.wg.Add(1)
		go a.compactLoop()
	}

	a.log.Info("app started", slog.Any("shards", owned))

	return nil
}

func (a *App) host(name string) error {
	id := shard.NewShardIdentity(a.cfg.Member, name)
	rlog, err := a.cfg.Replication(a.ctx, id, a.node.Placement().Replicas(name))
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	opts := a.cfg.Shard
	opts.Identity = id
	opts.Context = a.ctx
	opts.Logger = a.log
	opts.Replicator = rlog
	opts.Journal = rlog.Journal()
	opts.Peers = a.node.Peers(name)
	if opts.Metrics == nil {
		opts.Metrics = a.cfg.Metrics.Shard
	}
	if opts.ActorMetrics == nil {
		opts.ActorMetrics = a.cfg.Metrics.Actor
	}
	s := shard.New(opts)

	a.mu.Lock()
	a.hosted[name] = hosted{shard: s, log: rlog}
	a.mu.Unlock()

	if err := s.Start(a.ctx); err != nil {
		return err
	}
	if err := a.node.Host(a.ctx, s); err != nil {
		return err
	}
	return rlog.Start(a.ctx, s)
}

func (a *App) compactLoop() {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.CompactionInterval)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
		}
		a.mu.Lock()
		logs := make(map[string]Log, len(a.hosted))
		for name, h := range a.hosted {
			logs[name] = h.log
		}
		a.mu.Unlock()
		for name, l := range logs {
			c, ok := l.(Compactor)
			if !ok {
				continue
			}
			if err := c.Compact(a.ctx); err != nil {
				a.log.Warn("compaction failed", slog.String("shard", name), slog.Any("error", err))
			}
		}
	}
}

// Stop closes every hosted replica and its log, then the node. It is safe
// to call more than once.
func (a *App) Stop() {
	a.once.Do(func() {
		a.mu.Lock()
		hs := a.hosted
		a.hosted = map[string]hosted{}
		a.mu.Unlock()

		var errs []error
		for name, h := range hs {
			a.node.Unhost(name)
			errs = append(errs, h.log.Close())
			h.shard.Stop()
		}
		errs = append(errs, a.node.Close())
		a.cancelCtx()
		a.wg.Wait()
		if err := errors.Join(errs...); err != nil {
			a.log.Warn("app stopped with errors", slog.Any("error", err))
			return
		}
		a.log.Info("app stopped")
	})
}

// Shutdown stops the app, giving up when ctx ends first.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the app stopped.
func (a *App) Done() <-chan struct{} { return a.ctx.Done() }

func Run(config Config) (app *App, err error) {
	app, err = New(config)
	if err != nil {
		return nil, err
	}

	err = app.Run()
	if err != nil {
		return nil, err
	}

	return app, nil
}
