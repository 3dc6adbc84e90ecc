package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/codewandler/shardtx/core/shard"
)

var (
	ErrNotStarted  = errors.New("raft replica not started")
	ErrClosed      = errors.New("raft replica closed")
	ErrNoTransport = errors.New("raft replica needs a transport or bind address")
)

const (
	defaultHeartbeatTimeout = 500 * time.Millisecond
	defaultElectionTimeout  = time.Second
	defaultApplyTimeout     = 5 * time.Second
	defaultBarrierTimeout   = 10 * time.Second
	defaultSnapshotTimeout  = 10 * time.Second
	defaultIsolationCheck   = 5 * time.Second
	defaultSnapshotRetain   = 2
	defaultQueueSize        = 1024
	defaultTransportPool    = 3
	defaultTransportTimeout = 10 * time.Second
	observationBuffer       = 64
)

// Peer is a voter of the shard's raft group, named by its member.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type Config struct {
	Identity shard.ShardIdentity
	Log      *slog.Logger

	// Dir holds the bolt log store and the snapshots. Empty keeps both in
	// memory.
	Dir string
	// BindAddr is the TCP address of the raft transport. Ignored when
	// Transport is set.
	BindAddr  string
	Transport hraft.Transport
	// Peers is the voter set used when bootstrapping, this replica included.
	Peers []Peer
	// Bootstrap forms the group from Peers unless the stores already hold
	// raft state.
	Bootstrap bool

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotInterval   time.Duration
	SnapshotThreshold  uint64
	SnapshotRetain     int

	// ApplyTimeout bounds handing a payload to raft.
	ApplyTimeout time.Duration
	// BarrierTimeout bounds one attempt of a new leader to catch up.
	BarrierTimeout time.Duration
	// SnapshotTimeout bounds asking the shard for, or installing, a snapshot.
	SnapshotTimeout time.Duration
	// IsolationCheck is the interval at which the reported role is
	// reconciled with the raft state.
	IsolationCheck time.Duration
	// QueueSize bounds payloads waiting to be applied.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = max(defaultElectionTimeout, c.HeartbeatTimeout)
	}
	if c.LeaderLeaseTimeout <= 0 {
		c.LeaderLeaseTimeout = c.HeartbeatTimeout
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = defaultSnapshotRetain
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = defaultApplyTimeout
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = defaultBarrierTimeout
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = defaultSnapshotTimeout
	}
	if c.IsolationCheck <= 0 {
		c.IsolationCheck = defaultIsolationCheck
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

func (c Config) raftConfig(log hclog.Logger) *hraft.Config {
	rc := hraft.DefaultConfig()
	rc.LocalID = hraft.ServerID(c.Identity.Member)
	rc.Logger = log
	rc.HeartbeatTimeout = c.HeartbeatTimeout
	rc.ElectionTimeout = c.ElectionTimeout
	rc.LeaderLeaseTimeout = c.LeaderLeaseTimeout
	if c.CommitTimeout > 0 {
		rc.CommitTimeout = c.CommitTimeout
	}
	if c.SnapshotInterval > 0 {
		rc.SnapshotInterval = c.SnapshotInterval
	}
	if c.SnapshotThreshold > 0 {
		rc.SnapshotThreshold = c.SnapshotThreshold
	}
	rc.BatchApplyCh = true
	// the shard recovers its snapshot through Journal
	rc.NoSnapshotRestoreOnStart = true
	return rc
}

type pendingPayload struct {
	txID    shard.TransactionIdentifier
	payload []byte
}

type pendingApply struct {
	txID   shard.TransactionIdentifier
	future hraft.ApplyFuture
}

type barrierResult struct {
	epoch uint64
	err   error
}

// Replica is one shard replica's member of the shard's raft group.
type Replica struct {
	cfg  Config
	id   shard.ShardIdentity
	log  *slog.Logger
	hlog hclog.Logger

	logs    hraft.LogStore
	stable  hraft.StableStore
	snaps   hraft.SnapshotStore
	trans   hraft.Transport
	closers []io.Closer
	fsm     *fsm

	mu       sync.Mutex
	raft     *hraft.Raft
	observer *hraft.Observer
	closed   bool

	queue    chan pendingPayload
	applies  chan pendingApply
	obs      chan hraft.Observation
	barriers chan barrierResult
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ shard.Replicator = (*Replica)(nil)

// NewReplica opens the raft stores and transport. Raft itself starts with
// Start, once the shard exists.
func NewReplica(cfg Config) (*Replica, error) {
	cfg = cfg.withDefaults()
	log := cfg.Log.With(slog.String("shard", cfg.Identity.Shard), slog.String("member", cfg.Identity.Member))
	r := &Replica{
		cfg:      cfg,
		id:       cfg.Identity,
		log:      log,
		hlog:     NewLogger("raft."+cfg.Identity.Shard, log),
		queue:    make(chan pendingPayload, cfg.QueueSize),
		applies:  make(chan pendingApply, cfg.QueueSize),
		obs:      make(chan hraft.Observation, observationBuffer),
		barriers: make(chan barrierResult, 1),
		done:     make(chan struct{}),
	}

	if err := r.openStores(); err != nil {
		r.closeResources()
		return nil, err
	}
	if err := r.openTransport(); err != nil {
		r.closeResources()
		return nil, err
	}
	r.fsm = &fsm{log: log, stable: r.stable, timeout: cfg.SnapshotTimeout}
	return r, nil
}

func (r *Replica) openStores() error {
	if r.cfg.Dir == "" {
		store := hraft.NewInmemStore()
		r.logs, r.stable = store, store
		r.snaps = hraft.NewInmemSnapshotStore()
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("create raft dir %s: %w", r.cfg.Dir, err)
	}
	bolt, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.Dir, "raft.db"))
	if err != nil {
		return fmt.Errorf("open bolt store: %w", err)
	}
	r.closers = append(r.closers, bolt)
	r.logs, r.stable = bolt, bolt

	snaps, err := hraft.NewFileSnapshotStoreWithLogger(r.cfg.Dir, r.cfg.SnapshotRetain, r.hlog)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	r.snaps = snaps
	return nil
}

func (r *Replica) openTransport() error {
	if r.cfg.Transport != nil {
		r.trans = r.cfg.Transport
		return nil
	}
	if r.cfg.BindAddr == "" {
		return ErrNoTransport
	}
	addr, err := net.ResolveTCPAddr("tcp", r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve raft address %s: %w", r.cfg.BindAddr, err)
	}
	tr, err := hraft.NewTCPTransportWithLogger(r.cfg.BindAddr, addr, defaultTransportPool, defaultTransportTimeout, r.hlog)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	r.closers = append(r.closers, tr)
	r.trans = tr
	return nil
}

// Journal reads this replica's raft stores for shard recovery.
func (r *Replica) Journal() shard.Journal {
	return &journal{logs: r.logs, stable: r.stable, snaps: r.snaps}
}

// Addr is the raft transport address of this replica.
func (r *Replica) Addr() string { return string(r.trans.LocalAddr()) }

// Start binds target as the shard fed by this replica and starts raft.
func (r *Replica) Start(ctx context.Context, target shard.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrClosed
	case r.raft != nil:
		return nil
	}
	r.fsm.setTarget(target)

	ra, err := hraft.NewRaft(r.cfg.raftConfig(r.hlog), r.fsm, r.logs, r.stable, r.snaps, r.trans)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	if r.cfg.Bootstrap {
		if err := r.bootstrap(ra); err != nil {
			_ = ra.Shutdown().Error()
			return err
		}
	}
	r.raft = ra
	r.observer = hraft.NewObserver(r.obs, false, func(o *hraft.Observation) bool {
		switch o.Data.(type) {
		case hraft.RaftState, hraft.LeaderObservation, hraft.PeerObservation,
			hraft.FailedHeartbeatObservation, hraft.ResumedHeartbeatObservation:
			return true
		}
		return false
	})
	ra.RegisterObserver(r.observer)

	r.wg.Add(3)
	go r.submit()
	go r.await()
	go r.watch(ctx)
	r.log.Info("raft replica started", slog.String("addr", r.Addr()), slog.Bool("bootstrap", r.cfg.Bootstrap))
	return nil
}

func (r *Replica) bootstrap(ra *hraft.Raft) error {
	has, err := hraft.HasExistingState(r.logs, r.stable, r.snaps)
	if err != nil {
		return fmt.Errorf("check raft state: %w", err)
	}
	if has {
		return nil
	}
	servers := make([]hraft.Server, 0, len(r.cfg.Peers))
	for _, p := range r.cfg.Peers {
		servers = append(servers, hraft.Server{
			Suffrage: hraft.Voter,
			ID:       hraft.ServerID(p.ID),
			Address:  hraft.ServerAddress(p.Address),
		})
	}
	if len(servers) == 0 {
		servers = append(servers, hraft.Server{
			Suffrage: hraft.Voter,
			ID:       hraft.ServerID(r.id.Member),
			Address:  r.trans.LocalAddr(),
		})
	}
	if err := ra.BootstrapCluster(hraft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	return nil
}

// Replicate queues payload for the raft log. A payload the log refuses
// reaches the shard as ReplicationFailed.
func (r *Replica) Replicate(ctx context.Context, txID shard.TransactionIdentifier, payload []byte) error {
	if _, err := r.running(); err != nil {
		return err
	}
	select {
	case r.queue <- pendingPayload{txID: txID, payload: payload}:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replica) submit() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case p := <-r.queue:
			f := r.raft.Apply(p.payload, r.cfg.ApplyTimeout)
			select {
			case r.applies <- pendingApply{txID: p.txID, future: f}:
			case <-r.done:
				return
			}
		}
	}
}

// await reports refused payloads in submission order. Committed ones reach
// the shard through the FSM on every replica.
func (r *Replica) await() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case a := <-r.applies:
			err := a.future.Error()
			switch {
			case err == nil:
			case errors.Is(err, hraft.ErrLeadershipLost):
				// the entry may still commit; the role change abandons the transaction
				r.log.Debug("leadership lost during apply", slog.String("tx", a.txID.String()))
			default:
				_ = r.fsm.tell(shard.ReplicationFailed{TxID: a.txID, Err: fmt.Errorf("raft apply: %w", err)})
			}
		}
	}
}

// Snapshot makes raft take a snapshot now and compact its log.
func (r *Replica) Snapshot() error {
	ra, err := r.running()
	if err != nil {
		return err
	}
	return ra.Snapshot().Error()
}

// Leader returns the member leading the group, "" when unknown.
func (r *Replica) Leader() string {
	ra, err := r.running()
	if err != nil {
		return ""
	}
	_, id := ra.LeaderWithID()
	return string(id)
}

// State returns the raft state of this replica.
func (r *Replica) State() hraft.RaftState {
	ra, err := r.running()
	if err != nil {
		return hraft.Shutdown
	}
	return ra.State()
}

func (r *Replica) running() (*hraft.Raft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return nil, ErrClosed
	case r.raft == nil:
		return nil, ErrNotStarted
	}
	return r.raft, nil
}

// Close shuts raft down and releases the stores. Close is idempotent.
func (r *Replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ra := r.raft
	r.mu.Unlock()

	close(r.done)
	var err error
	if ra != nil {
		ra.DeregisterObserver(r.observer)
		err = ra.Shutdown().Error()
	}
	r.wg.Wait()
	return errors.Join(err, r.closeResources())
}

func (r *Replica) closeResources() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
