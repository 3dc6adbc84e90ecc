package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardtx/core/actor"
	"github.com/codewandler/shardtx/core/cache"
	"github.com/codewandler/shardtx/core/perkey"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/internal/codec"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultReplyTTL       = 2 * time.Minute
	DefaultPendingReplies = 100_000
	DefaultSendBuffer     = 1024
)

// ShardEndpoint is the endpoint serving one shard replica.
func ShardEndpoint(id shard.ShardIdentity) string {
	return "shardtx.shard." + id.Member + "." + id.Shard
}

// InboxEndpoint is the endpoint receiving replies for member.
func InboxEndpoint(member string) string {
	return "shardtx.inbox." + member
}

type NodeOptions struct {
	Log    *slog.Logger
	Member string
	// Placement lists the members and where shards live. Nil places every
	// shard on this member alone.
	Placement *Placement
	Transport Transport
	Codec     codec.Codec
	Metrics   ClusterMetrics

	// RequestTimeout bounds delivering one envelope.
	RequestTimeout time.Duration
	// ReplyTTL is how long a reply is awaited before it is forgotten.
	ReplyTTL time.Duration
	// PendingReplies caps replies awaited at once.
	PendingReplies int
	// SendBuffer is the per-endpoint outbound queue size.
	SendBuffer int
}

func (o NodeOptions) withDefaults() NodeOptions {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Member == "" {
		o.Member = "node-" + gonanoid.Must(6)
	}
	if o.Placement == nil {
		o.Placement = NewPlacement([]string{o.Member}, 1, "")
	}
	if o.Metrics == nil {
		o.Metrics = NopClusterMetrics()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReplyTTL <= 0 {
		o.ReplyTTL = DefaultReplyTTL
	}
	if o.PendingReplies <= 0 {
		o.PendingReplies = DefaultPendingReplies
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	return o
}

type hostedShard struct {
	ref shard.Ref
	sub Subscription
}

// Node connects the shard replicas of one member to the other members.
// It serves every hosted replica on its endpoint and hands out RemoteRefs
// for replicas elsewhere. Replies to remote requests travel back to the
// sender's inbox, where the waiting Replier is found by correlation ID.
type Node struct {
	opts NodeOptions
	log  *slog.Logger
	mc   *MessageCodec

	pending *cache.LRU[shard.Replier]
	sends   *perkey.Queue[string]
	rr      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	hosted map[string]hostedShard
	inbox  Subscription
	closed bool
}

func NewNode(opts NodeOptions) (*Node, error) {
	opts = opts.withDefaults()
	if opts.Transport == nil {
		return nil, errors.New("cluster: transport is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		opts:    opts,
		log:     opts.Log.With(slog.String("member", opts.Member)),
		mc:      NewMessageCodec(opts.Codec),
		pending: cache.NewLRU[shard.Replier](cache.LRUOpts{Size: opts.PendingReplies}),
		sends:   perkey.New[string](perkey.Config{BufferSize: opts.SendBuffer}),
		ctx:     ctx,
		cancel:  cancel,
		hosted:  map[string]hostedShard{},
	}, nil
}

func (n *Node) Member() string        { return n.opts.Member }
func (n *Node) Placement() *Placement { return n.opts.Placement }

// Start subscribes the reply inbox.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.inbox != nil {
		return nil
	}
	sub, err := n.opts.Transport.Subscribe(n.ctx, InboxEndpoint(n.opts.Member), n.handleReply)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	n.inbox = sub
	n.log.Info("node started", slog.Int("members", len(n.opts.Placement.Members())))
	return nil
}

// Host serves ref on its endpoint until Unhost or Close.
func (n *Node) Host(ctx context.Context, ref shard.Ref) error {
	id := ref.Identity()
	if id.Member != n.opts.Member {
		return fmt.Errorf("cannot host %s on member %s", id, n.opts.Member)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if _, ok := n.hosted[id.Shard]; ok {
		return fmt.Errorf("shard %s already hosted", id)
	}
	sub, err := n.opts.Transport.Subscribe(n.ctx, ShardEndpoint(id), n.handleRequest(ref))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	n.hosted[id.Shard] = hostedShard{ref: ref, sub: sub}
	n.opts.Metrics.ShardsHosted(n.opts.Member, len(n.hosted))
	n.log.Info("hosting shard", slog.String("shard", id.Shard))
	return nil
}

func (n *Node) Unhost(shardName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosted[shardName]
	if !ok {
		return
	}
	delete(n.hosted, shardName)
	_ = h.sub.Unsubscribe()
	n.opts.Metrics.ShardsHosted(n.opts.Member, len(n.hosted))
}

// Local returns the hosted replica of shardName.
func (n *Node) Local(shardName string) (shard.Ref, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.hosted[shardName]
	return h.ref, ok
}

// Ref returns a reference to the replica id, in-process when hosted here.
func (n *Node) Ref(id shard.ShardIdentity) shard.Ref {
	if id.Member == n.opts.Member {
		if ref, ok := n.Local(id.Shard); ok {
			return ref
		}
	}
	return &RemoteRef{n: n, id: id}
}

// Peers resolves the replicas of shardName on the members it is placed on.
func (n *Node) Peers(shardName string) shard.PeerResolver {
	return func(member string) (shard.Ref, bool) {
		if !slices.Contains(n.opts.Placement.Members(), member) {
			return nil, false
		}
		return n.Ref(shard.NewShardIdentity(member, shardName)), true
	}
}

// Locate returns a replica of shardName, preferring the local one and
// rotating over the others on each call.
func (n *Node) Locate(_ context.Context, shardName string) (shard.Ref, error) {
	if ref, ok := n.Local(shardName); ok {
		return ref, nil
	}
	members := n.opts.Placement.Replicas(shardName)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s has no replicas", ErrNotHosted, shardName)
	}
	i := n.rr.Add(1) % uint64(len(members))
	return n.Ref(shard.NewShardIdentity(members[i], shardName)), nil
}

// Close stops serving. Awaited replies are dropped.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for name, h := range n.hosted {
		_ = h.sub.Unsubscribe()
		delete(n.hosted, name)
	}
	if n.inbox != nil {
		_ = n.inbox.Unsubscribe()
	}
	n.mu.Unlock()

	n.cancel()
	n.sends.Close()
	n.pending.Close()
	n.log.Info("node closed")
	return nil
}

// ---- inbound ----

func (n *Node) handleRequest(ref shard.Ref) Handler {
	return func(ctx context.Context, env Envelope) ([]byte, error) {
		timer := n.opts.Metrics.HandlerDuration(env.Type)
		defer timer.ObserveDuration()

		msg, err := n.mc.Decode(env.Type, env.Data)
		if err != nil {
			n.opts.Metrics.HandlerCompleted(env.Type, false)
			return nil, err
		}
		if env.Route != nil {
			txID, _ := shard.TxIDOf(msg)
			msg = shard.WithReplyTo(msg, &remoteReplier{n: n, route: *env.Route, txID: txID})
		}
		err = ref.Tell(ctx, msg)
		n.opts.Metrics.HandlerCompleted(env.Type, err == nil)
		if err != nil {
			n.log.Warn("deliver to shard failed",
				slog.String("shard", ref.Identity().String()),
				slog.String("type", actor.MsgTypeOf(msg)),
				slog.Any("error", err),
			)
		}
		return nil, err
	}
}

func (n *Node) handleReply(_ context.Context, env Envelope) ([]byte, error) {
	if env.Route == nil {
		return nil, fmt.Errorf("%w: reply without route", ErrInvalidEnvelope)
	}
	msg, err := n.mc.Decode(env.Type, env.Data)
	if err != nil {
		return nil, err
	}
	r, ok := n.takePending(env.Route.Correlation)
	if !ok {
		n.opts.Metrics.ReplyDropped("unknown_correlation")
		n.log.Debug("dropping reply", slog.String("type", env.Type), slog.String("correlation", env.Route.Correlation))
		return nil, nil
	}
	switch m := msg.(type) {
	case shard.CreateTransactionReply:
		m.Ref = n.Ref(m.Leader)
		msg = m
	case shard.ReadyTransactionReply:
		m.Ref = n.Ref(m.Cohort)
		msg = m
	}
	r.Reply(msg)
	n.opts.Metrics.ReplyDelivered(env.Type)
	return nil, nil
}

// ---- pending replies ----

func (n *Node) awaitReply(r shard.Replier) Route {
	corr := gonanoid.Must(16)
	n.pending.Put(corr, r, n.opts.ReplyTTL)
	return Route{Inbox: InboxEndpoint(n.opts.Member), Correlation: corr}
}

func (n *Node) takePending(corr string) (shard.Replier, bool) {
	return n.pending.Take(corr)
}

// ---- outbound ----

// send queues env for its endpoint. Envelopes to one endpoint are
// delivered in the order they were queued. onFail runs when delivery fails.
func (n *Node) send(ctx context.Context, env Envelope, onFail func(error)) error {
	if env.ID == "" {
		env.ID = gonanoid.Must(12)
	}
	return n.sends.Enqueue(ctx, env.Endpoint, func() error {
		timer := n.opts.Metrics.RequestDuration(env.Type)
		defer timer.ObserveDuration()

		reqCtx, cancel := context.WithTimeout(n.ctx, n.opts.RequestTimeout)
		defer cancel()
		_, err := n.opts.Transport.Request(reqCtx, env)
		n.opts.Metrics.RequestCompleted(env.Type, err == nil)
		return err
	}, func(err error) {
		if err == nil {
			return
		}
		n.opts.Metrics.TransportError(transportErrorType(err))
		n.log.Warn("send failed",
			slog.String("endpoint", env.Endpoint),
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
		if onFail != nil {
			onFail(err)
		}
	})
}

func transportErrorType(err error) string {
	switch {
	case errors.Is(err, ErrNoSubscriber):
		return "no_subscriber"
	case errors.Is(err, ErrEnvelopeExpired):
		return "ttl_expired"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrHandlerTimeout):
		return "timeout"
	default:
		return "other"
	}
}
