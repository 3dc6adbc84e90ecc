package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/shardtx/core/shard"
)

// RemoteRef reaches a shard replica on another member through the node's
// transport.
type RemoteRef struct {
	n  *Node
	id shard.ShardIdentity
}

var _ shard.Ref = (*RemoteRef)(nil)

func (r *RemoteRef) Identity() shard.ShardIdentity { return r.id }

// Tell queues msg for the replica. A request whose ReplyTo is local gets
// its reply through the node's inbox; one already answering a remote
// sender keeps that sender's route, so forwarded requests are answered
// directly. When delivery fails the reply target receives a retriable
// role error.
func (r *RemoteRef) Tell(ctx context.Context, msg any) error {
	typ, data, err := r.n.mc.Encode(msg)
	if err != nil {
		return err
	}
	env := Envelope{Endpoint: ShardEndpoint(r.id), Type: typ, Data: data}

	var onFail func(error)
	if replyTo := shard.ReplyToOf(msg); replyTo != nil {
		route, registered := r.route(replyTo)
		env.Route = &route
		txID, _ := shard.TxIDOf(msg)
		onFail = func(err error) {
			if registered {
				if _, ok := r.n.takePending(route.Correlation); !ok {
					return
				}
			}
			replyTo.Reply(shard.Failure{TxID: txID, Err: &shard.NotLeaderError{
				Shard:  r.id,
				Reason: fmt.Sprintf("unreachable: %v", err),
			}})
		}
	}
	return r.n.send(ctx, env, onFail)
}

func (r *RemoteRef) route(replyTo shard.Replier) (Route, bool) {
	if rr, ok := replyTo.(*remoteReplier); ok {
		return rr.route, false
	}
	return r.n.awaitReply(replyTo), true
}

func (r *RemoteRef) String() string { return "remote:" + r.id.String() }

// remoteReplier sends a shard's reply back to the requesting member.
type remoteReplier struct {
	n     *Node
	route Route
	txID  shard.TransactionIdentifier
}

// Reply queues the reply without blocking the shard loop.
func (rr *remoteReplier) Reply(msg any) {
	typ, data, err := rr.n.mc.Encode(msg)
	if err != nil {
		rr.n.log.Error("encode reply failed", slog.String("tx", rr.txID.String()), slog.Any("error", err))
		return
	}
	env := Envelope{Endpoint: rr.route.Inbox, Type: typ, Data: data, Route: &rr.route}
	if err := rr.n.send(rr.n.ctx, env, nil); err != nil {
		rr.n.opts.Metrics.ReplyDropped("send")
		rr.n.log.Warn("reply dropped", slog.String("tx", rr.txID.String()), slog.Any("error", err))
	}
}
