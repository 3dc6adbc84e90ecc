package cluster

import (
	"fmt"
	"reflect"

	"github.com/codewandler/shardtx/core/reflector"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/internal/codec"
)

// wireFailure is the transport form of shard.Failure.
type wireFailure struct {
	TxID  shard.TransactionIdentifier `json:"tx_id"`
	Error shard.ErrorInfo             `json:"error"`
}

// MessageCodec maps shard messages to envelope types and payloads.
type MessageCodec struct {
	c     codec.Codec
	types map[string]reflect.Type
}

// NewMessageCodec returns a codec knowing every client request and reply.
func NewMessageCodec(c codec.Codec) *MessageCodec {
	if c == nil {
		c = codec.JSONCodec{}
	}
	mc := &MessageCodec{c: c, types: map[string]reflect.Type{}}
	for _, m := range []any{
		shard.CreateTransaction{}, shard.CreateTransactionReply{},
		shard.BatchedModifications{}, shard.BatchedModificationsReply{},
		shard.ReadyTransactionReply{},
		shard.ReadData{}, shard.ReadDataReply{},
		shard.CanCommitTransaction{}, shard.CanCommitTransactionReply{},
		shard.PreCommitTransaction{}, shard.PreCommitTransactionReply{},
		shard.CommitTransaction{}, shard.CommitTransactionReply{},
		shard.AbortTransaction{}, shard.AbortTransactionReply{},
		shard.CloseTransaction{}, shard.CloseTransactionReply{},
		shard.CloseTransactionChain{}, shard.CloseTransactionChainReply{},
		wireFailure{},
	} {
		mc.Register(m)
	}
	return mc
}

// Register makes the type of m known to Decode.
func (mc *MessageCodec) Register(m any) {
	mc.types[reflector.NameOf(m)] = reflector.Elem(reflect.TypeOf(m))
}

// Encode returns the envelope type and payload of msg.
func (mc *MessageCodec) Encode(msg any) (string, []byte, error) {
	if f, ok := msg.(shard.Failure); ok {
		msg = wireFailure{TxID: f.TxID, Error: shard.EncodeError(f.Err)}
	}
	typ := reflector.NameOf(msg)
	if _, ok := mc.types[typ]; !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, typ)
	}
	data, err := mc.c.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return typ, data, nil
}

// Decode rebuilds the message of type typ.
func (mc *MessageCodec) Decode(typ string, data []byte) (any, error) {
	t, ok := mc.types[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, typ)
	}
	ptr := reflect.New(t)
	if err := mc.c.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	msg := ptr.Elem().Interface()
	if wf, ok := msg.(wireFailure); ok {
		return shard.Failure{TxID: wf.TxID, Err: shard.DecodeError(wf.Error)}, nil
	}
	return msg, nil
}
