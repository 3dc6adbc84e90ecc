package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardtx/core/shard"
)

func TestMessageCodec_DropsReplierAndKeepsType(t *testing.T) {
	mc := NewMessageCodec(nil)
	typ, data, err := mc.Encode(shard.CommitTransaction{TxID: txID(3), ReplyTo: shard.NoReply})
	require.NoError(t, err)
	require.Contains(t, typ, "CommitTransaction")

	msg, err := mc.Decode(typ, data)
	require.NoError(t, err)
	require.Equal(t, shard.CommitTransaction{TxID: txID(3)}, msg)
}

func TestMessageCodec_FailureKeepsErrorKind(t *testing.T) {
	mc := NewMessageCodec(nil)
	leader := shard.NewShardIdentity("m1", testShard)

	for _, tc := range []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "not leader",
			err:  &shard.NotLeaderError{Shard: leader, Leader: "m2", Reason: "follower"},
			check: func(t *testing.T, err error) {
				var nle *shard.NotLeaderError
				require.ErrorAs(t, err, &nle)
				require.Equal(t, "m2", nle.Leader)
				require.True(t, shard.IsRetriable(err))
			},
		},
		{
			name: "tx error",
			err:  &shard.TxError{Kind: shard.KindValidation, TxID: txID(1), Shard: leader, Cause: shard.ErrValidation},
			check: func(t *testing.T, err error) {
				var txe *shard.TxError
				require.ErrorAs(t, err, &txe)
				require.Equal(t, shard.KindValidation, txe.Kind)
				require.Equal(t, txID(1), txe.TxID)
				require.ErrorIs(t, err, shard.ErrValidation)
			},
		},
		{
			name: "sentinel",
			err:  shard.ErrDeadTransaction,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, shard.ErrDeadTransaction)
				require.False(t, shard.IsRetriable(err))
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			typ, data, err := mc.Encode(shard.Failure{TxID: txID(1), Err: tc.err})
			require.NoError(t, err)
			msg, err := mc.Decode(typ, data)
			require.NoError(t, err)
			f, ok := msg.(shard.Failure)
			require.True(t, ok)
			require.Equal(t, txID(1), f.TxID)
			tc.check(t, f.Err)
		})
	}
}

func TestMessageCodec_UnknownType(t *testing.T) {
	mc := NewMessageCodec(nil)
	_, _, err := mc.Encode(shard.Reset{})
	require.ErrorIs(t, err, ErrUnknownMessageType)
	_, err = mc.Decode("nope", nil)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}
