package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardtx/core/actor"
	"github.com/codewandler/shardtx/core/shard"
)

func familyNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewActorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewActorMetrics(reg)

	m.MessageHandled("m1/orders", "CommitTransaction", 3*time.Millisecond, actor.OutcomeOK)
	m.MessageHandled("m1/orders", "CommitTransaction", time.Millisecond, actor.OutcomePanic)
	m.MailboxDepth("m1/orders", 10)
	m.TaskStarted("m1/orders")
	m.TaskStarted("m1/orders")
	m.TaskFinished("m1/orders", time.Millisecond, actor.OutcomeOK)

	names := familyNames(t, reg)
	assert.True(t, names["shardtx_actor_message_duration_seconds"])
	assert.True(t, names["shardtx_actor_mailbox_depth"])
	assert.True(t, names["shardtx_actor_task_duration_seconds"])

	am := m.(*actorMetrics)
	assert.Equal(t, 10.0, testutil.ToFloat64(am.mailbox.WithLabelValues("m1/orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(am.tasksInflight.WithLabelValues("m1/orders")))
	assert.Equal(t, 2, testutil.CollectAndCount(am.handled))
}

func TestNewClusterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClusterMetrics(reg)

	require.NotNil(t, m)

	timer := m.RequestDuration("ReadyTransaction")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.RequestCompleted("ReadyTransaction", true)
	m.RequestCompleted("ReadyTransaction", false)

	m.TransportError("no_subscriber")
	m.TransportError("timeout")

	timer = m.HandlerDuration("ReadyTransaction")
	assert.NotNil(t, timer)
	timer.ObserveDuration()
	m.HandlerCompleted("ReadyTransaction", true)

	m.ReplyDelivered("ReadyTransactionReply")
	m.ReplyDropped("expired")
	m.ShardsHosted("m1", 10)

	names := familyNames(t, reg)
	assert.True(t, names["shardtx_cluster_request_duration_seconds"])
	assert.True(t, names["shardtx_cluster_transport_errors_total"])
	assert.True(t, names["shardtx_cluster_replies_dropped_total"])
	assert.True(t, names["shardtx_cluster_shards_hosted"])
}

func TestNewShardMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewShardMetrics(reg).(*shardMetrics)

	m.RoleChanged("orders", shard.Candidate.String())
	m.RoleChanged("orders", shard.Leader.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.role.WithLabelValues("orders", "Leader")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.role.WithLabelValues("orders", "Candidate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roleChanges.WithLabelValues("orders", "Candidate")))

	m.TransactionCommitted("orders")
	m.TransactionCommitted("orders")
	m.TransactionAborted("orders", "can-commit-timeout")
	m.CommitDuration("orders").ObserveDuration()
	m.CommitQueueDepth("orders", 3)
	m.MessageStashed("orders")
	m.MessageForwarded("orders")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.committed.WithLabelValues("orders")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.commitQueueDepth.WithLabelValues("orders")))

	names := familyNames(t, reg)
	assert.True(t, names["shardtx_shard_role"])
	assert.True(t, names["shardtx_shard_transactions_aborted_total"])
	assert.True(t, names["shardtx_shard_commit_duration_seconds"])
	assert.True(t, names["shardtx_shard_messages_forwarded_total"])
}

func TestNewClientMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClientMetrics(reg).(*clientMetrics)

	m.TransactionStarted()
	m.TransactionCompleted("committed")
	m.TransactionCompleted("aborted")
	m.CommitDuration().ObserveDuration()
	m.OperationThrottled("orders")
	m.LeaderResolved("orders", true)
	m.LeaderResolved("orders", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.started))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaderResolved.WithLabelValues("orders", "false")))

	names := familyNames(t, reg)
	assert.True(t, names["shardtx_client_transactions_completed_total"])
	assert.True(t, names["shardtx_client_commit_duration_seconds"])
}

func TestNewAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)

	require.NotNil(t, m)
	require.NotNil(t, m.Actor)
	require.NotNil(t, m.Cluster)
	require.NotNil(t, m.Shard)
	require.NotNil(t, m.Client)

	m.Actor.MessageHandled("a", "test", time.Millisecond, actor.OutcomeError)
	m.Cluster.RequestCompleted("test", true)
	m.Shard.TransactionCommitted("orders")
	m.Client.TransactionStarted()

	familyNames(t, reg)
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
