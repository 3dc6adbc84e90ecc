package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardtx/core/metrics"
	"github.com/codewandler/shardtx/core/shard"
)

// shardRoles lists every role label so the role gauge can be reset to a
// single active series per shard.
var shardRoles = []string{
	shard.Inactive.String(),
	shard.Starting.String(),
	shard.Candidate.String(),
	shard.Follower.String(),
	shard.PreLeader.String(),
	shard.Leader.String(),
	shard.IsolatedLeader.String(),
	shard.Stopped.String(),
}

// shardMetrics implements shard.ShardMetrics using Prometheus.
type shardMetrics struct {
	role             *prometheus.GaugeVec
	roleChanges      *prometheus.CounterVec
	committed        *prometheus.CounterVec
	aborted          *prometheus.CounterVec
	commitDuration   *prometheus.HistogramVec
	commitQueueDepth *prometheus.GaugeVec
	stashed          *prometheus.CounterVec
	forwarded        *prometheus.CounterVec
}

// NewShardMetrics creates a new Prometheus implementation of ShardMetrics.
func NewShardMetrics(reg prometheus.Registerer) shard.ShardMetrics {
	m := &shardMetrics{
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardtx_shard_role",
			Help: "Current role of a shard replica, 1 for the active role",
		}, []string{"shard", "role"}),

		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_shard_role_changes_total",
			Help: "Total number of role transitions",
		}, []string{"shard", "role"}),

		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_shard_transactions_committed_total",
			Help: "Total number of committed transactions",
		}, []string{"shard"}),

		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_shard_transactions_aborted_total",
			Help: "Total number of aborted transactions",
		}, []string{"shard", "reason"}),

		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardtx_shard_commit_duration_seconds",
			Help:    "Time from ready to durable commit in seconds",
			Buckets: defaultBuckets,
		}, []string{"shard"}),

		commitQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardtx_shard_commit_queue_depth",
			Help: "Number of transactions queued for commit",
		}, []string{"shard"}),

		stashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_shard_messages_stashed_total",
			Help: "Total number of messages stashed while no leader was known",
		}, []string{"shard"}),

		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_shard_messages_forwarded_total",
			Help: "Total number of messages forwarded to the leader",
		}, []string{"shard"}),
	}

	reg.MustRegister(
		m.role,
		m.roleChanges,
		m.committed,
		m.aborted,
		m.commitDuration,
		m.commitQueueDepth,
		m.stashed,
		m.forwarded,
	)

	return m
}

func (m *shardMetrics) RoleChanged(name string, role string) {
	for _, r := range shardRoles {
		v := 0.0
		if r == role {
			v = 1
		}
		m.role.WithLabelValues(name, r).Set(v)
	}
	m.roleChanges.WithLabelValues(name, role).Inc()
}

func (m *shardMetrics) TransactionCommitted(name string) {
	m.committed.WithLabelValues(name).Inc()
}

func (m *shardMetrics) TransactionAborted(name string, reason string) {
	m.aborted.WithLabelValues(name, reason).Inc()
}

func (m *shardMetrics) CommitDuration(name string) metrics.Timer {
	return newTimer(m.commitDuration.WithLabelValues(name))
}

func (m *shardMetrics) CommitQueueDepth(name string, depth int) {
	m.commitQueueDepth.WithLabelValues(name).Set(float64(depth))
}

func (m *shardMetrics) MessageStashed(name string) {
	m.stashed.WithLabelValues(name).Inc()
}

func (m *shardMetrics) MessageForwarded(name string) {
	m.forwarded.WithLabelValues(name).Inc()
}

var _ shard.ShardMetrics = (*shardMetrics)(nil)
