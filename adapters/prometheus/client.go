package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardtx/core/metrics"
	"github.com/codewandler/shardtx/core/txn"
)

// clientMetrics implements txn.ClientMetrics using Prometheus.
type clientMetrics struct {
	started        prometheus.Counter
	completed      *prometheus.CounterVec
	commitDuration prometheus.Histogram
	throttled      *prometheus.CounterVec
	leaderResolved *prometheus.CounterVec
}

// NewClientMetrics creates a new Prometheus implementation of ClientMetrics.
func NewClientMetrics(reg prometheus.Registerer) txn.ClientMetrics {
	m := &clientMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardtx_client_transactions_started_total",
			Help: "Total number of transactions started",
		}),

		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_client_transactions_completed_total",
			Help: "Total number of finished transactions by outcome",
		}, []string{"outcome"}),

		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardtx_client_commit_duration_seconds",
			Help:    "Client side commit latency in seconds",
			Buckets: defaultBuckets,
		}),

		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_client_operations_throttled_total",
			Help: "Total number of operations that found no limiter permit",
		}, []string{"shard"}),

		leaderResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_client_leader_resolutions_total",
			Help: "Total number of shard leader resolutions",
		}, []string{"shard", "success"}),
	}

	reg.MustRegister(
		m.started,
		m.completed,
		m.commitDuration,
		m.throttled,
		m.leaderResolved,
	)

	return m
}

func (m *clientMetrics) TransactionStarted() {
	m.started.Inc()
}

func (m *clientMetrics) TransactionCompleted(outcome string) {
	m.completed.WithLabelValues(outcome).Inc()
}

func (m *clientMetrics) CommitDuration() metrics.Timer {
	return newTimer(m.commitDuration)
}

func (m *clientMetrics) OperationThrottled(shard string) {
	m.throttled.WithLabelValues(shard).Inc()
}

func (m *clientMetrics) LeaderResolved(shard string, ok bool) {
	m.leaderResolved.WithLabelValues(shard, boolToStr(ok)).Inc()
}

var _ txn.ClientMetrics = (*clientMetrics)(nil)
