// Package prometheus provides Prometheus implementations of the metrics
// interfaces used by actors, cluster nodes, shards and the transaction
// client.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardtx/core/metrics"
)

// newTimer observes the elapsed seconds on h.
func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.StartTimer(func(d time.Duration) { h.Observe(d.Seconds()) })
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds Prometheus implementations for every instrumented layer.
type AllMetrics struct {
	Actor   *actorMetrics
	Cluster *clusterMetrics
	Shard   *shardMetrics
	Client  *clientMetrics
}

// NewAllMetrics registers all metric families on reg at once.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Actor:   NewActorMetrics(reg).(*actorMetrics),
		Cluster: NewClusterMetrics(reg).(*clusterMetrics),
		Shard:   NewShardMetrics(reg).(*shardMetrics),
		Client:  NewClientMetrics(reg).(*clientMetrics),
	}
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
