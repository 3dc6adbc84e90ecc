package shard

import "github.com/codewandler/shardtx/core/metrics"

// ShardMetrics defines the metrics interface for shards.
// All methods are thread-safe.
type ShardMetrics interface {
	RoleChanged(shard string, role string)

	// Commit pipeline
	TransactionCommitted(shard string)
	TransactionAborted(shard string, reason string)
	CommitDuration(shard string) metrics.Timer
	CommitQueueDepth(shard string, depth int)

	// Routing
	MessageStashed(shard string)
	MessageForwarded(shard string)
}

type nopShardMetrics struct{}

func (nopShardMetrics) RoleChanged(string, string)          {}
func (nopShardMetrics) TransactionCommitted(string)         {}
func (nopShardMetrics) TransactionAborted(string, string)   {}
func (nopShardMetrics) CommitDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopShardMetrics) CommitQueueDepth(string, int)        {}
func (nopShardMetrics) MessageStashed(string)               {}
func (nopShardMetrics) MessageForwarded(string)             {}

// NopShardMetrics returns a no-op ShardMetrics implementation.
func NopShardMetrics() ShardMetrics { return nopShardMetrics{} }
