package txn

import "github.com/codewandler/shardtx/core/metrics"

// ClientMetrics instruments the transaction client.
type ClientMetrics interface {
	TransactionStarted()
	// TransactionCompleted counts finished transactions by outcome:
	// committed, aborted or failed.
	TransactionCompleted(outcome string)
	CommitDuration() metrics.Timer
	OperationThrottled(shard string)
	LeaderResolved(shard string, ok bool)
}

type nopClientMetrics struct{}

func (nopClientMetrics) TransactionStarted()           {}
func (nopClientMetrics) TransactionCompleted(string)   {}
func (nopClientMetrics) CommitDuration() metrics.Timer { return metrics.NopTimer() }
func (nopClientMetrics) OperationThrottled(string)     {}
func (nopClientMetrics) LeaderResolved(string, bool)   {}

func NopClientMetrics() ClientMetrics { return nopClientMetrics{} }
