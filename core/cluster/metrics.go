package cluster

import "github.com/codewandler/shardtx/core/metrics"

// ClusterMetrics instruments the node and its transport. All methods are
// safe for concurrent use.
type ClusterMetrics interface {
	// Outbound messages
	RequestDuration(msgType string) metrics.Timer
	RequestCompleted(msgType string, success bool)

	// Transport errors: no_subscriber, timeout, ttl_expired, other
	TransportError(errorType string)

	// Inbound messages
	HandlerDuration(msgType string) metrics.Timer
	HandlerCompleted(msgType string, success bool)

	// Replies
	ReplyDelivered(msgType string)
	ReplyDropped(reason string)

	ShardsHosted(member string, count int)
}

type nopClusterMetrics struct{}

func (nopClusterMetrics) RequestDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopClusterMetrics) RequestCompleted(string, bool)        {}
func (nopClusterMetrics) TransportError(string)                {}
func (nopClusterMetrics) HandlerDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopClusterMetrics) HandlerCompleted(string, bool)        {}
func (nopClusterMetrics) ReplyDelivered(string)                {}
func (nopClusterMetrics) ReplyDropped(string)                  {}
func (nopClusterMetrics) ShardsHosted(string, int)             {}

// NopClusterMetrics returns a ClusterMetrics that records nothing.
func NopClusterMetrics() ClusterMetrics { return nopClusterMetrics{} }
