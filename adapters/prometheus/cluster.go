package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardtx/core/cluster"
	"github.com/codewandler/shardtx/core/metrics"
)

// clusterMetrics implements cluster.ClusterMetrics using Prometheus.
type clusterMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlersTotal   *prometheus.CounterVec
	repliesTotal    *prometheus.CounterVec
	repliesDropped  *prometheus.CounterVec
	shardsHosted    *prometheus.GaugeVec
}

// NewClusterMetrics creates a new Prometheus implementation of ClusterMetrics.
func NewClusterMetrics(reg prometheus.Registerer) cluster.ClusterMetrics {
	m := &clusterMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardtx_cluster_request_duration_seconds",
			Help:    "Time to hand an outbound message to the transport in seconds",
			Buckets: defaultBuckets,
		}, []string{"message_type"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_cluster_requests_total",
			Help: "Total number of outbound messages",
		}, []string{"message_type", "success"}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_cluster_transport_errors_total",
			Help: "Total number of transport errors",
		}, []string{"error_type"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardtx_cluster_handler_duration_seconds",
			Help:    "Inbound message handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"message_type"}),

		handlersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_cluster_handlers_total",
			Help: "Total number of inbound messages handled",
		}, []string{"message_type", "success"}),

		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_cluster_replies_delivered_total",
			Help: "Total number of replies delivered to a waiting sender",
		}, []string{"message_type"}),

		repliesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardtx_cluster_replies_dropped_total",
			Help: "Total number of replies that found no waiting sender",
		}, []string{"reason"}),

		shardsHosted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardtx_cluster_shards_hosted",
			Help: "Number of shard replicas hosted by a member",
		}, []string{"member"}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.transportErrors,
		m.handlerDuration,
		m.handlersTotal,
		m.repliesTotal,
		m.repliesDropped,
		m.shardsHosted,
	)

	return m
}

func (m *clusterMetrics) RequestDuration(msgType string) metrics.Timer {
	return newTimer(m.requestDuration.WithLabelValues(msgType))
}

func (m *clusterMetrics) RequestCompleted(msgType string, success bool) {
	m.requestsTotal.WithLabelValues(msgType, boolToStr(success)).Inc()
}

func (m *clusterMetrics) TransportError(errorType string) {
	m.transportErrors.WithLabelValues(errorType).Inc()
}

func (m *clusterMetrics) HandlerDuration(msgType string) metrics.Timer {
	return newTimer(m.handlerDuration.WithLabelValues(msgType))
}

func (m *clusterMetrics) HandlerCompleted(msgType string, success bool) {
	m.handlersTotal.WithLabelValues(msgType, boolToStr(success)).Inc()
}

func (m *clusterMetrics) ReplyDelivered(msgType string) {
	m.repliesTotal.WithLabelValues(msgType).Inc()
}

func (m *clusterMetrics) ReplyDropped(reason string) {
	m.repliesDropped.WithLabelValues(reason).Inc()
}

func (m *clusterMetrics) ShardsHosted(member string, count int) {
	m.shardsHosted.WithLabelValues(member).Set(float64(count))
}

var _ cluster.ClusterMetrics = (*clusterMetrics)(nil)
