package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardtx/core/actor"
)

type actorMetrics struct {
	handled       *prometheus.HistogramVec
	mailbox       *prometheus.GaugeVec
	tasksInflight *prometheus.GaugeVec
	tasks         *prometheus.HistogramVec
}

// NewActorMetrics registers the actor loop families on reg. Message
// latency is labelled by message type and outcome, everything else by
// actor.
func NewActorMetrics(reg prometheus.Registerer) actor.ActorMetrics {
	m := &actorMetrics{
		handled: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardtx_actor_message_duration_seconds",
			Help:    "Time spent handling one message, by type and outcome",
			Buckets: defaultBuckets,
		}, []string{"message_type", "outcome"}),
		mailbox: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardtx_actor_mailbox_depth",
			Help: "Messages waiting in the mailbox",
		}, []string{"actor_id"}),
		tasksInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardtx_actor_tasks_inflight",
			Help: "Background tasks running for the actor",
		}, []string{"actor_id"}),
		tasks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardtx_actor_task_duration_seconds",
			Help:    "Background task run time, by outcome",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.handled, m.mailbox, m.tasksInflight, m.tasks)
	return m
}

func (m *actorMetrics) MessageHandled(_, msgType string, took time.Duration, outcome actor.Outcome) {
	m.handled.WithLabelValues(msgType, string(outcome)).Observe(took.Seconds())
}

func (m *actorMetrics) MailboxDepth(actorID string, depth int) {
	m.mailbox.WithLabelValues(actorID).Set(float64(depth))
}

func (m *actorMetrics) TaskStarted(actorID string) {
	m.tasksInflight.WithLabelValues(actorID).Inc()
}

func (m *actorMetrics) TaskFinished(actorID string, took time.Duration, outcome actor.Outcome) {
	m.tasksInflight.WithLabelValues(actorID).Dec()
	m.tasks.WithLabelValues(string(outcome)).Observe(took.Seconds())
}

var _ actor.ActorMetrics = (*actorMetrics)(nil)
