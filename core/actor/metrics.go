package actor

import "time"

// Outcome labels how a message or scheduled task ended.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
	OutcomePanic Outcome = "panic"
)

func outcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// ActorMetrics receives measurements from actor loops and their
// schedulers. Implementations must be safe for concurrent use. For shards
// the actor ID is the replica name.
type ActorMetrics interface {
	MessageHandled(actorID, msgType string, took time.Duration, outcome Outcome)
	MailboxDepth(actorID string, depth int)
	TaskStarted(actorID string)
	TaskFinished(actorID string, took time.Duration, outcome Outcome)
}

type nopActorMetrics struct{}

func (nopActorMetrics) MessageHandled(string, string, time.Duration, Outcome) {}
func (nopActorMetrics) MailboxDepth(string, int)                              {}
func (nopActorMetrics) TaskStarted(string)                                    {}
func (nopActorMetrics) TaskFinished(string, time.Duration, Outcome)           {}

func NopActorMetrics() ActorMetrics { return nopActorMetrics{} }
