package shard

import (
	"fmt"
	"time"

	"github.com/codewandler/shardtx/core/datatree"
	"github.com/codewandler/shardtx/core/metrics"
)

type CommitPhase uint8

const (
	PhaseReady CommitPhase = iota
	PhaseCanCommitPending
	PhaseCanCommitted
	PhasePreCommitPending
	PhasePreCommitted
	PhaseCommitting
	PhaseCommitted
	PhaseAborted
)

func (p CommitPhase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseCanCommitPending:
		return "can-commit-pending"
	case PhaseCanCommitted:
		return "can-committed"
	case PhasePreCommitPending:
		return "pre-commit-pending"
	case PhasePreCommitted:
		return "pre-committed"
	case PhaseCommitting:
		return "committing"
	case PhaseCommitted:
		return "committed"
	case PhaseAborted:
		return "aborted"
	}
	return fmt.Sprintf("CommitPhase(%d)", uint8(p))
}

func (p CommitPhase) IsTerminal() bool { return p == PhaseCommitted || p == PhaseAborted }

// IsPending reports the phases waiting on an asynchronous result.
func (p CommitPhase) IsPending() bool {
	return p == PhaseCanCommitPending || p == PhasePreCommitPending || p == PhaseCommitting
}

// CommitEntry tracks one readied transaction on the leader.
type CommitEntry struct {
	cohort     CommitCohort
	tx         *readWriteTransaction
	phase      CommitPhase
	lastAccess time.Time
	readyAt    time.Time

	// replyTo is the requester waiting for the current phase.
	replyTo Replier

	commitOnReady      bool
	canCommitRequested bool
	preCommitRequested bool
	commitRequested    bool

	// token tags scheduled phase work; stale completions are dropped.
	token     uint64
	candidate *datatree.Candidate
	timer     metrics.Timer
}

func (e *CommitEntry) TransactionID() TransactionIdentifier { return e.cohort.TransactionID() }

// advance moves to the next phase. Phases only move forward, except into
// Aborted from any non-terminal phase.
func (e *CommitEntry) advance(to CommitPhase) error {
	if e.phase.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrUnexpectedPhase, e.phase)
	}
	if to != PhaseAborted && to <= e.phase {
		return fmt.Errorf("%w: %s -> %s", ErrUnexpectedPhase, e.phase, to)
	}
	e.phase = to
	return nil
}

func (e *CommitEntry) touch(now time.Time) { e.lastAccess = now }

func (e *CommitEntry) idleFor(now time.Time) time.Duration { return now.Sub(e.lastAccess) }
