package shard

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/codewandler/shardtx/core/datatree"
)

// commitCoordinator owns the leader side of the commit pipeline: open
// transactions, chains and the ready queue. It runs on the shard loop only.
type commitCoordinator struct {
	s *Shard

	open    map[TransactionIdentifier]*readWriteTransaction
	chains  map[HistoryIdentifier]*transactionChain
	entries map[TransactionIdentifier]*CommitEntry
	// queue is the FIFO of readied transactions; only its head runs.
	queue []*CommitEntry

	frontend  *frontendTracker
	nextToken uint64
	// closing is set while abandoning; nothing new is started.
	closing bool
}

func newCommitCoordinator(s *Shard) *commitCoordinator {
	return &commitCoordinator{
		s:        s,
		open:     map[TransactionIdentifier]*readWriteTransaction{},
		chains:   map[HistoryIdentifier]*transactionChain{},
		entries:  map[TransactionIdentifier]*CommitEntry{},
		frontend: newFrontendTracker(s.frontends, s.opts.OutcomeCacheSize, s.opts.OutcomeCacheTTL),
	}
}

func (c *commitCoordinator) fail(kind ErrorKind, id TransactionIdentifier, cause error) error {
	return txError(kind, id, c.s.id, cause)
}

func (c *commitCoordinator) handle(req request) {
	switch m := req.(type) {
	case CreateTransaction:
		c.handleCreate(m)
	case BatchedModifications:
		c.handleBatched(m)
	case ReadData:
		c.handleRead(m)
	case CanCommitTransaction:
		c.handleCanCommit(m)
	case PreCommitTransaction:
		c.handlePreCommit(m)
	case CommitTransaction:
		c.handleCommit(m)
	case AbortTransaction:
		c.handleAbort(m)
	case CloseTransaction:
		c.handleClose(m)
	case CloseTransactionChain:
		c.handleCloseChain(m)
	default:
		reply(req.replier(), Failure{TxID: req.transactionID(), Err: fmt.Errorf("%w: %T", ErrUnexpectedPhase, req)})
	}
}

// ---- transaction building ----

// openTransaction returns the open transaction id, creating it when the
// shard has not seen it yet.
func (c *commitCoordinator) openTransaction(id TransactionIdentifier) (*readWriteTransaction, error) {
	if tx, ok := c.open[id]; ok {
		return tx, nil
	}
	if o, _ := c.frontend.outcome(id); o != outcomeUnknown {
		return nil, c.fail(KindProtocol, id, ErrDeadTransaction)
	}

	var tx *readWriteTransaction
	if id.History.IsChain() {
		if c.s.frontends.IsClosed(id.History) {
			return nil, c.fail(KindProtocol, id, fmt.Errorf("%w: %s", ErrChainClosed, id.History))
		}
		var err error
		tx, err = c.chain(id.History).newTransaction(id, c.s.tree)
		if err != nil {
			if errors.Is(err, ErrChainBroken) {
				return nil, c.fail(KindChainBroken, id, err)
			}
			return nil, c.fail(KindProtocol, id, err)
		}
	} else {
		tx = &readWriteTransaction{id: id, mod: c.s.tree.NewModification()}
	}

	tx.lastAccess = c.s.now()
	c.open[id] = tx
	return tx, nil
}

func (c *commitCoordinator) chain(h HistoryIdentifier) *transactionChain {
	ch, ok := c.chains[h]
	if !ok {
		ch = newTransactionChain(h)
		c.chains[h] = ch
	}
	return ch
}

func (c *commitCoordinator) handleCreate(m CreateTransaction) {
	if _, ok := c.entries[m.TxID]; !ok {
		if _, err := c.openTransaction(m.TxID); err != nil {
			reply(m.ReplyTo, Failure{TxID: m.TxID, Err: err})
			return
		}
	}
	reply(m.ReplyTo, CreateTransactionReply{TxID: m.TxID, Leader: c.s.id, Ref: c.s})
}

func (c *commitCoordinator) handleBatched(m BatchedModifications) {
	if e, ok := c.entries[m.TxID]; ok {
		c.batchedAfterReady(e, m)
		return
	}

	tx, err := c.openTransaction(m.TxID)
	if err != nil {
		reply(m.ReplyTo, Failure{TxID: m.TxID, Err: err})
		return
	}
	tx.lastAccess = c.s.now()

	if m.Seq != 0 && m.Seq <= tx.lastSeq {
		// retransmit of a batch already applied
		reply(m.ReplyTo, BatchedModificationsReply{TxID: m.TxID, Seq: m.Seq, NumBatched: len(m.Modifications)})
		return
	}

	if err := tx.apply(m.Modifications); err != nil {
		c.dropOpen(tx, err)
		reply(m.ReplyTo, Failure{TxID: m.TxID, Err: c.fail(KindValidation, m.TxID, fmt.Errorf("%w: %w", ErrValidation, err))})
		return
	}
	tx.batches += max(m.Batches, 1)
	if m.Seq != 0 {
		tx.lastSeq = m.Seq
	}

	if !m.Ready {
		reply(m.ReplyTo, BatchedModificationsReply{TxID: m.TxID, Seq: m.Seq, NumBatched: len(m.Modifications)})
		return
	}

	if m.TotalMessagesSent != tx.batches {
		err := c.fail(KindProtocol, m.TxID, fmt.Errorf("%w: expected %d, received %d", ErrMessageCount, m.TotalMessagesSent, tx.batches))
		c.dropOpen(tx, err)
		if tx.chain != nil {
			tx.chain.fail(err)
		}
		reply(m.ReplyTo, Failure{TxID: m.TxID, Err: err})
		return
	}
	c.readyTransaction(tx, m.DoCommitOnReady, m.ReplyTo)
}

// batchedAfterReady answers a batch for a transaction that is already
// readied. A repeated ready is acknowledged again.
func (c *commitCoordinator) batchedAfterReady(e *CommitEntry, m BatchedModifications) {
	if !m.Ready {
		reply(m.ReplyTo, Failure{TxID: m.TxID, Err: c.fail(KindProtocol, m.TxID, fmt.Errorf("%w: transaction already ready", ErrUnexpectedPhase))})
		return
	}
	e.touch(c.s.now())
	if e.commitOnReady {
		e.replyTo = m.ReplyTo
		return
	}
	reply(m.ReplyTo, ReadyTransactionReply{TxID: m.TxID, Cohort: c.s.id, Ref: c.s})
}

// dropOpen discards an open transaction and remembers it as aborted.
func (c *commitCoordinator) dropOpen(tx *readWriteTransaction, cause error) {
	delete(c.open, tx.id)
	if tx.chain != nil {
		tx.chain.onClosed(tx)
	}
	c.frontend.recordAborted(tx.id, cause)
}

func (c *commitCoordinator) readyTransaction(tx *readWriteTransaction, commitOnReady bool, replyTo Replier) {
	if tx.chain != nil {
		if err := tx.chain.usable(); err != nil {
			err = c.fail(KindChainBroken, tx.id, err)
			c.dropOpen(tx, err)
			reply(replyTo, Failure{TxID: tx.id, Err: err})
			return
		}
	}
	if len(c.queue) >= c.s.opts.CommitQueueCapacity {
		err := c.fail(KindProtocol, tx.id, fmt.Errorf("%w: %d transactions pending", ErrQueueFull, len(c.queue)))
		c.dropOpen(tx, err)
		if tx.chain != nil {
			tx.chain.fail(err)
		}
		reply(replyTo, Failure{TxID: tx.id, Err: err})
		return
	}

	tx.mod.Ready()
	delete(c.open, tx.id)

	cohort := CommitCohort(newSimpleCohort(tx, c.s.tree, c.s.opts.Cohorts, c.s.log))
	if tx.chain != nil {
		tx.chain.onReady(tx)
		cohort = newChainedCohort(cohort.(*simpleCohort), tx.chain)
	}

	now := c.s.now()
	e := &CommitEntry{
		cohort:        cohort,
		tx:            tx,
		phase:         PhaseReady,
		lastAccess:    now,
		readyAt:       now,
		commitOnReady: commitOnReady,
	}
	c.entries[tx.id] = e
	c.queue = append(c.queue, e)
	c.s.opts.Metrics.CommitQueueDepth(c.s.id.Shard, len(c.queue))

	c.s.log.Debug("transaction ready",
		slog.String("tx", tx.id.String()),
		slog.Int("ops", len(tx.mod.Ops())),
		slog.Bool("commit_on_ready", commitOnReady),
		slog.Int("queue", len(c.queue)),
	)

	if commitOnReady {
		e.replyTo = replyTo
		e.canCommitRequested = true
		e.commitRequested = true
	} else {
		reply(replyTo, ReadyTransactionReply{TxID: tx.id, Cohort: c.s.id, Ref: c.s})
	}
	c.processNext()
}

func (c *commitCoordinator) handleRead(m ReadData) {
	var (
		value  []byte
		exists bool
	)
	switch {
	case c.open[m.TxID] != nil:
		value, exists = c.open[m.TxID].mod.Read(m.Path)
	case c.entries[m.TxID] != nil:
		value, exists = c.entries[m.TxID].tx.mod.Read(m.Path)
	default:
		value, exists = c.s.tree.Snapshot().Read(m.Path)
	}
	reply(m.ReplyTo, ReadDataReply{TxID: m.TxID, Path: m.Path, Value: value, Exists: exists})
}

// ---- three-phase commit ----

// entryFor returns the commit entry of id, replying with the recorded
// outcome when there is none.
func (c *commitCoordinator) entryFor(id TransactionIdentifier, r Replier, committed any) (*CommitEntry, bool) {
	if e, ok := c.entries[id]; ok {
		return e, true
	}
	switch o, cause := c.frontend.outcome(id); o {
	case outcomeCommitted:
		reply(r, committed)
	case outcomeAborted:
		reply(r, Failure{TxID: id, Err: cause})
	default:
		reply(r, Failure{TxID: id, Err: c.fail(KindProtocol, id, ErrUnknownTransaction)})
	}
	return nil, false
}

func (c *commitCoordinator) handleCanCommit(m CanCommitTransaction) {
	e, ok := c.entryFor(m.TxID, m.ReplyTo, CanCommitTransactionReply{TxID: m.TxID, CanCommit: true})
	if !ok {
		return
	}
	e.touch(c.s.now())
	if e.phase >= PhaseCanCommitted {
		reply(m.ReplyTo, CanCommitTransactionReply{TxID: m.TxID, CanCommit: true})
		return
	}
	e.canCommitRequested = true
	e.replyTo = m.ReplyTo
	c.processNext()
}

func (c *commitCoordinator) handlePreCommit(m PreCommitTransaction) {
	e, ok := c.entryFor(m.TxID, m.ReplyTo, PreCommitTransactionReply{TxID: m.TxID})
	if !ok {
		return
	}
	e.touch(c.s.now())
	switch e.phase {
	case PhaseCanCommitted:
		e.preCommitRequested = true
		e.replyTo = m.ReplyTo
		c.startPreCommit(e)
	case PhaseCanCommitPending, PhasePreCommitPending:
		e.preCommitRequested = true
		e.replyTo = m.ReplyTo
	case PhasePreCommitted, PhaseCommitting:
		reply(m.ReplyTo, PreCommitTransactionReply{TxID: m.TxID})
	default:
		reply(m.ReplyTo, Failure{TxID: m.TxID, Err: c.fail(KindProtocol, m.TxID, fmt.Errorf("%w: preCommit in phase %s", ErrUnexpectedPhase, e.phase))})
	}
}

func (c *commitCoordinator) handleCommit(m CommitTransaction) {
	e, ok := c.entryFor(m.TxID, m.ReplyTo, CommitTransactionReply{TxID: m.TxID})
	if !ok {
		return
	}
	e.touch(c.s.now())
	e.commitRequested = true
	e.replyTo = m.ReplyTo

	switch e.phase {
	case PhaseReady:
		e.canCommitRequested = true
		c.processNext()
	case PhaseCanCommitted:
		c.startPreCommit(e)
	case PhasePreCommitted:
		c.startCommit(e)
	}
}

func (c *commitCoordinator) handleAbort(m AbortTransaction) {
	if e, ok := c.entries[m.TxID]; ok {
		if e.phase == PhaseCommitting {
			reply(m.ReplyTo, Failure{TxID: m.TxID, Err: c.fail(KindProtocol, m.TxID, ErrCommitInProgress)})
			return
		}
		c.failEntry(e, c.fail(KindProtocol, m.TxID, ErrAborted))
	} else if tx, ok := c.open[m.TxID]; ok {
		c.dropOpen(tx, c.fail(KindProtocol, m.TxID, ErrAborted))
	}
	reply(m.ReplyTo, AbortTransactionReply{TxID: m.TxID})
}

func (c *commitCoordinator) handleClose(m CloseTransaction) {
	if tx, ok := c.open[m.TxID]; ok {
		c.dropOpen(tx, c.fail(KindProtocol, m.TxID, ErrAborted))
	}
	reply(m.ReplyTo, CloseTransactionReply{TxID: m.TxID})
}

func (c *commitCoordinator) handleCloseChain(m CloseTransactionChain) {
	if ch, ok := c.chains[m.History]; ok {
		if ch.open != nil {
			c.dropOpen(ch.open, c.fail(KindProtocol, ch.open.id, ErrChainClosed))
		}
		ch.close()
	}
	if !c.s.frontends.IsClosed(m.History) {
		c.replicate(TransactionIdentifier{History: m.History}, Payload{Kind: PayloadCloseHistory, TxID: TransactionIdentifier{History: m.History}})
	}
	reply(m.ReplyTo, CloseTransactionChainReply{History: m.History})
}

// processNext starts canCommit on the queue head once it was requested.
func (c *commitCoordinator) processNext() {
	if c.closing || len(c.queue) == 0 {
		return
	}
	head := c.queue[0]
	if head.phase == PhaseReady && head.canCommitRequested {
		c.startCanCommit(head)
	}
}

func (c *commitCoordinator) token(e *CommitEntry) uint64 {
	c.nextToken++
	e.token = c.nextToken
	return e.token
}

func (c *commitCoordinator) startCanCommit(e *CommitEntry) {
	if cc, ok := e.cohort.(*chainedCohort); ok {
		if err := cc.checkChain(); err != nil {
			c.failEntry(e, c.fail(KindChainBroken, e.tx.id, err))
			return
		}
	}
	_ = e.advance(PhaseCanCommitPending)
	e.timer = c.s.opts.Metrics.CommitDuration(c.s.id.Shard)

	id, tok, cohort := e.tx.id, c.token(e), e.cohort
	hc := c.s.hc
	hc.Schedule(func() {
		err := cohort.CanCommit(hc)
		c.s.post(phaseCompleted{TxID: id, token: tok, phase: PhaseCanCommitPending, err: err})
	})
}

func (c *commitCoordinator) startPreCommit(e *CommitEntry) {
	_ = e.advance(PhasePreCommitPending)

	id, tok, cohort := e.tx.id, c.token(e), e.cohort
	hc := c.s.hc
	hc.Schedule(func() {
		cand, err := cohort.PreCommit(hc)
		c.s.post(phaseCompleted{TxID: id, token: tok, phase: PhasePreCommitPending, candidate: cand, err: err})
	})
}

func (c *commitCoordinator) startCommit(e *CommitEntry) {
	if c.s.role.Kind() == IsolatedLeader {
		c.failEntry(e, c.fail(KindReplication, e.tx.id, ErrQuorumLost))
		return
	}
	_ = e.advance(PhaseCommitting)
	c.token(e)
	c.replicate(e.tx.id, Payload{Kind: PayloadCommit, TxID: e.tx.id, Changes: e.candidate.Changes()})
}

// replicate submits p; the outcome arrives as LogEntryCommitted or
// ReplicationFailed.
func (c *commitCoordinator) replicate(id TransactionIdentifier, p Payload) {
	payload, err := EncodePayload(p)
	if err != nil {
		c.s.post(ReplicationFailed{TxID: id, Err: err})
		return
	}
	r, hc := c.s.replicator, c.s.hc
	hc.Schedule(func() {
		if err := r.Replicate(hc, id, payload); err != nil {
			c.s.post(ReplicationFailed{TxID: id, Err: err})
		}
	})
}

// phaseCompleted carries the result of scheduled phase work back into the
// shard loop.
type phaseCompleted struct {
	TxID      TransactionIdentifier
	token     uint64
	phase     CommitPhase
	candidate *datatree.Candidate
	err       error
}

func (c *commitCoordinator) onPhaseCompleted(m phaseCompleted) {
	e, ok := c.entries[m.TxID]
	if !ok || e.token != m.token || e.phase != m.phase {
		c.s.log.Debug("stale phase completion", slog.String("tx", m.TxID.String()), slog.String("phase", m.phase.String()))
		return
	}
	e.touch(c.s.now())

	switch m.phase {
	case PhaseCanCommitPending:
		if m.err != nil {
			c.failEntry(e, c.fail(KindValidation, e.tx.id, m.err))
			return
		}
		_ = e.advance(PhaseCanCommitted)
		if e.commitRequested || e.preCommitRequested {
			c.startPreCommit(e)
			return
		}
		c.replyPhase(e, CanCommitTransactionReply{TxID: e.tx.id, CanCommit: true})

	case PhasePreCommitPending:
		if m.err != nil {
			kind := KindValidation
			if errors.Is(m.err, datatree.ErrStaleCandidate) {
				kind = KindProtocol
			}
			c.failEntry(e, c.fail(kind, e.tx.id, m.err))
			return
		}
		e.candidate = m.candidate
		_ = e.advance(PhasePreCommitted)
		if e.commitRequested {
			c.startCommit(e)
			return
		}
		c.replyPhase(e, PreCommitTransactionReply{TxID: e.tx.id})
	}
}

func (c *commitCoordinator) replyPhase(e *CommitEntry, msg any) {
	r := e.replyTo
	e.replyTo = nil
	reply(r, msg)
}

// onCommitted finishes the entry a replicated payload belongs to. It
// reports false when the payload is not one of ours.
func (c *commitCoordinator) onCommitted(p Payload) bool {
	if p.Kind != PayloadCommit {
		return false
	}
	e, ok := c.entries[p.TxID]
	if !ok || e.phase != PhaseCommitting {
		return false
	}

	if err := e.cohort.Commit(c.s.hc, e.candidate); err != nil {
		// the log is authoritative; keep the tree in line with it
		c.s.log.Error("commit of replicated candidate failed, applying changes",
			slog.String("tx", e.tx.id.String()), slog.Any("error", err))
		c.s.tree.ApplyChanges(p.Changes)
	}
	_ = e.advance(PhaseCommitted)
	c.s.frontends.apply(p)
	c.remove(e)

	if e.timer != nil {
		e.timer.ObserveDuration()
	}
	c.s.stats.Committed++
	c.s.stats.LastCommittedAt = c.s.now()
	c.s.opts.Metrics.TransactionCommitted(c.s.id.Shard)
	for _, l := range c.s.opts.Listeners {
		l.OnCommitted(e.tx.id, e.candidate)
	}
	c.replyPhase(e, CommitTransactionReply{TxID: e.tx.id})

	c.processNext()
	return true
}

func (c *commitCoordinator) onReplicationFailed(m ReplicationFailed) {
	e, ok := c.entries[m.TxID]
	if !ok || e.phase != PhaseCommitting {
		c.s.log.Warn("replication failed", slog.String("tx", m.TxID.String()), slog.Any("error", m.Err))
		return
	}
	c.failEntry(e, c.fail(KindReplication, m.TxID, fmt.Errorf("%w: %w", ErrReplication, m.Err)))
}

// failEntry aborts e, reports err to whoever waits on it and lets the next
// entry run.
func (c *commitCoordinator) failEntry(e *CommitEntry, err error) {
	if e.phase.IsTerminal() {
		return
	}
	wasHead := len(c.queue) > 0 && c.queue[0] == e

	_ = e.advance(PhaseAborted)
	if abortErr := e.cohort.Abort(c.s.hc, err); abortErr != nil {
		c.s.log.Warn("cohort abort failed", slog.String("tx", e.tx.id.String()), slog.Any("error", abortErr))
	}
	c.frontend.recordAborted(e.tx.id, err)
	c.remove(e)

	c.s.stats.Aborted++
	c.s.opts.Metrics.TransactionAborted(c.s.id.Shard, abortReason(err))
	c.s.log.Info("transaction aborted", slog.String("tx", e.tx.id.String()), slog.Any("error", err))
	c.replyPhase(e, Failure{TxID: e.tx.id, Err: err})

	if wasHead {
		c.processNext()
	}
}

func abortReason(err error) string {
	var txe *TxError
	if errors.As(err, &txe) {
		return txe.Kind.String()
	}
	return "unknown"
}

func (c *commitCoordinator) remove(e *CommitEntry) {
	delete(c.entries, e.tx.id)
	c.queue = slices.DeleteFunc(c.queue, func(x *CommitEntry) bool { return x == e })
	c.s.opts.Metrics.CommitQueueDepth(c.s.id.Shard, len(c.queue))
}

// ---- liveness ----

// checkTimeouts fails the head entry when idle past the commit timeout,
// expires queued entries and open transactions older than the queue
// expiry, and forgets finished chains.
func (c *commitCoordinator) checkTimeouts() {
	now := c.s.now()
	var expired []*CommitEntry

	for i, e := range c.queue {
		if e.phase == PhaseCommitting {
			continue
		}
		if i == 0 && e.idleFor(now) > c.s.opts.TransactionCommitTimeout {
			expired = append(expired, e)
			continue
		}
		if now.Sub(e.readyAt) > c.s.opts.CommitQueueExpiry {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.s.log.Warn("commit entry timed out",
			slog.String("tx", e.tx.id.String()),
			slog.String("phase", e.phase.String()),
			slog.Duration("idle", e.idleFor(now)),
		)
		c.failEntry(e, c.fail(KindTimeout, e.tx.id, fmt.Errorf("%w: idle for %s in phase %s", ErrTimeout, e.idleFor(now).Round(time.Millisecond), e.phase)))
	}

	for id, tx := range c.open {
		if now.Sub(tx.lastAccess) <= c.s.opts.CommitQueueExpiry {
			continue
		}
		err := c.fail(KindTimeout, id, fmt.Errorf("%w: open transaction idle", ErrTimeout))
		c.dropOpen(tx, err)
		if tx.chain != nil {
			tx.chain.fail(err)
		}
		c.s.log.Warn("open transaction expired", slog.String("tx", id.String()))
	}

	for h, ch := range c.chains {
		if ch.state != chainOpen && ch.idle() {
			delete(c.chains, h)
		}
	}
}

// ---- leadership loss ----

// abandon hands pending work to target, the new leader, or fails it with
// cause when there is none. Entries already replicating cannot be moved
// and fail with a leadership-lost error.
func (c *commitCoordinator) abandon(target Ref, cause error) {
	c.closing = true
	ctx, cancel := c.s.operationContext()
	defer cancel()

	forward := func(msg request) {
		if err := target.Tell(ctx, msg); err != nil {
			c.s.log.Warn("forward to new leader failed", slog.String("tx", msg.transactionID().String()), slog.Any("error", err))
			reply(msg.replier(), Failure{TxID: msg.transactionID(), Err: c.fail(KindRole, msg.transactionID(), c.s.notLeader("forward to new leader failed"))})
		}
	}

	// the queue is in ready order, so a failed link is seen before its
	// successors in the same history
	for _, e := range slices.Clone(c.queue) {
		id := e.tx.id
		if e.phase == PhaseCommitting {
			c.failEntry(e, c.fail(KindRole, id, ErrLeadershipLost))
			continue
		}
		if err := e.tx.chainErr(); err != nil {
			c.failEntry(e, c.fail(KindChainBroken, id, err))
			continue
		}
		if target == nil {
			c.failEntry(e, c.fail(KindRole, id, cause))
			continue
		}

		msgs := c.convert(e)
		_ = e.advance(PhaseAborted)
		c.handOff(e, cause)
		c.remove(e)
		for _, msg := range msgs {
			forward(msg)
		}
		c.s.stats.Forwarded++
	}

	for _, id := range c.openIDs() {
		tx := c.open[id]
		if err := tx.chainErr(); err != nil {
			c.dropOpen(tx, c.fail(KindChainBroken, id, err))
			c.s.log.Info("open transaction dropped", slog.String("tx", id.String()), slog.Any("error", err))
			continue
		}
		delete(c.open, id)
		if target == nil {
			continue
		}
		forward(BatchedModifications{
			TxID:          id,
			Seq:           tx.lastSeq,
			Modifications: tx.mod.Ops(),
			Batches:       tx.batches,
			ReplyTo:       NoReply,
		})
	}

	c.chains = map[HistoryIdentifier]*transactionChain{}
	c.frontend.close()
}

// handOff releases the external cohorts of an entry moving to the new
// leader. Its chain stays intact; the successors move along with it.
func (c *commitCoordinator) handOff(e *CommitEntry, cause error) {
	cohort := e.cohort
	if cc, ok := cohort.(*chainedCohort); ok {
		cohort = cc.simpleCohort
	}
	if err := cohort.Abort(c.s.hc, cause); err != nil {
		c.s.log.Warn("cohort abort failed", slog.String("tx", e.tx.id.String()), slog.Any("error", err))
	}
}

// openIDs lists open transactions in history order, so chained
// transactions reach the new leader after their predecessors.
func (c *commitCoordinator) openIDs() []TransactionIdentifier {
	ids := make([]TransactionIdentifier, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, TransactionIdentifier.Compare)
	return ids
}

// convert rebuilds the requests that brought e to its phase. The pending
// requester, if any, is attached to the last one; earlier requests were
// answered already.
func (c *commitCoordinator) convert(e *CommitEntry) []request {
	id := e.tx.id
	ready := BatchedModifications{
		TxID:              id,
		Modifications:     e.tx.mod.Ops(),
		Ready:             true,
		DoCommitOnReady:   e.commitOnReady,
		TotalMessagesSent: 1,
		ReplyTo:           NoReply,
	}
	if e.commitOnReady {
		ready.ReplyTo = replyTo(e.replyTo)
		return []request{ready}
	}

	msgs := []request{ready}
	if e.canCommitRequested {
		msgs = append(msgs, CanCommitTransaction{TxID: id, ReplyTo: NoReply})
	}
	if e.preCommitRequested && !e.commitRequested {
		msgs = append(msgs, PreCommitTransaction{TxID: id, ReplyTo: NoReply})
	}
	if e.commitRequested {
		msgs = append(msgs, CommitTransaction{TxID: id, ReplyTo: NoReply})
	}

	if e.replyTo != nil && len(msgs) > 1 {
		last := msgs[len(msgs)-1]
		switch m := last.(type) {
		case CanCommitTransaction:
			m.ReplyTo = e.replyTo
			msgs[len(msgs)-1] = m
		case PreCommitTransaction:
			m.ReplyTo = e.replyTo
			msgs[len(msgs)-1] = m
		case CommitTransaction:
			m.ReplyTo = e.replyTo
			msgs[len(msgs)-1] = m
		}
	}
	return msgs
}

func (c *commitCoordinator) queueDepth() int { return len(c.queue) }
func (c *commitCoordinator) openCount() int  { return len(c.open) }

func reply(r Replier, msg any) {
	if r != nil {
		r.Reply(msg)
	}
}
