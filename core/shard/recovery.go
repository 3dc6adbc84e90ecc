package shard

import (
	"fmt"
	"log/slog"
)

type recoverySnapshot struct {
	snapshot JournalSnapshot
}

type recoveryBatch struct {
	entries []LogEntry
}

type recoveryCompleted struct {
	err error
}

// start moves an Inactive shard to Starting and reads the journal from a
// scheduled task. Its content reaches the loop as recoverySnapshot,
// recoveryBatch and finally recoveryCompleted messages.
func (s *Shard) start() {
	if s.role.Kind() != Inactive {
		s.log.Debug("start ignored", slog.String("role", s.role.Kind().String()))
		return
	}
	s.changeRole(Starting)

	j := s.opts.Journal
	if j == nil {
		s.onRecoveryCompleted(recoveryCompleted{})
		return
	}

	hc, size := s.hc, s.opts.RecoveryBatchSize
	hc.Schedule(func() {
		s.post(recoveryCompleted{err: s.readJournal(j, size)})
	})
}

func (s *Shard) readJournal(j Journal, size int) error {
	ctx := s.hc
	snap, err := j.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var after uint64
	if snap != nil {
		after = snap.Index
		s.post(recoverySnapshot{snapshot: *snap})
	}

	batch := make([]LogEntry, 0, size)
	err = j.ReadEntries(ctx, after, func(e LogEntry) error {
		batch = append(batch, e)
		if len(batch) == size {
			s.post(recoveryBatch{entries: batch})
			batch = make([]LogEntry, 0, size)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read entries: %w", err)
	}
	if len(batch) > 0 {
		s.post(recoveryBatch{entries: batch})
	}
	return nil
}

func (s *Shard) onRecoverySnapshot(m recoverySnapshot) {
	if s.role.Kind() != Starting {
		return
	}
	if err := s.restore(m.snapshot); err != nil {
		s.log.Error("recovery snapshot failed", slog.Any("error", err))
	}
}

func (s *Shard) onRecoveryBatch(m recoveryBatch) {
	if s.role.Kind() != Starting {
		return
	}
	for _, e := range m.entries {
		s.apply(e)
	}
	s.stats.RecoveredEntries += uint64(len(m.entries))
	s.log.Debug("recovered log batch", slog.Int("entries", len(m.entries)), slog.Uint64("last_applied", s.lastApplied))
}

// onRecoveryCompleted applies entries that arrived while recovering and
// moves to the role reported meanwhile, Candidate when there was none.
func (s *Shard) onRecoveryCompleted(m recoveryCompleted) {
	r, ok := s.role.(startingRole)
	if !ok {
		return
	}
	if m.err != nil {
		s.log.Error("recovery failed", slog.Any("error", m.err))
		s.changeRole(Inactive)
		return
	}

	buffered := s.recovering
	s.recovering = nil
	for _, e := range buffered {
		s.apply(e)
	}
	s.log.Info("recovery completed",
		slog.Uint64("recovered", s.stats.RecoveredEntries),
		slog.Int("buffered", len(buffered)),
		slog.Uint64("last_applied", s.lastApplied),
	)

	if r.pending != nil && CanTransition(Starting, *r.pending) {
		s.changeRole(*r.pending)
		return
	}
	s.changeRole(Candidate)
	if r.pending != nil && *r.pending != Candidate {
		s.changeRole(*r.pending)
	}
}
