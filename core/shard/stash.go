package shard

import "time"

type stashedMessage struct {
	req    request
	reason string
	at     time.Time
}

// stash holds requests the current role cannot serve yet, in arrival order.
type stash struct {
	items []stashedMessage
	limit int
}

func newStash(limit int) *stash { return &stash{limit: limit} }

func (s *stash) push(m stashedMessage) bool {
	if s.limit > 0 && len(s.items) >= s.limit {
		return false
	}
	s.items = append(s.items, m)
	return true
}

// drain empties the stash and returns its content in arrival order.
func (s *stash) drain() []stashedMessage {
	out := s.items
	s.items = nil
	return out
}

func (s *stash) len() int { return len(s.items) }
