package shard

import (
	"fmt"
)

type RoleKind uint8

const (
	Inactive RoleKind = iota
	Starting
	Candidate
	Follower
	PreLeader
	Leader
	IsolatedLeader
	Stopped
)

var roleNames = [...]string{
	Inactive:       "Inactive",
	Starting:       "Starting",
	Candidate:      "Candidate",
	Follower:       "Follower",
	PreLeader:      "PreLeader",
	Leader:         "Leader",
	IsolatedLeader: "IsolatedLeader",
	Stopped:        "Stopped",
}

func (k RoleKind) String() string {
	if int(k) < len(roleNames) {
		return roleNames[k]
	}
	return fmt.Sprintf("RoleKind(%d)", uint8(k))
}

func (k RoleKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RoleKind) UnmarshalText(b []byte) error {
	for i, n := range roleNames {
		if n == string(b) {
			*k = RoleKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", b)
}

// IsLeader reports whether the role owns the commit pipeline.
func (k RoleKind) IsLeader() bool { return k == Leader || k == IsolatedLeader }

// Role is the behavior of a shard in one replication role. The set of
// implementations is closed; transitions build a new value.
type Role interface {
	Kind() RoleKind
	route(s *Shard, req request) decision
	sealed()
}

type decisionKind uint8

const (
	execute decisionKind = iota
	forward
	stashIt
	reject
)

type decision struct {
	kind   decisionKind
	to     Ref
	reason string
	err    error
}

func executeReq() decision                 { return decision{kind: execute} }
func forwardTo(ref Ref) decision           { return decision{kind: forward, to: ref} }
func stashFor(reason string) decision      { return decision{kind: stashIt, reason: reason} }
func rejectWith(err error) decision        { return decision{kind: reject, err: err} }
func (d decision) String() string          { return [...]string{"execute", "forward", "stash", "reject"}[d.kind] }

type (
	inactiveRole struct{}

	startingRole struct {
		// pending is the role reported by the replication layer while
		// recovering; applied once recovery completes.
		pending *RoleKind
	}

	candidateRole struct{}

	followerRole struct {
		leader string
	}

	preLeaderRole struct{}

	leaderRole struct {
		coord *commitCoordinator
	}

	isolatedLeaderRole struct {
		coord *commitCoordinator
	}

	stoppedRole struct{}
)

func (inactiveRole) Kind() RoleKind       { return Inactive }
func (startingRole) Kind() RoleKind       { return Starting }
func (candidateRole) Kind() RoleKind      { return Candidate }
func (followerRole) Kind() RoleKind       { return Follower }
func (preLeaderRole) Kind() RoleKind      { return PreLeader }
func (leaderRole) Kind() RoleKind         { return Leader }
func (isolatedLeaderRole) Kind() RoleKind { return IsolatedLeader }
func (stoppedRole) Kind() RoleKind        { return Stopped }

func (inactiveRole) sealed()       {}
func (startingRole) sealed()       {}
func (candidateRole) sealed()      {}
func (followerRole) sealed()       {}
func (preLeaderRole) sealed()      {}
func (leaderRole) sealed()         {}
func (isolatedLeaderRole) sealed() {}
func (stoppedRole) sealed()        {}

func (inactiveRole) route(s *Shard, req request) decision {
	return rejectWith(fmt.Errorf("%w: %s", ErrNotStarted, s.id))
}

func (startingRole) route(s *Shard, req request) decision {
	return stashFor("shard is recovering")
}

func (candidateRole) route(s *Shard, req request) decision {
	if _, ok := req.(CreateTransaction); ok {
		return rejectWith(s.notLeader("no shard leader, election in progress"))
	}
	return stashFor("election in progress")
}

func (r followerRole) route(s *Shard, req request) decision {
	if ref, ok := s.resolvePeer(r.leader); ok {
		return forwardTo(ref)
	}
	if r.leader == "" {
		return stashFor("leader unknown")
	}
	return stashFor(fmt.Sprintf("leader %s not reachable yet", r.leader))
}

func (preLeaderRole) route(s *Shard, req request) decision {
	return stashFor("leader state being rehydrated")
}

func (leaderRole) route(s *Shard, req request) decision { return executeReq() }

func (isolatedLeaderRole) route(s *Shard, req request) decision { return executeReq() }

func (stoppedRole) route(s *Shard, req request) decision {
	return rejectWith(fmt.Errorf("%w: %s", ErrStopped, s.id))
}

func (r leaderRole) coordinator() *commitCoordinator         { return r.coord }
func (r isolatedLeaderRole) coordinator() *commitCoordinator { return r.coord }

// committer is implemented by the roles that own the commit pipeline.
type committer interface {
	Role
	coordinator() *commitCoordinator
}

var (
	_ committer = leaderRole{}
	_ committer = isolatedLeaderRole{}
)

// transitions lists the legal edges. Stopped is reachable from every role,
// Inactive from every active role.
var transitions = map[RoleKind][]RoleKind{
	Inactive:       {Starting},
	Starting:       {Candidate, Follower, PreLeader},
	Candidate:      {Follower, PreLeader, Leader},
	Follower:       {Follower, Candidate, PreLeader},
	PreLeader:      {Leader, Candidate, Follower, IsolatedLeader},
	Leader:         {IsolatedLeader, Follower, Candidate},
	IsolatedLeader: {Leader, Follower, Candidate},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to RoleKind) bool {
	if from == Stopped {
		return false
	}
	if to == Stopped {
		return true
	}
	if to == Inactive {
		return from != Inactive
	}
	for _, k := range transitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// transition builds the role that follows from. Leader state is carried
// between Leader and IsolatedLeader and created fresh otherwise.
func transition(s *Shard, from Role, to RoleKind, leader string) (Role, error) {
	if !CanTransition(from.Kind(), to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from.Kind(), to)
	}

	switch to {
	case Inactive:
		return inactiveRole{}, nil
	case Starting:
		return startingRole{}, nil
	case Candidate:
		return candidateRole{}, nil
	case Follower:
		return followerRole{leader: leader}, nil
	case PreLeader:
		return preLeaderRole{}, nil
	case Leader:
		if c, ok := from.(committer); ok {
			return leaderRole{coord: c.coordinator()}, nil
		}
		return leaderRole{coord: newCommitCoordinator(s)}, nil
	case IsolatedLeader:
		if c, ok := from.(committer); ok {
			return isolatedLeaderRole{coord: c.coordinator()}, nil
		}
		return isolatedLeaderRole{coord: newCommitCoordinator(s)}, nil
	case Stopped:
		return stoppedRole{}, nil
	}
	return nil, fmt.Errorf("%w: unknown role %s", ErrIllegalTransition, to)
}
