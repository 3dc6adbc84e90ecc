package shard

import "time"

// Stats is a point-in-time view of a shard, published after every message.
type Stats struct {
	Identity           ShardIdentity `json:"identity"`
	Role               RoleKind      `json:"role"`
	Leader             string        `json:"leader,omitempty"`
	Committed          uint64        `json:"committed"`
	Aborted            uint64        `json:"aborted"`
	Forwarded          uint64        `json:"forwarded"`
	Stashed            uint64        `json:"stashed"`
	StashDepth         int           `json:"stash_depth"`
	QueueDepth         int           `json:"queue_depth"`
	OpenTransactions   int           `json:"open_transactions"`
	RecoveredEntries   uint64        `json:"recovered_entries"`
	AppliedEntries     uint64        `json:"applied_entries"`
	LastAppliedIndex   uint64        `json:"last_applied_index"`
	SnapshotsInstalled uint64        `json:"snapshots_installed"`
	LastCommittedAt    time.Time     `json:"last_committed_at,omitzero"`
}
