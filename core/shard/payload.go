package shard

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/shardtx/core/datatree"
)

type PayloadKind string

const (
	PayloadCommit       PayloadKind = "commit"
	PayloadCloseHistory PayloadKind = "close-history"
)

// Payload is one replicated log record.
type Payload struct {
	Kind    PayloadKind           `json:"kind"`
	TxID    TransactionIdentifier `json:"tx_id"`
	Changes []datatree.Change     `json:"changes,omitempty"`
}

func EncodePayload(p Payload) ([]byte, error) { return json.Marshal(p) }

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// LogEntry is a committed payload at its log position.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Payload []byte `json:"payload"`
}

// shardSnapshot is the recovery image of a shard.
type shardSnapshot struct {
	Tree      *datatree.Tree    `json:"tree"`
	Frontends *FrontendMetadata `json:"frontends"`
}

// EncodeSnapshot captures tree and frontend metadata.
func EncodeSnapshot(tree *datatree.Tree, fm *FrontendMetadata) ([]byte, error) {
	return json.Marshal(shardSnapshot{Tree: tree, Frontends: fm})
}
