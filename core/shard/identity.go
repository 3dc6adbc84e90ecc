package shard

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ShardIdentity names one replica of a shard.
type ShardIdentity struct {
	Member string `json:"member"`
	Shard  string `json:"shard"`
}

func NewShardIdentity(member, shard string) ShardIdentity {
	return ShardIdentity{Member: member, Shard: shard}
}

// ParseShardIdentity parses the "member/shard" form.
func ParseShardIdentity(s string) (ShardIdentity, error) {
	member, shard, ok := strings.Cut(s, "/")
	if !ok || member == "" || shard == "" {
		return ShardIdentity{}, fmt.Errorf("invalid shard identity %q", s)
	}
	return ShardIdentity{Member: member, Shard: shard}, nil
}

func (id ShardIdentity) String() string { return id.Member + "/" + id.Shard }
func (id ShardIdentity) IsZero() bool   { return id.Member == "" && id.Shard == "" }

// FrontendIdentifier names one client instance.
type FrontendIdentifier string

// NewFrontendIdentifier returns a fresh identifier for a client running on member.
func NewFrontendIdentifier(member string) FrontendIdentifier {
	return FrontendIdentifier(member + "-frontend-" + gonanoid.Must(10))
}

// HistoryIdentifier names a sequence of transactions of one frontend.
// History 0 holds standalone transactions, every other value is a chain.
type HistoryIdentifier struct {
	Frontend FrontendIdentifier `json:"frontend"`
	History  uint64             `json:"history"`
}

func (h HistoryIdentifier) IsChain() bool { return h.History != 0 }

func (h HistoryIdentifier) String() string {
	return string(h.Frontend) + "-" + strconv.FormatUint(h.History, 10)
}

// TransactionIdentifier is unique per transaction and ordered within a history.
type TransactionIdentifier struct {
	History HistoryIdentifier `json:"history"`
	Seq     uint64            `json:"seq"`
}

func NewTransactionIdentifier(h HistoryIdentifier, seq uint64) TransactionIdentifier {
	return TransactionIdentifier{History: h, Seq: seq}
}

func (t TransactionIdentifier) String() string {
	return t.History.String() + "-txn-" + strconv.FormatUint(t.Seq, 10)
}

func (t TransactionIdentifier) IsZero() bool { return t == TransactionIdentifier{} }

func (t TransactionIdentifier) Compare(o TransactionIdentifier) int {
	if c := cmp.Compare(t.History.Frontend, o.History.Frontend); c != 0 {
		return c
	}
	if c := cmp.Compare(t.History.History, o.History.History); c != 0 {
		return c
	}
	return cmp.Compare(t.Seq, o.Seq)
}
