package shard

import (
	"time"

	"github.com/codewandler/shardtx/core/datatree"
)

// readWriteTransaction is the leader-side state of a transaction that is
// still receiving modifications.
type readWriteTransaction struct {
	id    TransactionIdentifier
	chain *transactionChain
	mod   *datatree.Modification

	// batches counts client batches received, lastSeq dedupes retransmits.
	batches    uint64
	lastSeq    uint64
	lastAccess time.Time
}

func (tx *readWriteTransaction) apply(ops []datatree.Op) error {
	for _, op := range ops {
		if err := tx.mod.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// chainErr reports the failure of tx's chain, nil when tx is not chained
// or the chain is intact.
func (tx *readWriteTransaction) chainErr() error {
	if tx.chain == nil || tx.chain.state != chainFailed {
		return nil
	}
	return tx.chain.usable()
}
