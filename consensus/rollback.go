package consensus

import (
	"fmt"

	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/node"
)

// RollbackOneBlock reverses the effects of the latest applied block and
// repoints the chain at its parent: transactions are reverted and unindexed,
// the producer's reward and produced counter are taken back, the block
// record is deleted and the parent's child pointer is cleared. After a
// successful rollback the persisted state is identical to the state
// immediately before the block was applied.
//
// The caller holds the memserver's buffer lock.
func RollbackOneBlock(memserver *node.MemServer) (*core.Block, error) {
	block := memserver.LatestBlock
	if block.BlockNumber == 0 {
		return nil, fmt.Errorf("cannot roll back the genesis block")
	}

	parent, err := memserver.Chain.GetBlock(block.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("load parent of %s: %w", block.BlockHash, err)
	}

	for _, tx := range block.BlockTransactions {
		if err := memserver.Ledger.ReflectTransaction(tx, true); err != nil {
			return nil, fmt.Errorf("revert transaction %s: %w", tx.Txid, err)
		}
		if err := memserver.Chain.UnindexTransaction(tx); err != nil {
			return nil, fmt.Errorf("unindex transaction %s: %w", tx.Txid, err)
		}
	}

	if err := memserver.Ledger.ChangeBalance(block.BlockCreator, -block.BlockReward); err != nil {
		return nil, fmt.Errorf("reverse reward of %s: %w", block.BlockCreator, err)
	}
	if err := memserver.Ledger.IncreaseProducedCount(block.BlockCreator, block.BlockReward, true); err != nil {
		return nil, fmt.Errorf("reverse produced count of %s: %w", block.BlockCreator, err)
	}

	if err := memserver.Chain.DeleteBlock(block); err != nil {
		return nil, err
	}
	if err := memserver.Chain.UpdateChildHash(parent.BlockHash, ""); err != nil {
		return nil, err
	}
	if err := memserver.Chain.SetLatestHash(parent.BlockHash); err != nil {
		return nil, err
	}

	// Reload so the in-memory record carries the cleared child pointer.
	parent, err = memserver.Chain.GetBlock(parent.BlockHash)
	if err != nil {
		return nil, err
	}
	memserver.LatestBlock = parent
	return parent, nil
}
