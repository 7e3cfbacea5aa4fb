package core

import (
	"github.com/tessoudali/nado/crypto"
)

// Block is one link of the chain. BlockHash covers every field except itself
// and ChildHash; ChildHash is filled in once a successor is applied.
type Block struct {
	BlockNumber        int64          `json:"block_number"`
	BlockTimestamp     int64          `json:"block_timestamp"`
	ParentHash         string         `json:"parent_hash"`
	BlockIP            string         `json:"block_ip"`
	BlockCreator       string         `json:"block_creator"`
	BlockTransactions  []*Transaction `json:"block_transactions"`
	BlockProducersHash string         `json:"block_producers_hash"`
	BlockReward        int64          `json:"block_reward"`
	BlockPenalty       int64          `json:"block_penalty"`
	BlockHash          string         `json:"block_hash"`
	ChildHash          string         `json:"child_hash"`
}

// hashBody holds the fields covered by the block hash.
type hashBody struct {
	BlockNumber        int64          `json:"block_number"`
	BlockTimestamp     int64          `json:"block_timestamp"`
	ParentHash         string         `json:"parent_hash"`
	BlockIP            string         `json:"block_ip"`
	BlockCreator       string         `json:"block_creator"`
	BlockTransactions  []*Transaction `json:"block_transactions"`
	BlockProducersHash string         `json:"block_producers_hash"`
	BlockReward        int64          `json:"block_reward"`
	BlockPenalty       int64          `json:"block_penalty"`
}

// ComputeHash returns the canonical hash of the block, excluding BlockHash
// and ChildHash.
func (b *Block) ComputeHash() string {
	return crypto.HashObject(hashBody{
		BlockNumber:        b.BlockNumber,
		BlockTimestamp:     b.BlockTimestamp,
		ParentHash:         b.ParentHash,
		BlockIP:            b.BlockIP,
		BlockCreator:       b.BlockCreator,
		BlockTransactions:  b.BlockTransactions,
		BlockProducersHash: b.BlockProducersHash,
		BlockReward:        b.BlockReward,
		BlockPenalty:       b.BlockPenalty,
	})
}

// ConstructBlock builds a block from the given fields. Transactions are
// sorted by txid before hashing so every node derives the same hash.
func ConstructBlock(number, timestamp int64, parentHash, ip, creator string, txs []*Transaction, producersHash string, reward, penalty int64) *Block {
	b := &Block{
		BlockNumber:        number,
		BlockTimestamp:     timestamp,
		ParentHash:         parentHash,
		BlockIP:            ip,
		BlockCreator:       creator,
		BlockTransactions:  SortByTxid(txs),
		BlockProducersHash: producersHash,
		BlockReward:        reward,
		BlockPenalty:       penalty,
	}
	b.BlockHash = b.ComputeHash()
	return b
}

// ValidBlockGap reports whether the new block respects the minimum spacing
// after the previous block.
func ValidBlockGap(newBlock, previous *Block, gap int64) bool {
	return newBlock.BlockTimestamp-previous.BlockTimestamp >= gap
}

// BlockReward computes the scheduled reward for a block number: the initial
// reward halves every halvingInterval blocks.
func BlockReward(initial, halvingInterval, number int64) int64 {
	if halvingInterval <= 0 {
		return initial
	}
	shift := number / halvingInterval
	if shift >= 63 {
		return 0
	}
	return initial >> uint(shift)
}
