package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tessoudali/nado/core"
)

const (
	prefixBlock     = "block:"
	prefixHeight    = "height:"
	prefixTx        = "tx:"
	prefixAcctTx    = "acct_tx:"
	prefixProducers = "producers:"
	keyLatest       = "chain:latest"
	keyEarliest     = "chain:earliest"

	blockCacheSize = 256
	feeWindow      = 100
)

// ChainStore persists blocks, the txid index, per-account transaction lists
// and producer sets.
type ChainStore struct {
	db    DB
	cache *lru.Cache // block hash → *core.Block
}

// NewChainStore creates a ChainStore backed by db.
func NewChainStore(db DB) *ChainStore {
	cache, _ := lru.New(blockCacheSize)
	return &ChainStore{db: db, cache: cache}
}

// SaveBlock writes the block record and its height index entry atomically.
func (c *ChainStore) SaveBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	batch := c.db.NewBatch()
	batch.Set([]byte(prefixBlock+block.BlockHash), data)
	batch.Set([]byte(prefixHeight+strconv.FormatInt(block.BlockNumber, 10)), []byte(block.BlockHash))
	if err := batch.Write(); err != nil {
		return fmt.Errorf("save block %s: %w", block.BlockHash, err)
	}
	c.cache.Remove(block.BlockHash)
	return nil
}

// GetBlock returns a block by its hash, or ErrNotFound.
func (c *ChainStore) GetBlock(hash string) (*core.Block, error) {
	if cached, ok := c.cache.Get(hash); ok {
		return cached.(*core.Block), nil
	}
	data, err := c.db.Get([]byte(prefixBlock + hash))
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	c.cache.Add(hash, &b)
	return &b, nil
}

// KnowsBlock reports whether a block with hash is stored locally.
func (c *ChainStore) KnowsBlock(hash string) bool {
	_, err := c.GetBlock(hash)
	return err == nil
}

// GetBlockByNumber returns the block at the given height.
func (c *ChainStore) GetBlockByNumber(number int64) (*core.Block, error) {
	hash, err := c.db.Get([]byte(prefixHeight + strconv.FormatInt(number, 10)))
	if err != nil {
		return nil, err
	}
	return c.GetBlock(string(hash))
}

// DeleteBlock removes a block record and its height index entry.
func (c *ChainStore) DeleteBlock(block *core.Block) error {
	batch := c.db.NewBatch()
	batch.Delete([]byte(prefixBlock + block.BlockHash))
	batch.Delete([]byte(prefixHeight + strconv.FormatInt(block.BlockNumber, 10)))
	if err := batch.Write(); err != nil {
		return fmt.Errorf("delete block %s: %w", block.BlockHash, err)
	}
	c.cache.Remove(block.BlockHash)
	return nil
}

// UpdateChildHash rewrites the stored parent block with childHash filled in.
func (c *ChainStore) UpdateChildHash(parentHash, childHash string) error {
	parent, err := c.GetBlock(parentHash)
	if err != nil {
		return fmt.Errorf("load parent %s: %w", parentHash, err)
	}
	parent.ChildHash = childHash
	data, err := json.Marshal(parent)
	if err != nil {
		return err
	}
	if err := c.db.Set([]byte(prefixBlock+parentHash), data); err != nil {
		return err
	}
	c.cache.Remove(parentHash)
	return nil
}

// SetLatestHash persists the latest-block pointer.
func (c *ChainStore) SetLatestHash(hash string) error {
	return c.db.Set([]byte(keyLatest), []byte(hash))
}

// GetLatestHash returns the latest-block pointer, or "" for a fresh chain.
func (c *ChainStore) GetLatestHash() (string, error) {
	val, err := c.db.Get([]byte(keyLatest))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// SetEarliestHash persists the earliest-block pointer.
func (c *ChainStore) SetEarliestHash(hash string) error {
	return c.db.Set([]byte(keyEarliest), []byte(hash))
}

// GetEarliestHash returns the earliest-block pointer, or "" for a fresh chain.
func (c *ChainStore) GetEarliestHash() (string, error) {
	val, err := c.db.Get([]byte(keyEarliest))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// IndexTransaction records txid → block hash and marks the transaction under
// both the sender's and the recipient's account.
func (c *ChainStore) IndexTransaction(tx *core.Transaction, blockHash string) error {
	batch := c.db.NewBatch()
	batch.Set([]byte(prefixTx+tx.Txid), []byte(blockHash))
	batch.Set([]byte(prefixAcctTx+tx.Sender+":"+tx.Txid), []byte(blockHash))
	batch.Set([]byte(prefixAcctTx+tx.Recipient+":"+tx.Txid), []byte(blockHash))
	if err := batch.Write(); err != nil {
		return fmt.Errorf("index transaction %s: %w", tx.Txid, err)
	}
	return nil
}

// UnindexTransaction removes all index entries of tx.
func (c *ChainStore) UnindexTransaction(tx *core.Transaction) error {
	batch := c.db.NewBatch()
	batch.Delete([]byte(prefixTx + tx.Txid))
	batch.Delete([]byte(prefixAcctTx + tx.Sender + ":" + tx.Txid))
	batch.Delete([]byte(prefixAcctTx + tx.Recipient + ":" + tx.Txid))
	if err := batch.Write(); err != nil {
		return fmt.Errorf("unindex transaction %s: %w", tx.Txid, err)
	}
	return nil
}

// TransactionIndexed reports whether txid is already indexed. Satisfies
// core.TxLookup.
func (c *ChainStore) TransactionIndexed(txid string) bool {
	_, err := c.db.Get([]byte(prefixTx + txid))
	return err == nil
}

// GetTransaction resolves txid through its block, or ErrNotFound.
func (c *ChainStore) GetTransaction(txid string) (*core.Transaction, error) {
	blockHash, err := c.db.Get([]byte(prefixTx + txid))
	if err != nil {
		return nil, err
	}
	block, err := c.GetBlock(string(blockHash))
	if err != nil {
		return nil, err
	}
	for _, tx := range block.BlockTransactions {
		if tx.Txid == txid {
			return tx, nil
		}
	}
	return nil, ErrNotFound
}

// GetTransactionsOfAccount returns every indexed transaction touching the
// account in a block numbered minBlock or higher.
func (c *ChainStore) GetTransactionsOfAccount(address string, minBlock int64) ([]*core.Transaction, error) {
	var out []*core.Transaction
	it := c.db.NewIterator([]byte(prefixAcctTx + address + ":"))
	defer it.Release()
	for it.Next() {
		key := string(it.Key())
		txid := key[strings.LastIndex(key, ":")+1:]
		block, err := c.GetBlock(string(it.Value()))
		if err != nil {
			continue
		}
		if block.BlockNumber < minBlock {
			continue
		}
		for _, tx := range block.BlockTransactions {
			if tx.Txid == txid {
				out = append(out, tx)
				break
			}
		}
	}
	return out, it.Error()
}

// SaveProducerSet stores the sorted producer set under its canonical hash.
func (c *ChainStore) SaveProducerSet(producers []string) error {
	sorted := core.SetAndSort(producers)
	data, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return c.db.Set([]byte(prefixProducers+core.ProducerSetHash(sorted)), data)
}

// GetProducerSet returns the producer set stored under hash.
func (c *ChainStore) GetProducerSet(hash string) ([]string, error) {
	data, err := c.db.Get([]byte(prefixProducers + hash))
	if err != nil {
		return nil, err
	}
	var producers []string
	if err := json.Unmarshal(data, &producers); err != nil {
		return nil, err
	}
	return producers, nil
}

// FeeOverBlocks averages the transaction fees over the most recent blocks,
// the basis for the recommended fee.
func (c *ChainStore) FeeOverBlocks() int64 {
	hash, err := c.GetLatestHash()
	if err != nil || hash == "" {
		return 0
	}
	var feeSum, txCount int64
	for i := 0; i < feeWindow; i++ {
		block, err := c.GetBlock(hash)
		if err != nil {
			break
		}
		for _, tx := range block.BlockTransactions {
			feeSum += tx.Fee
			txCount++
		}
		if block.ParentHash == "" {
			break
		}
		hash = block.ParentHash
	}
	if txCount == 0 {
		return 0
	}
	return feeSum / txCount
}
