package config

import (
	"fmt"
	"os"

	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/storage"
)

// GenesisParentHash is the canonical all-zeros parent of block zero.
const GenesisParentHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MakeFolders creates the on-disk skeleton for a fresh node.
func MakeFolders(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.DataDir + "/chain", cfg.DataDir + "/private"} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// MakeGenesis mints the reserve account and writes block zero. The genesis
// producer set holds only the declared genesis IP.
func MakeGenesis(cfg *Config, chain *storage.ChainStore, ledger *storage.Ledger) (*core.Block, error) {
	if err := ledger.SetAccount(&storage.Account{
		Address: cfg.Genesis.Address,
		Balance: cfg.Genesis.Balance,
	}); err != nil {
		return nil, fmt.Errorf("mint genesis account: %w", err)
	}

	producers := []string{cfg.Genesis.IP}
	if err := chain.SaveProducerSet(producers); err != nil {
		return nil, fmt.Errorf("save genesis producer set: %w", err)
	}

	block := core.ConstructBlock(
		0,
		cfg.Genesis.Timestamp,
		GenesisParentHash,
		cfg.Genesis.IP,
		cfg.Genesis.Address,
		nil,
		core.ProducerSetHash(producers),
		0,
		0,
	)
	if err := chain.SaveBlock(block); err != nil {
		return nil, fmt.Errorf("save genesis block: %w", err)
	}
	if err := chain.SetLatestHash(block.BlockHash); err != nil {
		return nil, err
	}
	if err := chain.SetEarliestHash(block.BlockHash); err != nil {
		return nil, err
	}
	return block, nil
}
