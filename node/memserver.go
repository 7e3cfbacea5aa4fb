// Package node holds MemServer, the in-memory state shared by every loop
// and the API layer.
package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/tessoudali/nado/config"
	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/storage"
)

var log = logger.WithFields(logger.Fields{"prefix": "memserver"})

// MergeResult reports the outcome of a transaction submission.
type MergeResult struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// MemServer owns the node's mutable in-memory state. Every mutation of the
// pools, the buffers, LatestBlock, BlockProducers and the cached hashes must
// happen inside BufferLock. The loops hold shared references; only their own
// methods mutate it.
type MemServer struct {
	BufferLock sync.Mutex

	Chain  *storage.ChainStore
	Ledger *storage.Ledger
	Peers  *storage.PeerStore

	IP        string
	Address   string
	PublicKey string
	Protocol  int
	Version   string
	ServerKey string

	BlockTime    int64
	BufferLimit  int
	MaxRollbacks int

	LatestBlock   *core.Block
	EarliestBlock *core.Block

	PeerList       []string // sorted set of known-good peer IPs
	PeerBuffer     []string // announced, not yet promoted
	Unreachable    map[string]int64
	PurgePeersList []string
	ForceSyncIP    string

	TransactionPool *core.TxPool
	TxBuffer        *core.TxPool
	UserTxBuffer    *core.TxPool

	BlockProducers []string
	Penalties      map[string]int64

	TransactionPoolHash string
	BlockProducersHash  string

	SinceLastBlock int64
	Period         int
	Rollbacks      int
	EmergencyMode  bool
	ReportedUptime int64

	startTime time.Time
	terminate atomic.Bool
}

// NewMemServer builds the shared state container from configuration and the
// persisted chain tip.
func NewMemServer(cfg *config.Config, chain *storage.ChainStore, ledger *storage.Ledger, peers *storage.PeerStore, address, publicKey string) (*MemServer, error) {
	latestHash, err := chain.GetLatestHash()
	if err != nil {
		return nil, fmt.Errorf("load latest hash: %w", err)
	}
	latest, err := chain.GetBlock(latestHash)
	if err != nil {
		return nil, fmt.Errorf("load latest block: %w", err)
	}
	earliestHash, err := chain.GetEarliestHash()
	if err != nil {
		return nil, fmt.Errorf("load earliest hash: %w", err)
	}
	earliest, err := chain.GetBlock(earliestHash)
	if err != nil {
		return nil, fmt.Errorf("load earliest block: %w", err)
	}

	producers, err := chain.GetProducerSet(latest.BlockProducersHash)
	if err != nil {
		log.Warnf("producer set %s not stored, starting empty", latest.BlockProducersHash)
		producers = nil
	}

	m := &MemServer{
		Chain:           chain,
		Ledger:          ledger,
		Peers:           peers,
		IP:              cfg.IP,
		Address:         address,
		PublicKey:       publicKey,
		Protocol:        cfg.Protocol,
		Version:         cfg.Version,
		ServerKey:       cfg.ServerKey,
		BlockTime:       cfg.BlockTime,
		BufferLimit:     cfg.BufferLimit,
		MaxRollbacks:    cfg.MaxRollbacks,
		LatestBlock:     latest,
		EarliestBlock:   earliest,
		Unreachable:     make(map[string]int64),
		TransactionPool: core.NewTxPool(),
		TxBuffer:        core.NewTxPool(),
		UserTxBuffer:    core.NewTxPool(),
		BlockProducers:  core.SetAndSort(producers),
		Penalties:       make(map[string]int64),
		startTime:       time.Now(),
	}
	m.RefreshPoolHashes()
	return m, nil
}

// Terminate requests shutdown. The flag is monotonic.
func (m *MemServer) Terminate() {
	m.terminate.Store(true)
}

// Terminating reports whether shutdown was requested.
func (m *MemServer) Terminating() bool {
	return m.terminate.Load()
}

// GetUptime returns whole seconds since the node started.
func (m *MemServer) GetUptime() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// RefreshPoolHashes recomputes the cached pool and producer-set hashes.
// Callers mutating pools under BufferLock call this before releasing it.
func (m *MemServer) RefreshPoolHashes() {
	m.TransactionPoolHash = core.PoolHash(m.TransactionPool.List())
	m.BlockProducersHash = core.ProducerSetHash(m.BlockProducers)
}

// MergeTransaction validates a submitted transaction and inserts it into the
// user buffer (user origin) or the node buffer (gossip origin).
func (m *MemServer) MergeTransaction(tx *core.Transaction, userOrigin bool) MergeResult {
	if err := core.ValidateTransaction(tx, m.Chain); err != nil {
		return MergeResult{Result: false, Reason: fmt.Sprintf("Invalid transaction: %s", err)}
	}

	m.BufferLock.Lock()
	defer m.BufferLock.Unlock()

	if m.TransactionPool.Has(tx.Txid) || m.TxBuffer.Has(tx.Txid) || m.UserTxBuffer.Has(tx.Txid) {
		return MergeResult{Result: false, Reason: "Transaction already buffered"}
	}

	pending := append(m.TransactionPool.List(), m.TxBuffer.List()...)
	pending = append(pending, m.UserTxBuffer.List()...)
	if err := core.ValidateSingleSpending(pending, tx, m.Ledger); err != nil {
		return MergeResult{Result: false, Reason: fmt.Sprintf("Spending check failed: %s", err)}
	}

	target := m.TxBuffer
	if userOrigin {
		target = m.UserTxBuffer
	}
	if target.Len() >= m.BufferLimit {
		return MergeResult{Result: false, Reason: "Buffer full"}
	}
	target.Add(tx)
	return MergeResult{Result: true, Reason: "Transaction buffered"}
}

// SnapshotPeers returns a copy of the current peer list.
func (m *MemServer) SnapshotPeers() []string {
	m.BufferLock.Lock()
	defer m.BufferLock.Unlock()
	out := make([]string, len(m.PeerList))
	copy(out, m.PeerList)
	return out
}

// SetPeers replaces the peer list with a sorted, deduplicated copy.
func (m *MemServer) SetPeers(ips []string) {
	m.BufferLock.Lock()
	defer m.BufferLock.Unlock()
	m.PeerList = core.SetAndSort(ips)
}
