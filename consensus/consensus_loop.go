// Package consensus drives the node's agreement machinery: the status
// sampling loop, the trust-weighted majority opinions, and the core loop
// with its period state machine and emergency recovery.
package consensus

import (
	"context"
	"sort"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/tessoudali/nado/network"
	"github.com/tessoudali/nado/node"
)

var log = logger.WithFields(logger.Fields{"prefix": "consensus"})

// ConsensusClient samples every known peer's status and keeps the majority
// opinions current. All exported pool accessors return snapshots.
type ConsensusClient struct {
	mu        sync.RWMutex
	memserver *node.MemServer
	client    *network.Client

	statusPool             map[string]*network.Status
	trustPool              map[string]int64
	blockHashPool          map[string]string
	transactionHashPool    map[string]string
	blockProducersHashPool map[string]string

	majorityBlockHash          string
	majorityTransactionHash    string
	majorityBlockProducersHash string
	averageTrust               int64

	runInterval time.Duration
}

// NewConsensusClient creates the sampling loop client.
func NewConsensusClient(memserver *node.MemServer, client *network.Client) *ConsensusClient {
	return &ConsensusClient{
		memserver:              memserver,
		client:                 client,
		statusPool:             make(map[string]*network.Status),
		trustPool:              make(map[string]int64),
		blockHashPool:          make(map[string]string),
		transactionHashPool:    make(map[string]string),
		blockProducersHashPool: make(map[string]string),
		runInterval:            time.Second,
	}
}

// Run samples peers until done is closed or termination is requested.
func (c *ConsensusClient) Run(done <-chan struct{}) {
	log.Info("Starting Consensus")
	ticker := time.NewTicker(c.runInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.memserver.Terminating() {
				return
			}
			c.sample()
		}
	}
}

// sample probes every peer plus self and rebuilds the opinion pools.
func (c *ConsensusClient) sample() {
	peers := c.memserver.SnapshotPeers()
	ctx := context.Background()
	statuses, failed := c.client.StatusPool(ctx, peers)

	// Our own opinion always participates.
	statuses[c.memserver.IP] = c.selfStatus()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusPool = statuses
	for _, ip := range failed {
		delete(c.statusPool, ip)
	}

	c.blockHashPool = make(map[string]string, len(statuses))
	c.transactionHashPool = make(map[string]string, len(statuses))
	c.blockProducersHashPool = make(map[string]string, len(statuses))
	for ip, status := range statuses {
		c.blockHashPool[ip] = status.LatestBlockHash
		c.transactionHashPool[ip] = status.TransactionPoolHash
		c.blockProducersHashPool[ip] = status.BlockProducersHash
		if _, ok := c.trustPool[ip]; !ok {
			c.trustPool[ip] = c.memserver.Peers.LoadTrust(ip)
		}
	}
	c.trustPool[c.memserver.IP] = c.memserver.Peers.LoadTrust(c.memserver.IP)

	c.recomputeLocked()
}

func (c *ConsensusClient) selfStatus() *network.Status {
	c.memserver.BufferLock.Lock()
	defer c.memserver.BufferLock.Unlock()
	return &network.Status{
		ReportedUptime:      c.memserver.GetUptime(),
		Address:             c.memserver.Address,
		TransactionPoolHash: c.memserver.TransactionPoolHash,
		BlockProducersHash:  c.memserver.BlockProducersHash,
		LatestBlockHash:     c.memserver.LatestBlock.BlockHash,
		EarliestBlockHash:   c.memserver.EarliestBlock.BlockHash,
		Protocol:            c.memserver.Protocol,
		Version:             c.memserver.Version,
	}
}

// recomputeLocked rebuilds majorities and the average trust. Callers hold mu.
func (c *ConsensusClient) recomputeLocked() {
	c.majorityBlockHash = majorityOpinion(c.blockHashPool, c.trustPool)
	c.majorityTransactionHash = majorityOpinion(c.transactionHashPool, c.trustPool)
	c.majorityBlockProducersHash = majorityOpinion(c.blockProducersHashPool, c.trustPool)

	if len(c.statusPool) == 0 {
		c.averageTrust = 0
		return
	}
	var sum int64
	for ip := range c.statusPool {
		sum += c.trustPool[ip]
	}
	c.averageTrust = sum / int64(len(c.statusPool))
}

// majorityOpinion returns the mode of the pool's values weighted by
// max(1, trust). Ties break to the lexicographically lowest value. The
// majority is undefined ("") with fewer than two contributors.
func majorityOpinion(pool map[string]string, trust map[string]int64) string {
	if len(pool) < 2 {
		return ""
	}
	weights := make(map[string]int64, len(pool))
	for ip, value := range pool {
		w := trust[ip]
		if w < 1 {
			w = 1
		}
		weights[value] += w
	}
	var best string
	var bestWeight int64 = -1
	values := make([]string, 0, len(weights))
	for v := range weights {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		if weights[v] > bestWeight {
			best = v
			bestWeight = weights[v]
		}
	}
	return best
}

// RefreshHashes refreshes the node's own cached hashes, re-injects them into
// the opinion pools and recomputes majorities. The core loop calls this
// after every state-changing step.
func (c *ConsensusClient) RefreshHashes() {
	c.memserver.BufferLock.Lock()
	c.memserver.RefreshPoolHashes()
	c.memserver.BufferLock.Unlock()

	self := c.selfStatus()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusPool[c.memserver.IP] = self
	c.blockHashPool[c.memserver.IP] = self.LatestBlockHash
	c.transactionHashPool[c.memserver.IP] = self.TransactionPoolHash
	c.blockProducersHashPool[c.memserver.IP] = self.BlockProducersHash
	c.recomputeLocked()
}

// AdjustTrust applies a signed delta to a peer's trust in both the runtime
// pool and the persistent peer table, saturating into the configured range.
func (c *ConsensusClient) AdjustTrust(ip string, delta int64) {
	if ip == "" {
		return
	}
	if err := c.memserver.Peers.AdjustTrust(ip, delta); err != nil {
		log.Warnf("failed to persist trust of %s: %v", ip, err)
	}
	c.mu.Lock()
	c.trustPool[ip] = c.memserver.Peers.LoadTrust(ip)
	c.recomputeLocked()
	c.mu.Unlock()
}

// DropPeer removes a peer's opinions, used when it is marked unreachable.
func (c *ConsensusClient) DropPeer(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statusPool, ip)
	delete(c.blockHashPool, ip)
	delete(c.transactionHashPool, ip)
	delete(c.blockProducersHashPool, ip)
	c.recomputeLocked()
}

// ---- snapshot accessors ----

func snapshot[V any](src map[string]V) map[string]V {
	out := make(map[string]V, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// StatusPool returns a snapshot of the sampled statuses.
func (c *ConsensusClient) StatusPool() map[string]*network.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.statusPool)
}

// TrustPool returns a snapshot of the runtime trust scores.
func (c *ConsensusClient) TrustPool() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.trustPool)
}

// BlockHashPool returns a snapshot of latest-block opinions.
func (c *ConsensusClient) BlockHashPool() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.blockHashPool)
}

// TransactionHashPool returns a snapshot of transaction-pool opinions.
func (c *ConsensusClient) TransactionHashPool() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.transactionHashPool)
}

// BlockProducersHashPool returns a snapshot of producer-set opinions.
func (c *ConsensusClient) BlockProducersHashPool() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.blockProducersHashPool)
}

// MajorityBlockHash returns the current majority latest-block opinion.
func (c *ConsensusClient) MajorityBlockHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.majorityBlockHash
}

// MajorityTransactionPoolHash returns the majority transaction-pool opinion.
func (c *ConsensusClient) MajorityTransactionPoolHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.majorityTransactionHash
}

// MajorityBlockProducersHash returns the majority producer-set opinion.
func (c *ConsensusClient) MajorityBlockProducersHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.majorityBlockProducersHash
}

// AverageTrust returns the mean trust over the current status pool.
func (c *ConsensusClient) AverageTrust() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.averageTrust
}

// PeerProtocol returns the sampled protocol version of ip, or zero when the
// peer has no status on file.
func (c *ConsensusClient) PeerProtocol(ip string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if status, ok := c.statusPool[ip]; ok {
		return status.Protocol
	}
	return 0
}
