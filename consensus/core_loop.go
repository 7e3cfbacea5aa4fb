package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/tessoudali/nado/config"
	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/events"
	"github.com/tessoudali/nado/network"
	"github.com/tessoudali/nado/node"
)

// PenaltyListUpdate is the event the message loop emits when the penalty
// table changes. The payload is map[address]penalty.
const PenaltyListUpdate = "penalty-list-update"

// Trust deltas applied on observed misbehavior.
const (
	trustPoolRejected     = -2_500
	trustProducersOmitUs  = -2_500
	trustGapInvalid       = -25
	trustTxInvalid        = -25
	trustSpendingInvalid  = -100
	trustNoSuccessor      = -10_000
	trustRollbackDisagree = -100_000
)

const syncBatchSize = 50

// periodBound maps the upper limit of a since-last-block range (exclusive)
// to its period. The final period is open-ended at block time.
type periodBound struct {
	upTo   int64
	period int
}

var periodBounds = []periodBound{
	{upTo: 20, period: 0},
	{upTo: 40, period: 1},
}

// periodFor resolves since-last-block seconds into a period.
func periodFor(since, blockTime int64) int {
	for _, b := range periodBounds {
		if since < b.upTo {
			return b.period
		}
	}
	if since < blockTime {
		return 2
	}
	return 3
}

// CoreClient drives the period state machine: buffer merges, pool
// replacement, block production, and the emergency sync/rollback procedure.
type CoreClient struct {
	memserver *node.MemServer
	consensus *ConsensusClient
	client    *network.Client
	bus       *events.Bus

	rewardInitial int64
	rewardHalving int64

	runInterval time.Duration
	rng         *rand.Rand
	penaltySub  events.Subscription
}

// NewCoreClient creates the core loop client.
func NewCoreClient(memserver *node.MemServer, consensus *ConsensusClient, client *network.Client, bus *events.Bus, cfg *config.Config) *CoreClient {
	return &CoreClient{
		memserver:     memserver,
		consensus:     consensus,
		client:        client,
		bus:           bus,
		rewardInitial: cfg.Genesis.InitialReward,
		rewardHalving: cfg.Genesis.HalvingInterval,
		runInterval:   time.Second,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes the tick loop until done is closed or termination is
// requested.
func (c *CoreClient) Run(done <-chan struct{}) {
	log.Info("Starting Core")
	c.initHashes()
	c.penaltySub = c.bus.Subscribe(PenaltyListUpdate, c.onPenaltyListUpdate)
	defer c.bus.Unsubscribe(c.penaltySub)

	ticker := time.NewTicker(c.runInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.memserver.Terminating() {
				log.Info("Termination code reached, bye")
				return
			}
			c.tick()
		}
	}
}

func (c *CoreClient) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("error in core loop: %v", r)
			time.Sleep(time.Second)
		}
	}()
	c.checkMode()
	if c.memserver.EmergencyMode {
		c.emergencyMode()
	} else {
		c.normalMode()
	}
}

func (c *CoreClient) initHashes() {
	c.memserver.BufferLock.Lock()
	c.memserver.RefreshPoolHashes()
	c.memserver.BufferLock.Unlock()
}

func (c *CoreClient) onPenaltyListUpdate(payload any) {
	penalties, ok := payload.(map[string]int64)
	if !ok {
		return
	}
	c.memserver.BufferLock.Lock()
	c.memserver.Penalties = penalties
	c.memserver.BufferLock.Unlock()
}

// updatePeriods recomputes since-last-block and the current period, logging
// transitions.
func (c *CoreClient) updatePeriods() {
	oldPeriod := c.memserver.Period
	c.memserver.SinceLastBlock = time.Now().Unix() - c.memserver.LatestBlock.BlockTimestamp
	c.memserver.Period = periodFor(c.memserver.SinceLastBlock, c.memserver.BlockTime)
	if oldPeriod != c.memserver.Period {
		log.Infof("Switched to period %d", c.memserver.Period)
	}
}

func minorityConsensus(majorityHash, sampleHash string) bool {
	if majorityHash == "" {
		return false
	}
	return sampleHash != majorityHash
}

// normalMode executes the current period's action.
func (c *CoreClient) normalMode() {
	c.updatePeriods()

	if c.memserver.Period == 0 && c.memserver.UserTxBuffer.Len() > 0 {
		c.memserver.BufferLock.Lock()
		c.memserver.UserTxBuffer, c.memserver.TxBuffer = core.MergeBuffer(
			c.memserver.UserTxBuffer, c.memserver.TxBuffer, c.memserver.BufferLimit)
		c.memserver.BufferLock.Unlock()
	}

	if c.memserver.Period == 1 && c.memserver.TxBuffer.Len() > 0 {
		c.memserver.BufferLock.Lock()
		c.memserver.TxBuffer, c.memserver.TransactionPool = core.MergeBuffer(
			c.memserver.TxBuffer, c.memserver.TransactionPool, c.memserver.BufferLimit)
		c.memserver.RefreshPoolHashes()
		c.memserver.BufferLock.Unlock()
	}

	if c.memserver.Period == 2 && minorityConsensus(
		c.consensus.MajorityTransactionPoolHash(), c.memserver.TransactionPoolHash) {
		c.replaceTransactionPool()
	}

	if c.memserver.Period == 2 && minorityConsensus(
		c.consensus.MajorityBlockProducersHash(), c.memserver.BlockProducersHash) {
		c.replaceBlockProducers()
	}

	c.memserver.ReportedUptime = c.memserver.GetUptime()

	if c.memserver.Period == 3 {
		if len(c.memserver.PeerList) > 0 && len(c.memserver.BlockProducers) > 0 {
			c.runElection()
		} else {
			log.Warn("Criteria for block production not met")
		}
	}
}

// runElection determines the window's leader and, when this node wins,
// constructs and applies the block.
func (c *CoreClient) runElection() {
	producers := ResolveProducers(c.memserver.BlockProducers, c.memserver.Peers)
	winner := ElectLeader(producers, c.memserver.Penalties, c.memserver.LatestBlock.BlockHash)
	if winner == nil {
		log.Warn("No eligible block producer for this window")
		return
	}
	if winner.IP != c.memserver.IP || winner.Address != c.memserver.Address {
		log.Infof("Waiting for block %d from %s", c.memserver.LatestBlock.BlockNumber+1, winner.IP)
		return
	}

	number := c.memserver.LatestBlock.BlockNumber + 1
	penalty := c.memserver.Penalties[c.memserver.Address]
	reward := CandidateReward(c.rewardInitial, c.rewardHalving, number, penalty)
	candidate := core.ConstructBlock(
		number,
		time.Now().Unix(),
		c.memserver.LatestBlock.BlockHash,
		c.memserver.IP,
		c.memserver.Address,
		c.memserver.TransactionPool.List(),
		c.memserver.BlockProducersHash,
		reward,
		penalty,
	)
	c.produceBlock(candidate, false, "")
}

// produceBlock validates and applies a block under the buffer lock, then
// refreshes the consensus hashes. Remote blocks carry the serving peer so
// misbehavior can be penalized. Returns the applied block, or nil when
// application was skipped.
func (c *CoreClient) produceBlock(block *core.Block, remote bool, remotePeer string) *core.Block {
	c.memserver.BufferLock.Lock()
	applied, err := c.applyBlock(block, remote, remotePeer)
	c.memserver.BufferLock.Unlock()

	c.consensus.RefreshHashes()

	if err != nil {
		log.Warnf("Block production skipped due to %v", err)
		return nil
	}
	return applied
}

func (c *CoreClient) applyBlock(block *core.Block, remote bool, remotePeer string) (*core.Block, error) {
	genStart := time.Now()
	log.Warn("Producing block")

	if remote {
		block = c.restructureRemoteBlock(block)
	}

	if err := c.validateTransactionsInBlock(block, remote, remotePeer); err != nil {
		return nil, err
	}

	if !core.ValidBlockGap(block, c.memserver.LatestBlock, c.memserver.BlockTime) {
		// Local clocks drift; note the offense and continue.
		log.Info("Block gap too tight")
		if remote {
			c.consensus.AdjustTrust(remotePeer, trustGapInvalid)
		}
	}

	if err := c.incorporateBlock(block); err != nil {
		return nil, err
	}

	if c.memserver.IP == block.BlockIP && c.memserver.Address == block.BlockCreator && block.BlockReward > 0 {
		log.Warn("$$$ Congratulations! You won! $$$")
	}
	log.Warnf("Block hash: %s", block.BlockHash)
	log.Warnf("Block number: %d", block.BlockNumber)
	log.Warnf("Winner IP: %s", block.BlockIP)
	log.Warnf("Winner address: %s", block.BlockCreator)
	log.Warnf("Block reward: %s", core.ToReadableAmount(block.BlockReward))
	log.Warnf("Transactions in block: %d", len(block.BlockTransactions))
	log.Warnf("Remote block: %v", remote)
	log.Warnf("Production time: %s", time.Since(genStart))
	return block, nil
}

// validateTransactionsInBlock checks collective spending, then drops each
// transaction from the local pools and validates it individually.
func (c *CoreClient) validateTransactionsInBlock(block *core.Block, remote bool, remotePeer string) error {
	transactions := core.SortByTxid(block.BlockTransactions)

	if err := core.ValidateAllSpending(transactions, c.memserver.Ledger); err != nil {
		if remote {
			c.consensus.AdjustTrust(remotePeer, trustSpendingInvalid)
		}
		return fmt.Errorf("failed to validate spending during block production: %w", err)
	}

	for _, tx := range transactions {
		c.memserver.TransactionPool.Remove(tx.Txid)
		c.memserver.UserTxBuffer.Remove(tx.Txid)
		c.memserver.TxBuffer.Remove(tx.Txid)

		if err := core.ValidateTransaction(tx, c.memserver.Chain); err != nil {
			if remote {
				c.consensus.AdjustTrust(remotePeer, trustTxInvalid)
			}
			return fmt.Errorf("failed to validate transaction during block production: %w", err)
		}
	}
	return nil
}

// incorporateBlock applies a validated block: transactions are reflected
// and indexed, the producer is rewarded, and the chain tip advances.
func (c *CoreClient) incorporateBlock(block *core.Block) error {
	for _, tx := range core.SortByTxid(block.BlockTransactions) {
		if err := c.memserver.Ledger.ReflectTransaction(tx, false); err != nil {
			return fmt.Errorf("failed to incorporate block: %w", err)
		}
		if err := c.memserver.Chain.IndexTransaction(tx, block.BlockHash); err != nil {
			return fmt.Errorf("failed to incorporate block: %w", err)
		}
	}

	if err := c.memserver.Chain.UpdateChildHash(block.ParentHash, block.BlockHash); err != nil {
		return fmt.Errorf("failed to incorporate block: %w", err)
	}
	if err := c.memserver.Chain.SaveBlock(block); err != nil {
		return fmt.Errorf("failed to incorporate block: %w", err)
	}

	if err := c.memserver.Ledger.ChangeBalance(block.BlockCreator, block.BlockReward); err != nil {
		return fmt.Errorf("failed to incorporate block: %w", err)
	}
	if err := c.memserver.Ledger.IncreaseProducedCount(block.BlockCreator, block.BlockReward, false); err != nil {
		return fmt.Errorf("failed to incorporate block: %w", err)
	}

	if err := c.memserver.Chain.SetLatestHash(block.BlockHash); err != nil {
		return fmt.Errorf("failed to incorporate block: %w", err)
	}
	c.memserver.LatestBlock = block
	return nil
}

// restructureRemoteBlock rebuilds a synced block on top of our current tip,
// recomputing the canonical hash.
func (c *CoreClient) restructureRemoteBlock(block *core.Block) *core.Block {
	return core.ConstructBlock(
		c.memserver.LatestBlock.BlockNumber+1,
		block.BlockTimestamp,
		c.memserver.LatestBlock.BlockHash,
		block.BlockIP,
		block.BlockCreator,
		block.BlockTransactions,
		block.BlockProducersHash,
		block.BlockReward,
		block.BlockPenalty,
	)
}

// processRemoteBlock applies a block received through syncing.
func (c *CoreClient) processRemoteBlock(block *core.Block, remotePeer string) error {
	if applied := c.produceBlock(block, true, remotePeer); applied == nil {
		return errors.New("remote block rejected")
	}
	return nil
}

// minorityBlockConsensus reports whether this node must enter emergency
// mode: the majority block hash is defined and differs from our tip, unless
// that block is already stored locally and we have peers.
func (c *CoreClient) minorityBlockConsensus() bool {
	majority := c.consensus.MajorityBlockHash()
	if majority == "" {
		return false
	}
	if c.memserver.Chain.KnowsBlock(majority) && len(c.memserver.PeerList) > 0 {
		return false
	}
	return c.memserver.LatestBlock.BlockHash != majority
}

func (c *CoreClient) checkMode() {
	if c.minorityBlockConsensus() {
		if !c.memserver.EmergencyMode {
			log.Warn("We are out of consensus")
		}
		c.memserver.EmergencyMode = true
	} else {
		c.memserver.EmergencyMode = false
	}
}

// sortOccurrence orders the distinct values of a pool by descending
// occurrence count; equal counts break to the lower value.
func sortOccurrence(values []string) []string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	distinct := make([]string, 0, len(counts))
	for v := range counts {
		distinct = append(distinct, v)
	}
	sort.Slice(distinct, func(i, j int) bool {
		if counts[distinct[i]] != counts[distinct[j]] {
			return counts[distinct[i]] > counts[distinct[j]]
		}
		return distinct[i] < distinct[j]
	})
	return distinct
}

// getPeerToSyncFrom picks the peer to synchronize from when out of sync.
// Opinions are walked from the most common hash to the least common one; for
// each, a peer at or above the average trust (with a compatible protocol, in
// a pool of more than two participants) is preferred, falling back to the
// first matching peer when no opinion holder qualifies. Returns "" when the
// pool offers no candidate.
func (c *CoreClient) getPeerToSyncFrom(hashPool map[string]string) string {
	participants := len(hashPool)

	pool := make(map[string]string, len(hashPool))
	allValues := make([]string, 0, len(hashPool))
	for ip, value := range hashPool {
		allValues = append(allValues, value)
		if ip != c.memserver.IP {
			// Do not sync from self.
			pool[ip] = value
		}
	}
	if len(pool) == 0 {
		return ""
	}

	sortedHashes := sortOccurrence(allValues)

	shuffled := make([]string, 0, len(pool))
	for ip := range pool {
		shuffled = append(shuffled, ip)
	}
	sort.Strings(shuffled)
	c.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	averageTrust := c.consensus.AverageTrust()
	for _, candidate := range sortedHashes {
		fallback := ""
		for _, ip := range shuffled {
			if pool[ip] != candidate {
				continue
			}
			if fallback == "" {
				fallback = ip
			}
			trust := c.memserver.Peers.LoadTrust(ip)
			if averageTrust <= trust && participants > 2 && c.consensus.PeerProtocol(ip) >= c.memserver.Protocol {
				return ip
			}
		}
		if fallback != "" {
			return fallback
		}
	}
	log.Info("Ran out of options when picking trusted hash")
	return ""
}

// replaceTransactionPool swaps the local pool for a trusted peer's copy.
func (c *CoreClient) replaceTransactionPool() {
	syncFrom := c.getPeerToSyncFrom(c.consensus.TransactionHashPool())
	if syncFrom == "" {
		return
	}
	log.Infof("transaction_pool out of sync with majority at critical time, replacing from trusted peer")

	suggested, err := c.client.GetTransactionPool(context.Background(), syncFrom)
	if err != nil || suggested == nil {
		log.Infof("failed to fetch transaction pool from %s: %v", syncFrom, err)
		c.consensus.AdjustTrust(syncFrom, trustPoolRejected)
		return
	}

	c.memserver.BufferLock.Lock()
	c.memserver.TransactionPool = core.NewTxPoolFrom(suggested)
	c.memserver.RefreshPoolHashes()
	c.memserver.BufferLock.Unlock()
}

// replaceBlockProducers swaps the local producer set for a trusted peer's
// copy. A suggestion that omits our own IP costs the peer trust before an
// empty suggestion is refused and before the replacement set is filtered
// down to stored peers.
func (c *CoreClient) replaceBlockProducers() {
	syncFrom := c.getPeerToSyncFrom(c.consensus.BlockProducersHashPool())
	if syncFrom == "" {
		return
	}
	log.Infof("block_producers out of sync with majority at critical time, replacing from trusted peer")

	suggested, err := c.client.GetBlockProducers(context.Background(), syncFrom)
	if err != nil || suggested == nil {
		log.Infof("failed to fetch block producers from %s: %v", syncFrom, err)
		c.consensus.AdjustTrust(syncFrom, trustPoolRejected)
		return
	}

	omitsUs := true
	for _, producer := range suggested {
		if producer == c.memserver.IP {
			omitsUs = false
			break
		}
	}
	if omitsUs {
		c.consensus.AdjustTrust(syncFrom, trustProducersOmitUs)
	}
	if len(suggested) == 0 {
		log.Infof("%s suggested an empty block producer set", syncFrom)
		return
	}

	replacements := make([]string, 0, len(suggested))
	for _, producer := range suggested {
		if c.memserver.Peers.IPStored(producer) {
			replacements = append(replacements, producer)
		}
	}

	c.memserver.BufferLock.Lock()
	c.memserver.BlockProducers = core.SetAndSort(replacements)
	c.memserver.RefreshPoolHashes()
	c.memserver.BufferLock.Unlock()

	if err := c.memserver.Chain.SaveProducerSet(replacements); err != nil {
		log.Warnf("failed to save producer set: %v", err)
	}
}

// emergencyMode recovers agreement with the network: sync forward from a
// trusted peer that knows our tip, or roll back until one does. Exits when
// consensus is restored, the rollback budget is exhausted, or termination is
// requested.
func (c *CoreClient) emergencyMode() {
	log.Warn("Entering emergency mode")
	ctx := context.Background()

	for c.memserver.EmergencyMode && !c.memserver.Terminating() {
		peer := c.getPeerToSyncFrom(c.consensus.BlockHashPool())
		if peer == "" {
			log.Info("Could not find suitably trusted peer")
			time.Sleep(time.Second)
			break
		}

		blockHash := c.memserver.LatestBlock.BlockHash
		known, err := c.client.KnowsBlock(ctx, peer, blockHash)
		if err != nil {
			log.Infof("failed to ask %s about block %s: %v", peer, blockHash, err)
			break
		}

		if known {
			log.Infof("%s knows block %s", peer, blockHash)
			newBlocks, err := c.client.GetBlocksAfter(ctx, peer, blockHash, syncBatchSize)
			if err != nil {
				c.consensus.AdjustTrust(peer, trustNoSuccessor)
				log.Errorf("Failed to get blocks after %s from %s: %v", blockHash, peer, err)
				break
			}
			if len(newBlocks) == 0 {
				// A peer claiming to know a block the majority moved past
				// must be able to serve its successors.
				c.consensus.AdjustTrust(peer, trustNoSuccessor)
				log.Infof("No newer blocks found from %s", peer)
				break
			}
			aborted := false
			for _, block := range newBlocks {
				if c.memserver.Terminating() {
					break
				}
				if err := c.processRemoteBlock(block, peer); err != nil {
					// Trust was already adjusted by the failing check.
					aborted = true
					break
				}
			}
			if aborted {
				break
			}
		} else {
			if c.memserver.Rollbacks <= c.memserver.MaxRollbacks {
				c.memserver.BufferLock.Lock()
				rolled, err := RollbackOneBlock(c.memserver)
				c.memserver.BufferLock.Unlock()
				if err != nil {
					log.Errorf("rollback failed: %v", err)
					break
				}
				log.Warnf("Rolled back to block %d (%s)", rolled.BlockNumber, rolled.BlockHash)
				c.memserver.Rollbacks++
				c.consensus.AdjustTrust(peer, trustRollbackDisagree)
			} else {
				log.Error("Rollbacks exhausted")
				c.memserver.Rollbacks = 0
				c.memserver.PurgePeersList = append(c.memserver.PurgePeersList, peer)
				break
			}
		}

		c.consensus.RefreshHashes()
		if !c.minorityBlockConsensus() {
			c.memserver.EmergencyMode = false
		}
	}
}
