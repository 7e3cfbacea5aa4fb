package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/tessoudali/nado/config"
	"github.com/tessoudali/nado/consensus"
	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/network"
	"github.com/tessoudali/nado/node"
	"github.com/tessoudali/nado/storage"
)

const maxBlockBatch = 100

var errNotFound = errors.New("Not found")

// Handler holds the dependencies behind every endpoint.
type Handler struct {
	cfg       *config.Config
	memserver *node.MemServer
	consensus *consensus.ConsensusClient
	client    *network.Client
}

// NewHandler creates the endpoint handler.
func NewHandler(cfg *config.Config, memserver *node.MemServer, cons *consensus.ConsensusClient, client *network.Client) *Handler {
	return &Handler{cfg: cfg, memserver: memserver, consensus: cons, client: client}
}

func (h *Handler) register(router *httprouter.Router) {
	get := func(path string, fn http.HandlerFunc) {
		router.HandlerFunc(http.MethodGet, path, fn)
	}
	get("/status", h.status)
	get("/peers", h.peers)
	get("/peer_buffer", h.peerBuffer)
	get("/unreachable", h.unreachable)
	get("/penalties", h.penalties)
	get("/transaction_pool", h.transactionPool)
	get("/transaction_buffer", h.transactionBuffer)
	get("/user_transaction_buffer", h.userTransactionBuffer)
	get("/trust_pool", h.trustPool)
	get("/status_pool", h.statusPool)
	get("/block_producers", h.blockProducers)
	get("/transaction_hash_pool", h.transactionHashPool)
	get("/block_producers_hash_pool", h.blockProducersHashPool)
	get("/block_hash_pool", h.blockHashPool)
	get("/get_block", h.getBlock)
	get("/get_block_number", h.getBlockNumber)
	get("/get_blocks_after", h.getBlocksAfter)
	get("/get_blocks_before", h.getBlocksBefore)
	get("/get_transaction", h.getTransaction)
	get("/get_transactions_of_account", h.getTransactionsOfAccount)
	get("/get_account", h.getAccount)
	get("/get_producer_set_from_hash", h.getProducerSet)
	get("/get_latest_block", h.getLatestBlock)
	get("/get_supply", h.getSupply)
	get("/submit_transaction", h.submitTransaction)
	get("/announce_peer", h.announcePeer)
	get("/force_sync", h.forceSync)
	get("/terminate", h.terminate)
	get("/get_recommended_fee", h.recommendedFee)
	get("/whats_my_ip", h.whatsMyIP)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	m := h.memserver
	writeSerialized(w, r, "status", map[string]any{
		"reported_uptime":       m.ReportedUptime,
		"address":               m.Address,
		"transaction_pool_hash": m.TransactionPoolHash,
		"block_producers_hash":  m.BlockProducersHash,
		"latest_block_hash":     m.LatestBlock.BlockHash,
		"earliest_block_hash":   m.EarliestBlock.BlockHash,
		"protocol":              m.Protocol,
		"version":               m.Version,
	})
}

func (h *Handler) peers(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "peers", h.memserver.SnapshotPeers())
}

func (h *Handler) peerBuffer(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "peer_buffer", h.memserver.PeerBuffer)
}

func (h *Handler) unreachable(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "unreachable", h.memserver.Unreachable)
}

func (h *Handler) penalties(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "penalties", map[string]any{"penalties": h.memserver.Penalties})
}

func (h *Handler) transactionPool(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "transaction_pool", h.memserver.TransactionPool.List())
}

func (h *Handler) transactionBuffer(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "transaction_buffer", h.memserver.TxBuffer.List())
}

func (h *Handler) userTransactionBuffer(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "user_transaction_buffer", h.memserver.UserTxBuffer.List())
}

func (h *Handler) trustPool(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "trust_pool_data", h.consensus.TrustPool())
}

func (h *Handler) statusPool(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "status_pool", h.consensus.StatusPool())
}

func (h *Handler) blockProducers(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "block_producers", h.memserver.BlockProducers)
}

func (h *Handler) transactionHashPool(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "transactions_hash_pool", map[string]any{
		"transactions_hash_pool":          h.consensus.TransactionHashPool(),
		"majority_transactions_hash_pool": h.consensus.MajorityTransactionPoolHash(),
	})
}

func (h *Handler) blockProducersHashPool(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "block_producers_hash_pool", map[string]any{
		"block_producers_hash_pool":          h.consensus.BlockProducersHashPool(),
		"majority_block_producers_hash_pool": h.consensus.MajorityBlockProducersHash(),
	})
}

func (h *Handler) blockHashPool(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "block_hash_pool", map[string]any{
		"block_opinions":         h.consensus.BlockHashPool(),
		"majority_block_opinion": h.consensus.MajorityBlockHash(),
	})
}

func (h *Handler) getBlock(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	block, err := h.memserver.Chain.GetBlock(hash)
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeSerialized(w, r, "block_hash", block)
}

func (h *Handler) getBlockNumber(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(r.URL.Query().Get("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	block, err := h.memserver.Chain.GetBlockByNumber(number)
	if err != nil {
		writeError(w, http.StatusForbidden, errNotFound)
		return
	}
	writeSerialized(w, r, "block_number", block)
}

func batchCount(r *http.Request) int {
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || count <= 0 {
		count = 1
	}
	if count > maxBlockBatch {
		count = maxBlockBatch
	}
	return count
}

func (h *Handler) getBlocksAfter(w http.ResponseWriter, r *http.Request) {
	start, err := h.memserver.Chain.GetBlock(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	collected := make([]*core.Block, 0, batchCount(r))
	childHash := start.ChildHash
	for i := 0; i < batchCount(r); i++ {
		block, err := h.memserver.Chain.GetBlock(childHash)
		if err != nil {
			break
		}
		collected = append(collected, block)
		childHash = block.ChildHash
	}
	writeSerialized(w, r, "blocks_after", collected)
}

func (h *Handler) getBlocksBefore(w http.ResponseWriter, r *http.Request) {
	start, err := h.memserver.Chain.GetBlock(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	collected := make([]*core.Block, 0, batchCount(r))
	parentHash := start.ParentHash
	for i := 0; i < batchCount(r); i++ {
		block, err := h.memserver.Chain.GetBlock(parentHash)
		if err != nil {
			break
		}
		collected = append(collected, block)
		parentHash = block.ParentHash
	}
	// Oldest first, matching forward traversal order.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	writeSerialized(w, r, "blocks_before", collected)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.memserver.Chain.GetTransaction(r.URL.Query().Get("txid"))
	if err != nil {
		writeError(w, http.StatusForbidden, errNotFound)
		return
	}
	writeSerialized(w, r, "txid", tx)
}

func (h *Handler) getTransactionsOfAccount(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		address = h.memserver.Address
	}
	minBlock, _ := strconv.ParseInt(r.URL.Query().Get("min_block"), 10, 64)
	txs, err := h.memserver.Chain.GetTransactionsOfAccount(address, minBlock)
	if err != nil || len(txs) == 0 {
		writeError(w, http.StatusForbidden, errNotFound)
		return
	}
	writeSerialized(w, r, "account_transactions", map[string]any{"tx_list": txs})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		address = h.memserver.Address
	}
	acc, err := h.memserver.Ledger.GetAccount(address, false)
	if err != nil {
		writeError(w, http.StatusForbidden, errNotFound)
		return
	}

	output := map[string]any{
		"address":  acc.Address,
		"balance":  acc.Balance,
		"produced": acc.Produced,
		"burned":   acc.Burned,
		"penalty":  h.memserver.Penalties[address],
	}
	if r.URL.Query().Get("readable") == "true" {
		output["balance"] = core.ToReadableAmount(acc.Balance)
		output["produced"] = core.ToReadableAmount(acc.Produced)
		output["burned"] = core.ToReadableAmount(acc.Burned)
	}
	writeSerialized(w, r, "address", output)
}

func (h *Handler) getProducerSet(w http.ResponseWriter, r *http.Request) {
	producers, err := h.memserver.Chain.GetProducerSet(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, http.StatusForbidden, errNotFound)
		return
	}
	writeSerialized(w, r, "producer_set", producers)
}

func (h *Handler) getLatestBlock(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "latest_block", h.memserver.LatestBlock)
}

func (h *Handler) getSupply(w http.ResponseWriter, r *http.Request) {
	totals, err := h.memserver.Ledger.FetchTotals()
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	reserve := int64(0)
	if genesisAcc, err := h.memserver.Ledger.GetAccount(h.cfg.Genesis.Address, false); err == nil {
		reserve = genesisAcc.Balance
	}
	reserveSpent := h.cfg.Genesis.Balance - reserve
	circulating := reserveSpent + totals.Produced - totals.Burned - totals.Fees
	totalSupply := h.cfg.Genesis.Balance + totals.Produced - totals.Burned - totals.Fees

	output := map[string]any{
		"block_number":  h.memserver.LatestBlock.BlockNumber,
		"produced":      totals.Produced,
		"fees":          totals.Fees,
		"burned":        totals.Burned,
		"reserve":       reserve,
		"reserve_spent": reserveSpent,
		"circulating":   circulating,
		"total_supply":  totalSupply,
	}
	if r.URL.Query().Get("readable") == "true" {
		for _, key := range []string{"produced", "fees", "burned", "reserve", "reserve_spent", "circulating", "total_supply"} {
			output[key] = core.ToReadableAmount(output[key].(int64))
		}
	}
	writeSerialized(w, r, "supply", output)
}

func (h *Handler) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var tx core.Transaction
	if err := json.Unmarshal([]byte(r.URL.Query().Get("data")), &tx); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	result := h.memserver.MergeTransaction(&tx, true)
	if !result.Result {
		w.WriteHeader(http.StatusForbidden)
	}
	writeSerialized(w, r, "result", result)
}

func (h *Handler) announcePeer(w http.ResponseWriter, r *http.Request) {
	peerIP := r.URL.Query().Get("ip")
	if !network.CheckIP(peerIP) {
		fmt.Fprint(w, "Invalid IP address")
		return
	}

	for _, known := range h.memserver.SnapshotPeers() {
		if known == peerIP {
			fmt.Fprintf(w, "Peer %s is known or invalid", peerIP)
			return
		}
	}
	if _, quarantined := h.memserver.Unreachable[peerIP]; quarantined {
		fmt.Fprintf(w, "Peer %s is known or invalid", peerIP)
		return
	}

	status, err := h.client.GetRemoteStatus(r.Context(), peerIP)
	if err != nil {
		writeError(w, http.StatusForbidden, fmt.Errorf("%s unreachable", peerIP))
		return
	}
	if status.Address == "" {
		writeError(w, http.StatusForbidden, errors.New("no address detected"))
		return
	}
	if status.Protocol < h.memserver.Protocol {
		writeError(w, http.StatusForbidden, fmt.Errorf("protocol of %s is too low", peerIP))
		return
	}

	if err := h.memserver.Peers.SavePeer(storagePeer(peerIP, status.Address, h.cfg.Port), true); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	h.memserver.BufferLock.Lock()
	defer h.memserver.BufferLock.Unlock()
	for _, buffered := range h.memserver.PeerBuffer {
		if buffered == peerIP {
			fmt.Fprintf(w, "%s already waiting in peer buffer", peerIP)
			return
		}
	}
	h.memserver.PeerBuffer = append(h.memserver.PeerBuffer, peerIP)
	fmt.Fprintf(w, "Peer %s added to peer buffer", peerIP)
}

func (h *Handler) forceSync(w http.ResponseWriter, r *http.Request) {
	forcedIP := r.URL.Query().Get("ip")
	serverKey := r.URL.Query().Get("key")
	caller := clientIP(r)

	if serverKey != h.memserver.ServerKey && caller != "127.0.0.1" {
		fmt.Fprintf(w, "Wrong server key %s", serverKey)
		return
	}
	if caller != "127.0.0.1" && !network.CheckIP(caller) {
		fmt.Fprintf(w, "Failed to force to sync from %s", forcedIP)
		return
	}

	h.memserver.ForceSyncIP = forcedIP
	h.memserver.SetPeers([]string{forcedIP})
	fmt.Fprintf(w, "Synchronization is now forced only from %s until majority consensus is reached", forcedIP)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request) {
	serverKey := r.URL.Query().Get("key")
	caller := clientIP(r)
	if caller != "127.0.0.1" && serverKey != h.memserver.ServerKey {
		fmt.Fprint(w, "Wrong or missing key for a remote node")
		return
	}
	fmt.Fprint(w, "Termination signal sent, node is shutting down...")
	h.memserver.Terminate()
}

func (h *Handler) recommendedFee(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "fee", map[string]any{"fee": h.memserver.Chain.FeeOverBlocks() + 1})
}

func (h *Handler) whatsMyIP(w http.ResponseWriter, r *http.Request) {
	writeSerialized(w, r, "ip", clientIP(r))
}

func storagePeer(ip, address string, port int) storage.PeerRecord {
	return storage.PeerRecord{IP: ip, Address: address, Port: port}
}
