package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tessoudali/nado/config"
	"github.com/tessoudali/nado/consensus"
	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/internal/testutil"
	"github.com/tessoudali/nado/network"
	"github.com/tessoudali/nado/node"
	"github.com/tessoudali/nado/storage"
	"github.com/tessoudali/nado/wallet"
)

func TestSerializeWrapping(t *testing.T) {
	t.Run("lists are wrapped under their name", func(t *testing.T) {
		data, contentType, err := serialize([]string{"a", "b"}, "peers", "")
		require.NoError(t, err)
		assert.Equal(t, "application/json", contentType)
		assert.JSONEq(t, `{"peers":["a","b"]}`, string(data))
	})

	t.Run("objects pass through unwrapped", func(t *testing.T) {
		data, _, err := serialize(map[string]any{"x": 1}, "status", "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1}`, string(data))
	})

	t.Run("msgpack round-trips", func(t *testing.T) {
		data, contentType, err := serialize([]string{"a", "b"}, "peers", "msgpack")
		require.NoError(t, err)
		assert.Equal(t, "application/msgpack", contentType)
		var decoded []string
		require.NoError(t, msgpack.Unmarshal(data, &decoded))
		assert.Equal(t, []string{"a", "b"}, decoded)
	})
}

type apiFixture struct {
	handler   *Handler
	router    *httprouter.Router
	memserver *node.MemServer
	wallet    *wallet.Wallet
	cfg       *config.Config
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	w, err := wallet.Generate()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Genesis.Address = w.Address()
	cfg.ServerKey = "test-server-key"

	db := testutil.NewMemDB()
	chain := storage.NewChainStore(db)
	ledger := storage.NewLedger(db)
	peers := storage.NewPeerStore(db, cfg.MinTrust, cfg.MaxTrust)
	_, err = config.MakeGenesis(cfg, chain, ledger)
	require.NoError(t, err)

	memserver, err := node.NewMemServer(cfg, chain, ledger, peers, w.Address(), w.PubKeyHex())
	require.NoError(t, err)

	client := network.NewClient(cfg.Port, cfg.IP)
	cons := consensus.NewConsensusClient(memserver, client)

	handler := NewHandler(cfg, memserver, cons, client)
	router := httprouter.New()
	handler.register(router)
	return &apiFixture{handler: handler, router: router, memserver: memserver, wallet: w, cfg: cfg}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.get(t, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Address             string `json:"address"`
		LatestBlockHash     string `json:"latest_block_hash"`
		EarliestBlockHash   string `json:"earliest_block_hash"`
		TransactionPoolHash string `json:"transaction_pool_hash"`
		Protocol            int    `json:"protocol"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, f.memserver.Address, status.Address)
	assert.Equal(t, f.memserver.LatestBlock.BlockHash, status.LatestBlockHash)
	assert.Equal(t, status.LatestBlockHash, status.EarliestBlockHash)
	assert.Equal(t, 1, status.Protocol)
}

func TestGetBlockEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	tip := f.memserver.LatestBlock

	rec := f.get(t, "/get_block?hash="+tip.BlockHash)
	require.Equal(t, http.StatusOK, rec.Code)
	var block core.Block
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &block))
	assert.Equal(t, tip.BlockHash, block.BlockHash)

	rec = f.get(t, "/get_block?hash=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Error: Not found", rec.Body.String())
}

func TestSubmitTransactionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	recipient, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := f.wallet.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 1, nil)
	require.NoError(t, err)
	payload, err := json.Marshal(tx)
	require.NoError(t, err)

	rec := f.get(t, "/submit_transaction?data="+url.QueryEscape(string(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.memserver.UserTxBuffer.Len())

	// A tampered transaction is rejected with 403.
	tx.Amount++
	payload, _ = json.Marshal(tx)
	rec = f.get(t, "/submit_transaction?data="+url.QueryEscape(string(payload)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetAccountEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/get_account?address="+f.cfg.Genesis.Address)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, float64(f.cfg.Genesis.Balance), acc["balance"])

	rec = f.get(t, "/get_account?address="+f.cfg.Genesis.Address+"&readable=true")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "1000000000.000000000", acc["balance"])

	rec = f.get(t, "/get_account?address=ndo0000000000000000000000000000000000000000000000")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetSupplyEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.get(t, "/get_supply")
	require.Equal(t, http.StatusOK, rec.Code)

	var supply map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &supply))
	assert.Equal(t, float64(f.cfg.Genesis.Balance), supply["reserve"])
	assert.Equal(t, float64(0), supply["reserve_spent"])
	assert.Equal(t, float64(f.cfg.Genesis.Balance), supply["total_supply"])
}

func TestTerminateEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	// Wrong key from a remote caller is refused.
	req := httptest.NewRequest(http.MethodGet, "/terminate?key=wrong", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.False(t, f.memserver.Terminating())

	// Localhost may terminate without a key.
	rec = f.get(t, "/terminate")
	assert.True(t, f.memserver.Terminating())
}

func TestForceSyncEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/force_sync?ip=10.0.0.7&key="+f.cfg.ServerKey, nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "10.0.0.7", f.memserver.ForceSyncIP)
	assert.Equal(t, []string{"10.0.0.7"}, f.memserver.SnapshotPeers())
}

func TestRecommendedFeeEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.get(t, "/get_recommended_fee")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"fee":1}`, rec.Body.String())
}

func TestWhatsMyIP(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.get(t, "/whats_my_ip")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ip":"127.0.0.1"}`, rec.Body.String())
}

func TestGetBlocksAfterEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	tip := f.memserver.LatestBlock

	next := core.ConstructBlock(tip.BlockNumber+1, tip.BlockTimestamp+60, tip.BlockHash,
		"10.0.0.1", "ndo-producer", nil, tip.BlockProducersHash, 0, 0)
	require.NoError(t, f.memserver.Chain.SaveBlock(next))
	require.NoError(t, f.memserver.Chain.UpdateChildHash(tip.BlockHash, next.BlockHash))

	rec := f.get(t, fmt.Sprintf("/get_blocks_after?hash=%s&count=10", tip.BlockHash))
	require.Equal(t, http.StatusOK, rec.Code)

	var wrapper struct {
		BlocksAfter []*core.Block `json:"blocks_after"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wrapper))
	require.Len(t, wrapper.BlocksAfter, 1)
	assert.Equal(t, next.BlockHash, wrapper.BlocksAfter[0].BlockHash)

	// Traversal in the other direction finds the parent.
	rec = f.get(t, fmt.Sprintf("/get_blocks_before?hash=%s&count=10", next.BlockHash))
	require.Equal(t, http.StatusOK, rec.Code)
	var before struct {
		BlocksBefore []*core.Block `json:"blocks_before"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	require.Len(t, before.BlocksBefore, 1)
	assert.Equal(t, tip.BlockHash, before.BlocksBefore[0].BlockHash)
}
