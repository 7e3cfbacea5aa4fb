package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessoudali/nado/config"
	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/internal/testutil"
	"github.com/tessoudali/nado/node"
	"github.com/tessoudali/nado/storage"
	"github.com/tessoudali/nado/wallet"
)

func memserverFixture(t *testing.T) (*node.MemServer, *wallet.Wallet, *config.Config) {
	t.Helper()

	w, err := wallet.Generate()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Genesis.Address = w.Address()

	db := testutil.NewMemDB()
	chain := storage.NewChainStore(db)
	ledger := storage.NewLedger(db)
	peers := storage.NewPeerStore(db, cfg.MinTrust, cfg.MaxTrust)

	_, err = config.MakeGenesis(cfg, chain, ledger)
	require.NoError(t, err)

	m, err := node.NewMemServer(cfg, chain, ledger, peers, w.Address(), w.PubKeyHex())
	require.NoError(t, err)
	return m, w, cfg
}

func TestMergeTransactionUserOrigin(t *testing.T) {
	m, w, _ := memserverFixture(t)
	recipient, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := w.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 1, nil)
	require.NoError(t, err)

	result := m.MergeTransaction(tx, true)
	assert.True(t, result.Result, result.Reason)
	assert.Equal(t, 1, m.UserTxBuffer.Len())
	assert.Equal(t, 0, m.TxBuffer.Len())

	// Gossip-origin transactions land in the node buffer instead.
	other, err := w.CreateTransaction(recipient.Address(), core.ToRawAmount(2), 1, nil)
	require.NoError(t, err)
	result = m.MergeTransaction(other, false)
	assert.True(t, result.Result, result.Reason)
	assert.Equal(t, 1, m.TxBuffer.Len())
}

func TestMergeTransactionRejectsDuplicate(t *testing.T) {
	m, w, _ := memserverFixture(t)
	recipient, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := w.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 1, nil)
	require.NoError(t, err)

	require.True(t, m.MergeTransaction(tx, true).Result)
	assert.False(t, m.MergeTransaction(tx, true).Result)
	assert.Equal(t, 1, m.UserTxBuffer.Len())
}

func TestMergeTransactionRejectsTampered(t *testing.T) {
	m, w, _ := memserverFixture(t)
	recipient, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := w.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 1, nil)
	require.NoError(t, err)
	tx.Amount += 1

	assert.False(t, m.MergeTransaction(tx, true).Result)
	assert.Equal(t, 0, m.UserTxBuffer.Len())
}

func TestMergeTransactionRejectsOverspend(t *testing.T) {
	m, _, _ := memserverFixture(t)
	poor, err := wallet.Generate()
	require.NoError(t, err)
	recipient, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := poor.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 0, nil)
	require.NoError(t, err)

	result := m.MergeTransaction(tx, true)
	assert.False(t, result.Result)
}

func TestMergeTransactionBufferLimit(t *testing.T) {
	m, w, cfg := memserverFixture(t)
	cfg.BufferLimit = 2
	m.BufferLimit = 2
	recipient, err := wallet.Generate()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		tx, err := w.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 1, nil)
		require.NoError(t, err)
		require.True(t, m.MergeTransaction(tx, true).Result)
	}
	overflow, err := w.CreateTransaction(recipient.Address(), core.ToRawAmount(1), 1, nil)
	require.NoError(t, err)
	assert.False(t, m.MergeTransaction(overflow, true).Result)
}

func TestTerminateIsMonotonic(t *testing.T) {
	m, _, _ := memserverFixture(t)
	assert.False(t, m.Terminating())
	m.Terminate()
	assert.True(t, m.Terminating())
	m.Terminate()
	assert.True(t, m.Terminating())
}

func TestSetPeersSortsAndDedupes(t *testing.T) {
	m, _, _ := memserverFixture(t)
	m.SetPeers([]string{"10.0.0.2", "10.0.0.1", "10.0.0.2"})
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, m.SnapshotPeers())
}
