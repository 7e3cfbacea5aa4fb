package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/internal/testutil"
	"github.com/tessoudali/nado/storage"
)

func ledgerFixture(t *testing.T) (*storage.Ledger, *testutil.MemDB) {
	t.Helper()
	db := testutil.NewMemDB()
	return storage.NewLedger(db), db
}

func TestChangeBalanceNeverNegative(t *testing.T) {
	ledger, _ := ledgerFixture(t)

	require.NoError(t, ledger.ChangeBalance("ndo-a", 100))
	assert.Error(t, ledger.ChangeBalance("ndo-a", -101), "balance cannot go negative")

	balance, err := ledger.BalanceOf("ndo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestLazyAccountCreation(t *testing.T) {
	ledger, _ := ledgerFixture(t)

	acc, err := ledger.GetAccount("ndo-new", true)
	require.NoError(t, err)
	assert.Zero(t, acc.Balance)

	_, err = ledger.GetAccount("ndo-new", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestReflectRevertRoundTrip checks that applying and reverting a
// transaction restores the exact prior ledger bytes.
func TestReflectRevertRoundTrip(t *testing.T) {
	ledger, db := ledgerFixture(t)
	require.NoError(t, ledger.ChangeBalance("ndo-sender", 1000))

	before := db.Snapshot()

	tx := &core.Transaction{Txid: "t", Sender: "ndo-sender", Recipient: "ndo-recipient", Amount: 300, Fee: 7}
	require.NoError(t, ledger.ReflectTransaction(tx, false))

	sender, err := ledger.GetAccount("ndo-sender", true)
	require.NoError(t, err)
	assert.Equal(t, int64(693), sender.Balance)
	assert.Equal(t, int64(7), sender.Burned)

	recipient, err := ledger.GetAccount("ndo-recipient", true)
	require.NoError(t, err)
	assert.Equal(t, int64(300), recipient.Balance)

	require.NoError(t, ledger.ReflectTransaction(tx, true))
	assert.Equal(t, before, db.Snapshot(), "revert must restore the exact prior state")
}

func TestReflectRejectsOverspend(t *testing.T) {
	ledger, _ := ledgerFixture(t)
	require.NoError(t, ledger.ChangeBalance("ndo-sender", 100))

	tx := &core.Transaction{Txid: "t", Sender: "ndo-sender", Recipient: "ndo-recipient", Amount: 100, Fee: 1}
	assert.Error(t, ledger.ReflectTransaction(tx, false))
}

// TestConservation verifies that balance + burned − produced is conserved by
// transactions and rewards.
func TestConservation(t *testing.T) {
	ledger, _ := ledgerFixture(t)
	require.NoError(t, ledger.ChangeBalance("ndo-sender", 1_000))

	sum := func() int64 {
		var total int64
		for _, addr := range []string{"ndo-sender", "ndo-recipient", "ndo-producer"} {
			acc, err := ledger.GetAccount(addr, true)
			require.NoError(t, err)
			total += acc.Balance + acc.Burned - acc.Produced
		}
		return total
	}
	before := sum()

	tx := &core.Transaction{Txid: "t", Sender: "ndo-sender", Recipient: "ndo-recipient", Amount: 400, Fee: 3}
	require.NoError(t, ledger.ReflectTransaction(tx, false))
	assert.Equal(t, before, sum())

	require.NoError(t, ledger.ChangeBalance("ndo-producer", 50))
	require.NoError(t, ledger.IncreaseProducedCount("ndo-producer", 50, false))
	assert.Equal(t, before, sum())
}

func TestFetchTotals(t *testing.T) {
	ledger, _ := ledgerFixture(t)
	require.NoError(t, ledger.ChangeBalance("ndo-sender", 1_000))

	tx := &core.Transaction{Txid: "t", Sender: "ndo-sender", Recipient: "ndo-recipient", Amount: 100, Fee: 5}
	require.NoError(t, ledger.ReflectTransaction(tx, false))
	require.NoError(t, ledger.ChangeBalance("ndo-producer", 40))
	require.NoError(t, ledger.IncreaseProducedCount("ndo-producer", 40, false))

	totals, err := ledger.FetchTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(40), totals.Produced)
	assert.Equal(t, int64(5), totals.Fees)
	assert.Equal(t, int64(5), totals.Burned)
}
