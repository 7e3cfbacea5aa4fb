package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessoudali/nado/crypto"
)

func testBlock(txs []*Transaction) *Block {
	return ConstructBlock(5, 1_700_000_000, "parent-hash", "10.0.0.1", "ndo-creator", txs, "producers-hash", 100, 0)
}

func TestConstructBlockDeterminism(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	a := signedTransaction(t, priv, testRecipient(t), 10, 0)
	b := signedTransaction(t, priv, testRecipient(t), 20, 0)

	// Transaction arrival order must not influence the block hash.
	first := testBlock([]*Transaction{a, b})
	second := testBlock([]*Transaction{b, a})
	assert.Equal(t, first.BlockHash, second.BlockHash)
}

func TestBlockHashExcludesChildHash(t *testing.T) {
	block := testBlock(nil)
	withChild := *block
	withChild.ChildHash = "some-child"
	assert.Equal(t, block.BlockHash, withChild.ComputeHash())

	// Any hashed field changes the hash.
	tampered := *block
	tampered.BlockReward = 101
	assert.NotEqual(t, block.BlockHash, tampered.ComputeHash())
}

func TestValidBlockGap(t *testing.T) {
	previous := testBlock(nil)
	cases := []struct {
		name  string
		delta int64
		want  bool
	}{
		{"exactly at gap", 60, true},
		{"above gap", 61, true},
		{"below gap", 59, false},
		{"same timestamp", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := *previous
			next.BlockTimestamp = previous.BlockTimestamp + tc.delta
			assert.Equal(t, tc.want, ValidBlockGap(&next, previous, 60))
		})
	}
}

func TestBlockRewardSchedule(t *testing.T) {
	assert.Equal(t, int64(1000), BlockReward(1000, 100, 0))
	assert.Equal(t, int64(1000), BlockReward(1000, 100, 99))
	assert.Equal(t, int64(500), BlockReward(1000, 100, 100))
	assert.Equal(t, int64(250), BlockReward(1000, 100, 200))
	assert.Equal(t, int64(0), BlockReward(1000, 100, 100*64))
	// A zero interval disables halving.
	assert.Equal(t, int64(1000), BlockReward(1000, 0, 1_000_000))
}
