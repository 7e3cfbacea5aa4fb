package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func poolTx(id string) *Transaction {
	return &Transaction{Txid: id}
}

func fillPool(ids ...string) *TxPool {
	p := NewTxPool()
	for _, id := range ids {
		p.Add(poolTx(id))
	}
	return p
}

func poolIDs(p *TxPool) []string {
	txs := p.List()
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.Txid
	}
	return ids
}

func TestTxPoolOrderAndDedup(t *testing.T) {
	p := fillPool("c", "a", "b")
	assert.False(t, p.Add(poolTx("a")), "duplicate insert must be dropped")
	assert.Equal(t, []string{"c", "a", "b"}, poolIDs(p), "insertion order preserved")
	assert.Equal(t, 3, p.Len())

	p.Remove("a")
	assert.Equal(t, []string{"c", "b"}, poolIDs(p))
	assert.False(t, p.Has("a"))
}

func TestMergeBufferHonoursLimit(t *testing.T) {
	from := fillPool("t1", "t2", "t3", "t4")
	to := fillPool("t0")

	from, to = MergeBuffer(from, to, 3)
	assert.Equal(t, []string{"t0", "t1", "t2"}, poolIDs(to))
	// Survivors stay for the next period.
	assert.Equal(t, []string{"t3", "t4"}, poolIDs(from))
}

func TestMergeBufferDropsDuplicates(t *testing.T) {
	from := fillPool("t1", "t2")
	to := fillPool("t1")

	from, to = MergeBuffer(from, to, 10)
	assert.Equal(t, []string{"t1", "t2"}, poolIDs(to))
	assert.Equal(t, 0, from.Len())
}

func TestMergeBufferDrainsWhenUnderLimit(t *testing.T) {
	from := fillPool("t1", "t2")
	to := NewTxPool()

	from, to = MergeBuffer(from, to, 100)
	assert.Equal(t, 0, from.Len())
	assert.Equal(t, 2, to.Len())
}

func TestPoolHashOrderIndependent(t *testing.T) {
	first := PoolHash([]*Transaction{poolTx("a"), poolTx("b")})
	second := PoolHash([]*Transaction{poolTx("b"), poolTx("a")})
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, PoolHash([]*Transaction{poolTx("a")}))
	assert.NotEmpty(t, PoolHash(nil))
}

func TestSetAndSort(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SetAndSort([]string{"c", "a", "b", "a"}))
	assert.Empty(t, SetAndSort(nil))
}

func TestProducerSetHashRecomputes(t *testing.T) {
	base := ProducerSetHash([]string{"10.0.0.2", "10.0.0.1"})
	// Canonical form ignores input ordering and duplicates.
	assert.Equal(t, base, ProducerSetHash([]string{"10.0.0.1", "10.0.0.2", "10.0.0.1"}))
	// Every set change yields a new hash.
	assert.NotEqual(t, base, ProducerSetHash([]string{"10.0.0.1"}))
}

func TestMergeBufferLargePool(t *testing.T) {
	from := NewTxPool()
	for i := 0; i < 500; i++ {
		from.Add(poolTx(fmt.Sprintf("tx-%03d", i)))
	}
	to := NewTxPool()
	from, to = MergeBuffer(from, to, 100)
	assert.Equal(t, 100, to.Len())
	assert.Equal(t, 400, from.Len())
}
