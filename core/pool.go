package core

import (
	"sort"

	"github.com/tessoudali/nado/crypto"
)

// TxPool is an insertion-ordered set of transactions keyed by txid. It is
// not safe for concurrent use; callers serialize access through the owning
// MemServer's buffer lock.
type TxPool struct {
	txs map[string]*Transaction
	ord []string
}

// NewTxPool creates an empty pool.
func NewTxPool() *TxPool {
	return &TxPool{txs: make(map[string]*Transaction)}
}

// NewTxPoolFrom creates a pool holding txs in order, dropping duplicates.
func NewTxPoolFrom(txs []*Transaction) *TxPool {
	p := NewTxPool()
	for _, tx := range txs {
		p.Add(tx)
	}
	return p
}

// Add inserts tx unless a transaction with the same txid is present.
// Reports whether the transaction was inserted.
func (p *TxPool) Add(tx *Transaction) bool {
	if _, ok := p.txs[tx.Txid]; ok {
		return false
	}
	p.txs[tx.Txid] = tx
	p.ord = append(p.ord, tx.Txid)
	return true
}

// Has reports whether a transaction with txid is in the pool.
func (p *TxPool) Has(txid string) bool {
	_, ok := p.txs[txid]
	return ok
}

// Remove deletes the transaction with txid if present.
func (p *TxPool) Remove(txid string) {
	if _, ok := p.txs[txid]; !ok {
		return
	}
	delete(p.txs, txid)
	for i, id := range p.ord {
		if id == txid {
			p.ord = append(p.ord[:i], p.ord[i+1:]...)
			break
		}
	}
}

// List returns the pool contents in insertion order.
func (p *TxPool) List() []*Transaction {
	out := make([]*Transaction, 0, len(p.ord))
	for _, id := range p.ord {
		out = append(out, p.txs[id])
	}
	return out
}

// Len returns the number of pooled transactions.
func (p *TxPool) Len() int {
	return len(p.txs)
}

// MergeBuffer moves transactions from from into to in insertion order until
// from is empty or to holds limit entries. Duplicates by txid are dropped
// from from without being counted against the limit. Both pools are the
// returned, rewritten values; the caller swaps them in under its buffer lock.
func MergeBuffer(from, to *TxPool, limit int) (*TxPool, *TxPool) {
	for _, tx := range from.List() {
		if to.Len() >= limit {
			break
		}
		to.Add(tx)
		from.Remove(tx.Txid)
	}
	return from, to
}

// PoolHash returns the canonical hash of a pool's contents: the sorted list
// of txids. Identical contents hash identically regardless of arrival order.
func PoolHash(pool []*Transaction) string {
	ids := make([]string, len(pool))
	for i, tx := range pool {
		ids[i] = tx.Txid
	}
	sort.Strings(ids)
	return crypto.HashObject(ids)
}

// SetAndSort deduplicates and sorts a list of strings, the canonical form
// for producer sets and peer lists.
func SetAndSort(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

// ProducerSetHash returns the canonical hash of a producer set.
func ProducerSetHash(producers []string) string {
	return crypto.HashObject(SetAndSort(producers))
}
