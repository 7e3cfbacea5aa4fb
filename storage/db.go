// Package storage persists the chain, the ledger and the peer table. The
// original file-per-object layout (blocks/<hash>, accounts/<address>/...,
// transactions/<txid>, peers/<ip>, producers/<hash>) is mapped onto key
// prefixes of a single key-value store (block:, account:, tx:, acct_tx:,
// peer:, producers:).
package storage

import "errors"

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// Batch is an atomic write buffer. All operations are applied together
// via Write() or discarded together on error, preventing partial commits.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// DB is the generic key-value store interface.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}
