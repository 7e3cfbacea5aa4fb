// Package core defines the chain's record types: transactions, blocks and
// the ordered pools they travel through.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tessoudali/nado/crypto"
)

// RawPerReadable is the number of raw units in one readable unit.
const RawPerReadable = 1_000_000_000

// Transaction is the atomic unit of value transfer. Amounts are raw units.
// Txid covers every field except itself and Signature; Signature covers
// every field except itself (so it includes Txid).
type Transaction struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Amount    int64           `json:"amount"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Nonce     string          `json:"nonce"`
	Fee       int64           `json:"fee"`
	PublicKey string          `json:"public_key"`
	Txid      string          `json:"txid"`
	Signature string          `json:"signature"`
}

// txidBody holds the fields covered by the transaction ID.
type txidBody struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Amount    int64           `json:"amount"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Nonce     string          `json:"nonce"`
	Fee       int64           `json:"fee"`
	PublicKey string          `json:"public_key"`
}

// signingBody holds the fields covered by the signature: everything except
// the signature itself.
type signingBody struct {
	txidBody
	Txid string `json:"txid"`
}

func (tx *Transaction) idBody() txidBody {
	return txidBody{
		Sender:    tx.Sender,
		Recipient: tx.Recipient,
		Amount:    tx.Amount,
		Timestamp: tx.Timestamp,
		Data:      tx.Data,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		PublicKey: tx.PublicKey,
	}
}

// ComputeTxid returns the canonical hash of the pre-signed fields.
func (tx *Transaction) ComputeTxid() string {
	return crypto.HashObject(tx.idBody())
}

// SigningBytes returns the canonical serialization the signature covers.
func (tx *Transaction) SigningBytes() ([]byte, error) {
	return crypto.CanonicalJSON(signingBody{txidBody: tx.idBody(), Txid: tx.Txid})
}

// Sign sets Txid and Signature using priv.
func (tx *Transaction) Sign(priv crypto.PrivateKey) error {
	tx.Txid = tx.ComputeTxid()
	msg, err := tx.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal signing body: %w", err)
	}
	tx.Signature = crypto.Sign(priv, msg)
	return nil
}

// VerifySignature checks the signature against the sender's public key.
func (tx *Transaction) VerifySignature() error {
	pub, err := crypto.PubKeyFromHex(tx.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	msg, err := tx.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal signing body: %w", err)
	}
	return crypto.Verify(pub, msg, tx.Signature)
}

// TxLookup answers whether a txid is already indexed on chain.
type TxLookup interface {
	TransactionIndexed(txid string) bool
}

// BalanceSource reads current account balances.
type BalanceSource interface {
	BalanceOf(address string) (int64, error)
}

// ValidateTransaction checks a single transaction against the chain: shape,
// addresses, proof of sender, signature, non-negative fee and amount, txid
// integrity and uniqueness.
func ValidateTransaction(tx *Transaction, lookup TxLookup) error {
	if tx == nil {
		return errors.New("data structure incomplete")
	}
	if !crypto.ValidateAddress(tx.Sender) {
		return fmt.Errorf("invalid sender %s", tx.Sender)
	}
	if !crypto.ValidateAddress(tx.Recipient) {
		return fmt.Errorf("invalid recipient %s", tx.Recipient)
	}
	if !crypto.ProofSender(tx.Sender, tx.PublicKey) {
		return errors.New("invalid origin")
	}
	if tx.Fee < 0 {
		return errors.New("transaction fee lower than zero")
	}
	if tx.Amount < 0 {
		return errors.New("transaction amount lower than zero")
	}
	if tx.Txid != tx.ComputeTxid() {
		return errors.New("txid does not match transaction contents")
	}
	if err := tx.VerifySignature(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if lookup != nil && lookup.TransactionIndexed(tx.Txid) {
		return fmt.Errorf("transaction %s already exists", tx.Txid)
	}
	return nil
}

// Senders returns the distinct senders of pool in first-seen order.
func Senders(pool []*Transaction) []string {
	seen := make(map[string]bool, len(pool))
	var out []string
	for _, tx := range pool {
		if !seen[tx.Sender] {
			seen[tx.Sender] = true
			out = append(out, tx.Sender)
		}
	}
	return out
}

// ValidateSingleSpending simulates pool with candidate appended and checks
// that the candidate's sender never overspends their standing balance.
func ValidateSingleSpending(pool []*Transaction, candidate *Transaction, balances BalanceSource) error {
	future := make([]*Transaction, 0, len(pool)+1)
	future = append(future, pool...)
	future = append(future, candidate)
	return validateSenderSpending(future, candidate.Sender, balances)
}

// ValidateAllSpending reproduces the running-sum invariant for every sender
// in the pool. Ordering within a sender follows the pool's current sort.
func ValidateAllSpending(pool []*Transaction, balances BalanceSource) error {
	for _, sender := range Senders(pool) {
		if err := validateSenderSpending(pool, sender, balances); err != nil {
			return err
		}
	}
	return nil
}

func validateSenderSpending(pool []*Transaction, sender string, balances BalanceSource) error {
	standing, err := balances.BalanceOf(sender)
	if err != nil {
		return fmt.Errorf("load balance of %s: %w", sender, err)
	}
	var spending int64
	for _, tx := range pool {
		if tx.Sender != sender {
			continue
		}
		spending += tx.Amount + tx.Fee
		if spending > standing {
			return fmt.Errorf("overspending attempt by %s", sender)
		}
	}
	return nil
}

// SortByTxid returns pool sorted by txid, the canonical in-block order.
func SortByTxid(pool []*Transaction) []*Transaction {
	sorted := make([]*Transaction, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Txid < sorted[j].Txid })
	return sorted
}

// ToReadableAmount formats a raw amount as a decimal readable-unit string.
func ToReadableAmount(raw int64) string {
	return fmt.Sprintf("%d.%09d", raw/RawPerReadable, raw%RawPerReadable)
}

// ToRawAmount converts whole readable units to raw units.
func ToRawAmount(readable int64) int64 {
	return readable * RawPerReadable
}
