// Package wallet provides key management and transaction signing helpers.
package wallet

import (
	"encoding/json"
	"time"

	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/crypto"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKeyHex returns the hex-encoded ed25519 public key.
func (w *Wallet) PubKeyHex() string {
	return w.pub.Hex()
}

// Address returns the wallet's account address.
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// CreateTransaction builds and signs a transfer. Amounts are raw units.
func (w *Wallet) CreateTransaction(recipient string, amount, fee int64, data any) (*core.Transaction, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	tx := &core.Transaction{
		Sender:    w.Address(),
		Recipient: recipient,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
		Data:      raw,
		Nonce:     crypto.CreateNonce(),
		Fee:       fee,
		PublicKey: w.PubKeyHex(),
	}
	if err := tx.Sign(w.priv); err != nil {
		return nil, err
	}
	return tx, nil
}
