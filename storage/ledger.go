package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tessoudali/nado/core"
)

const (
	prefixAccount = "account:"
	keyFees       = "ledger:fees"
)

// Account is a ledger entry. Produced accumulates lifetime block rewards,
// Burned accumulates fees paid.
type Account struct {
	Address  string `json:"address"`
	Balance  int64  `json:"balance"`
	Produced int64  `json:"produced"`
	Burned   int64  `json:"burned"`
}

// Totals aggregates ledger-wide counters for the supply endpoint.
type Totals struct {
	Produced int64 `json:"produced"`
	Fees     int64 `json:"fees"`
	Burned   int64 `json:"burned"`
}

// Ledger owns account records. Accounts are created lazily on first
// reference.
type Ledger struct {
	db DB
}

// NewLedger creates a Ledger backed by db.
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

// GetAccount returns the account for address, creating a zero-value record
// when createOnMiss is set and none is stored.
func (l *Ledger) GetAccount(address string, createOnMiss bool) (*Account, error) {
	data, err := l.db.Get([]byte(prefixAccount + address))
	if errors.Is(err, ErrNotFound) {
		if createOnMiss {
			return &Account{Address: address}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// SetAccount persists acc. Completely zeroed accounts are pruned so that a
// reverted lazy creation leaves no record behind.
func (l *Ledger) SetAccount(acc *Account) error {
	if acc.Balance == 0 && acc.Produced == 0 && acc.Burned == 0 {
		return l.db.Delete([]byte(prefixAccount + acc.Address))
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return l.db.Set([]byte(prefixAccount+acc.Address), data)
}

// BalanceOf returns the current balance of address. Satisfies
// core.BalanceSource; unknown accounts read as zero.
func (l *Ledger) BalanceOf(address string) (int64, error) {
	acc, err := l.GetAccount(address, true)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// ChangeBalance applies a signed delta to an account balance. The balance
// can never go negative.
func (l *Ledger) ChangeBalance(address string, delta int64) error {
	acc, err := l.GetAccount(address, true)
	if err != nil {
		return fmt.Errorf("load account %s: %w", address, err)
	}
	if acc.Balance+delta < 0 {
		return fmt.Errorf("cannot change balance of %s into negative", address)
	}
	acc.Balance += delta
	return l.SetAccount(acc)
}

// ReflectTransaction applies (or with revert, exactly reverses) a
// transaction: the sender pays amount plus fee, the recipient receives the
// amount, the fee is recorded as burned by the sender.
func (l *Ledger) ReflectTransaction(tx *core.Transaction, revert bool) error {
	sender, err := l.GetAccount(tx.Sender, true)
	if err != nil {
		return err
	}
	if revert {
		sender.Balance += tx.Amount + tx.Fee
		sender.Burned -= tx.Fee
	} else {
		if sender.Balance-tx.Amount-tx.Fee < 0 {
			return fmt.Errorf("cannot change balance of %s into negative", tx.Sender)
		}
		sender.Balance -= tx.Amount + tx.Fee
		sender.Burned += tx.Fee
	}
	if err := l.SetAccount(sender); err != nil {
		return err
	}

	recipientDelta := tx.Amount
	if revert {
		recipientDelta = -tx.Amount
	}
	if err := l.ChangeBalance(tx.Recipient, recipientDelta); err != nil {
		return err
	}
	return l.changeFees(tx.Fee, revert)
}

// IncreaseProducedCount credits a block reward to the producer's lifetime
// counter; with revert it takes the credit back.
func (l *Ledger) IncreaseProducedCount(address string, amount int64, revert bool) error {
	acc, err := l.GetAccount(address, true)
	if err != nil {
		return err
	}
	if revert {
		acc.Produced -= amount
	} else {
		acc.Produced += amount
	}
	return l.SetAccount(acc)
}

// FetchTotals sums produced and burned over every account plus the global
// fee counter.
func (l *Ledger) FetchTotals() (Totals, error) {
	totals := Totals{Fees: l.fees()}
	it := l.db.NewIterator([]byte(prefixAccount))
	defer it.Release()
	for it.Next() {
		var acc Account
		if err := json.Unmarshal(it.Value(), &acc); err != nil {
			return totals, err
		}
		totals.Produced += acc.Produced
		totals.Burned += acc.Burned
	}
	return totals, it.Error()
}

func (l *Ledger) fees() int64 {
	data, err := l.db.Get([]byte(keyFees))
	if err != nil {
		return 0
	}
	fees, _ := strconv.ParseInt(string(data), 10, 64)
	return fees
}

func (l *Ledger) changeFees(delta int64, revert bool) error {
	if delta == 0 {
		return nil
	}
	if revert {
		delta = -delta
	}
	next := l.fees() + delta
	if next == 0 {
		// Reverting to zero must leave no trace of the counter.
		return l.db.Delete([]byte(keyFees))
	}
	return l.db.Set([]byte(keyFees), []byte(strconv.FormatInt(next, 10)))
}
