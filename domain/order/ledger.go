// Package order is the order ledger: one Account per (order id, owner)
// and the order state machine.
package order

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/errs"
)

// Ledger is not safe for concurrent use.
type Ledger struct {
	orders map[Key]*Account
}

func NewLedger() *Ledger {
	return &Ledger{orders: make(map[Key]*Account)}
}

// Draft describes an order about to be created.
type Draft struct {
	ID              uint64
	Owner           address.Key
	Side            Side
	EncryptedAmount Ciphertext
	EncryptedPrice  Ciphertext
	EncryptionNonce Nonce
	SubmitterKey    address.Key
	LockAsset       address.Key
	Locked          uint64
	SubmittedAt     time.Time
}

// CheckNew validates that d can be created.
func (l *Ledger) CheckNew(d Draft) error {
	if !d.Side.Valid() {
		return errors.Wrapf(errs.ErrInvalidArgument, "side %d", d.Side)
	}
	k := Key{ID: d.ID, Owner: d.Owner}
	if _, ok := l.orders[k]; ok {
		return errors.Wrapf(errs.ErrDuplicateOrderID, "order %s", k)
	}
	return nil
}

// Create inserts a Pending order.
func (l *Ledger) Create(d Draft) (*Account, error) {
	if err := l.CheckNew(d); err != nil {
		return nil, err
	}
	a := &Account{
		Address:         address.Order(d.ID, d.Owner),
		ID:              d.ID,
		Owner:           d.Owner,
		Side:            d.Side,
		Status:          Pending,
		EncryptedAmount: d.EncryptedAmount,
		EncryptedPrice:  d.EncryptedPrice,
		EncryptionNonce: d.EncryptionNonce,
		SubmitterKey:    d.SubmitterKey,
		LockAsset:       d.LockAsset,
		Locked:          d.Locked,
		SubmittedAt:     d.SubmittedAt,
	}
	l.orders[a.Key()] = a
	return a, nil
}

// Lookup returns the live account for k.
func (l *Ledger) Lookup(k Key) (*Account, error) {
	a, ok := l.orders[k]
	if !ok {
		return nil, errors.Wrapf(errs.ErrOrderNotFound, "order %s", k)
	}
	return a, nil
}

// Get returns a copy of the account for k.
func (l *Ledger) Get(k Key) (Account, error) {
	a, err := l.Lookup(k)
	if err != nil {
		return Account{}, err
	}
	return *a, nil
}

// Accounts returns copies of all orders sorted by owner then id.
func (l *Ledger) Accounts() []Account {
	out := make([]Account, 0, len(l.orders))
	for _, a := range l.orders {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return string(out[i].Owner[:]) < string(out[j].Owner[:])
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore replaces the ledger content.
func (l *Ledger) Restore(accounts []Account) {
	l.orders = make(map[Key]*Account, len(accounts))
	for i := range accounts {
		a := accounts[i]
		l.orders[a.Key()] = &a
	}
}
