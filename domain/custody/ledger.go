// Package custody is the custody ledger: per-(owner, asset) vaults with a
// lockable sub-balance reserved against open orders.
//
// The ledger is not safe for concurrent use; the engine serialises access.
package custody

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/errs"
)

// Ledger holds every vault keyed by its derived address.
type Ledger struct {
	vaults map[address.Key]*Vault
}

func NewLedger() *Ledger {
	return &Ledger{vaults: make(map[address.Key]*Vault)}
}

// Open creates the vault pair for (owner, asset).
func (l *Ledger) Open(owner, asset address.Key) (Vault, error) {
	addr := address.Vault(asset, owner)
	if _, ok := l.vaults[addr]; ok {
		return Vault{}, errors.Wrapf(errs.ErrVaultExists, "owner %s asset %s", owner, asset)
	}
	v := newVault(owner, asset)
	l.vaults[addr] = v
	return *v, nil
}

// Get returns a copy of the vault for (owner, asset).
func (l *Ledger) Get(owner, asset address.Key) (Vault, error) {
	v, err := l.lookup(owner, asset)
	if err != nil {
		return Vault{}, err
	}
	return *v, nil
}

func (l *Ledger) lookup(owner, asset address.Key) (*Vault, error) {
	v, ok := l.vaults[address.Vault(asset, owner)]
	if !ok {
		return nil, errors.Wrapf(errs.ErrVaultNotFound, "owner %s asset %s", owner, asset)
	}
	return v, nil
}

// Deposit credits amount to an existing vault.
func (l *Ledger) Deposit(owner, asset address.Key, amount uint64) (Vault, error) {
	if amount == 0 {
		return Vault{}, errors.Wrap(errs.ErrInvalidAmount, "deposit of zero")
	}
	v, err := l.lookup(owner, asset)
	if err != nil {
		return Vault{}, err
	}
	if v.Balance > math.MaxUint64-amount {
		return Vault{}, errors.Wrap(errs.ErrInvalidAmount, "deposit overflows balance")
	}
	v.Balance += amount
	return *v, nil
}

// Withdraw debits amount from the unlocked part of the vault.
func (l *Ledger) Withdraw(owner, asset address.Key, amount uint64) (Vault, error) {
	if amount == 0 {
		return Vault{}, errors.Wrap(errs.ErrInvalidAmount, "withdrawal of zero")
	}
	v, err := l.lookup(owner, asset)
	if err != nil {
		return Vault{}, err
	}
	if v.Available() < amount {
		return Vault{}, errors.Wrapf(errs.ErrInsufficientAvailableFunds,
			"withdraw %d, available %d", amount, v.Available())
	}
	v.Balance -= amount
	return *v, nil
}

// CheckLock reports whether amount can be locked in (owner, asset).
func (l *Ledger) CheckLock(owner, asset address.Key, amount uint64) error {
	if amount == 0 {
		return errors.Wrap(errs.ErrInvalidAmount, "lock of zero")
	}
	v, err := l.lookup(owner, asset)
	if err != nil {
		return err
	}
	if v.Available() < amount {
		return errors.Wrapf(errs.ErrInsufficientAvailableFunds,
			"lock %d, available %d", amount, v.Available())
	}
	return nil
}

// Lock reserves amount for one order.
func (l *Ledger) Lock(owner, asset address.Key, amount uint64) error {
	if err := l.CheckLock(owner, asset, amount); err != nil {
		return err
	}
	v, _ := l.lookup(owner, asset)
	v.Locked += amount
	v.ActiveOrders++
	return nil
}

// Release returns the lock of one order that reached a terminal state.
func (l *Ledger) Release(owner, asset address.Key, amount uint64) error {
	v, err := l.lookup(owner, asset)
	if err != nil {
		return err
	}
	if v.Locked < amount {
		return errors.Wrapf(errs.ErrReconciliationFailure,
			"release %d, locked %d", amount, v.Locked)
	}
	v.Locked -= amount
	if v.ActiveOrders > 0 {
		v.ActiveOrders--
	}
	return nil
}

// -------------------- Transfers --------------------

// Leg moves Amount of Asset out of From's locked funds into To's vault
// and then releases Release more of From's lock. A leg always closes one
// order on the From side.
type Leg struct {
	From    address.Key
	To      address.Key
	Asset   address.Key
	Amount  uint64
	Release uint64
}

// Transfer applies legs atomically: either every leg is applied or the
// ledger is left untouched. Destination vaults are opened on first use.
func (l *Ledger) Transfer(legs ...Leg) error {
	staged := make(map[address.Key]*Vault)

	get := func(owner, asset address.Key, create bool) (*Vault, error) {
		addr := address.Vault(asset, owner)
		if v, ok := staged[addr]; ok {
			return v, nil
		}
		if v, ok := l.vaults[addr]; ok {
			cp := *v
			staged[addr] = &cp
			return &cp, nil
		}
		if !create {
			return nil, errors.Wrapf(errs.ErrVaultNotFound, "owner %s asset %s", owner, asset)
		}
		v := newVault(owner, asset)
		staged[addr] = v
		return v, nil
	}

	for i, leg := range legs {
		src, err := get(leg.From, leg.Asset, false)
		if err != nil {
			return errors.Wrapf(err, "leg %d source", i)
		}
		need := leg.Amount + leg.Release
		if need < leg.Amount || src.Locked < need {
			return errors.Wrapf(errs.ErrReconciliationFailure,
				"leg %d: %s locked %d, needs %d", i, src.Address, src.Locked, need)
		}
		if src.Balance < leg.Amount {
			return errors.Wrapf(errs.ErrReconciliationFailure,
				"leg %d: %s balance %d, needs %d", i, src.Address, src.Balance, leg.Amount)
		}
		src.Locked -= need
		src.Balance -= leg.Amount
		if src.ActiveOrders > 0 {
			src.ActiveOrders--
		}

		dst, err := get(leg.To, leg.Asset, true)
		if err != nil {
			return errors.Wrapf(err, "leg %d destination", i)
		}
		if dst.Balance > math.MaxUint64-leg.Amount {
			return errors.Wrapf(errs.ErrInvalidAmount, "leg %d overflows %s", i, dst.Address)
		}
		dst.Balance += leg.Amount
	}

	for addr, v := range staged {
		l.vaults[addr] = v
	}
	return nil
}

// -------------------- Snapshot --------------------

// Vaults returns copies of every vault ordered by address.
func (l *Ledger) Vaults() []Vault {
	out := make([]Vault, 0, len(l.vaults))
	for _, v := range l.vaults {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Address[:]) < string(out[j].Address[:])
	})
	return out
}

// Restore replaces the ledger content with vaults.
func (l *Ledger) Restore(vaults []Vault) {
	l.vaults = make(map[address.Key]*Vault, len(vaults))
	for i := range vaults {
		v := vaults[i]
		l.vaults[v.Address] = &v
	}
}
