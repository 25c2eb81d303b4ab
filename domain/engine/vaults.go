package engine

import (
	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/custody"
	"darkpool/domain/errs"
	"darkpool/domain/event"
)

// InitializeVault opens the vault of owner for one of the book's assets.
func (e *Engine) InitializeVault(owner, asset address.Key) (custody.Vault, Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return custody.Vault{}, Outcome{}, err
	}
	if !b.Trades(asset) {
		return custody.Vault{}, Outcome{}, errors.Wrapf(errs.ErrUnknownAsset, "asset %s", asset)
	}
	v, err := e.vaults.Open(owner, asset)
	if err != nil {
		return custody.Vault{}, Outcome{}, err
	}
	return v, vaultOutcome(event.VaultOpened, v, 0), nil
}

func (e *Engine) Deposit(owner, asset address.Key, amount uint64) (custody.Vault, Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.vaults.Deposit(owner, asset, amount)
	if err != nil {
		return custody.Vault{}, Outcome{}, err
	}
	return v, vaultOutcome(event.VaultDeposit, v, amount), nil
}

// Withdraw only touches balance - locked.
func (e *Engine) Withdraw(owner, asset address.Key, amount uint64) (custody.Vault, Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.vaults.Withdraw(owner, asset, amount)
	if err != nil {
		return custody.Vault{}, Outcome{}, err
	}
	return v, vaultOutcome(event.VaultWithdrawal, v, amount), nil
}

func vaultOutcome(action event.VaultAction, v custody.Vault, amount uint64) Outcome {
	return Outcome{Events: []event.Event{event.VaultEvent{
		Action:  action,
		Owner:   v.Owner,
		Asset:   v.Asset,
		Amount:  amount,
		Balance: v.Balance,
		Locked:  v.Locked,
	}}}
}
