package custody

import "darkpool/domain/address"

// Vault is one owner's custodial balance of one asset.
//
// Locked is the part of Balance reserved against open orders;
// Locked <= Balance always holds.
type Vault struct {
	Address   address.Key `json:"address"`
	State     address.Key `json:"state"`
	Owner     address.Key `json:"owner"`
	Asset     address.Key `json:"asset"`
	Authority address.Key `json:"authority"`

	Balance      uint64 `json:"balance"`
	Locked       uint64 `json:"locked"`
	ActiveOrders uint32 `json:"active_orders"`
}

func newVault(owner, asset address.Key) *Vault {
	return &Vault{
		Address:   address.Vault(asset, owner),
		State:     address.VaultState(asset, owner),
		Owner:     owner,
		Asset:     asset,
		Authority: address.VaultAuthority(),
	}
}

// Available is the amount usable for new orders or withdrawal.
func (v *Vault) Available() uint64 {
	return v.Balance - v.Locked
}
