// Package address derives deterministic account addresses for the ledger.
//
// An address is SHA3-256 over a fixed tag followed by the semantic
// components of the account, each length-prefixed, so two different
// (asset, owner) or (order id, owner) pairs never share an address.
package address

import (
	"encoding/binary"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/sha3"
)

// Size is the byte length of keys and derived addresses.
const Size = 32

// Key identifies an owner, an asset or a derived account.
type Key [Size]byte

const (
	tagBook           = "order_book_state"
	tagOrder          = "order"
	tagVault          = "vault"
	tagVaultState     = "vault_state"
	tagVaultAuthority = "vault_authority"
	tagSigner         = "signer_account"
	tagMatchRecord    = "match_record"
)

// ErrInvalidKey is returned by ParseKey for malformed input.
var ErrInvalidKey = errors.New("invalid key")

func (k Key) String() string {
	return base58.Encode(k[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText encodes the key as base58.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a base58 key.
func ParseKey(s string) (Key, error) {
	raw := base58.Decode(s)
	if len(raw) != Size {
		return Key{}, errors.Wrapf(ErrInvalidKey, "%q decodes to %d bytes", s, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// FromBytes copies b into a key. b must be exactly Size bytes.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, errors.Wrapf(ErrInvalidKey, "got %d bytes", len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// -------------------- Derivation --------------------

func derive(tag string, parts ...[]byte) Key {
	h := sha3.New256()
	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(tag)))
	h.Write(lenBuf[:])
	h.Write([]byte(tag))

	for _, p := range parts {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}

	var out Key
	h.Sum(out[:0])
	return out
}

// Book is the address of the order book singleton.
func Book() Key {
	return derive(tagBook)
}

// Order is the address of the order (orderID, owner).
func Order(orderID uint64, owner Key) Key {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], orderID)
	return derive(tagOrder, id[:], owner[:])
}

// Vault is the custody account holding owner's units of asset.
func Vault(asset, owner Key) Key {
	return derive(tagVault, asset[:], owner[:])
}

// VaultState is the bookkeeping account paired with Vault(asset, owner).
func VaultState(asset, owner Key) Key {
	return derive(tagVaultState, asset[:], owner[:])
}

// VaultAuthority is the program signer that moves custodied funds.
func VaultAuthority() Key {
	return derive(tagVaultAuthority)
}

// Signer is the program signer used when queueing computations.
func Signer() Key {
	return derive(tagSigner)
}

// MatchRecord is the settlement record of matchID within a match batch.
func MatchRecord(batchOffset, matchID uint64) Key {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], batchOffset)
	binary.LittleEndian.PutUint64(b[8:], matchID)
	return derive(tagMatchRecord, b[:])
}
