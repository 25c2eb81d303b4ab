package order

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/errs"
)

type Side uint8
type Status uint8

const (
	Buy Side = iota
	Sell
)

const (
	Pending Status = iota
	Processing
	Matched
	Cancelled
	Failed
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, errors.Wrapf(errs.ErrInvalidArgument, "side %q", v)
}

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Matched:
		return "matched"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Matched || s == Cancelled || s == Failed
}

// Ciphertext is one encrypted field. The ledger never interprets it.
type Ciphertext [32]byte

// Nonce is a 128-bit encryption nonce, little endian.
type Nonce [16]byte

// Key identifies an order: ids are unique per owner.
type Key struct {
	ID    uint64      `json:"id"`
	Owner address.Key `json:"owner"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ID, k.Owner)
}

// Address is the derived account address of the order.
func (k Key) Address() address.Key {
	return address.Order(k.ID, k.Owner)
}

// Account is the ledger record of one order.
type Account struct {
	Address address.Key `json:"address"`
	ID      uint64      `json:"id"`
	Owner   address.Key `json:"owner"`
	Side    Side        `json:"side"`
	Status  Status      `json:"status"`

	EncryptedAmount Ciphertext  `json:"encrypted_amount"`
	EncryptedPrice  Ciphertext  `json:"encrypted_price"`
	EncryptionNonce Nonce       `json:"encryption_nonce"`
	SubmitterKey    address.Key `json:"submitter_key"`

	// ComputationOffset is meaningful only while InFlight.
	ComputationOffset uint64 `json:"computation_offset"`
	InFlight          bool   `json:"in_flight"`

	LockAsset address.Key `json:"lock_asset"`
	Locked    uint64      `json:"locked"`

	// Sequence is the book sequence nonce assigned on acceptance; zero
	// until the cluster accepted the order.
	Sequence    uint64    `json:"sequence"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (a *Account) Key() Key {
	return Key{ID: a.ID, Owner: a.Owner}
}

// Accepted reports whether the cluster accepted the order into the book.
func (a *Account) Accepted() bool {
	return a.Sequence != 0
}

// Offset returns the in-flight computation offset, if any.
func (a *Account) Offset() (uint64, bool) {
	return a.ComputationOffset, a.InFlight
}

// -------------------- Transitions --------------------

func (a *Account) transitionErr(to string) error {
	return errors.Wrapf(errs.ErrInvalidOrderState, "order %s: %s -> %s", a.Key(), a.Status, to)
}

// Dispatch moves a pending order into Processing under offset.
func (a *Account) Dispatch(offset uint64) error {
	if a.Status != Pending {
		return a.transitionErr("processing")
	}
	a.Status = Processing
	a.ComputationOffset = offset
	a.InFlight = true
	return nil
}

// Accept records the cluster's acceptance; the order keeps resting in
// the confidential book as Processing until a settlement fills it.
func (a *Account) Accept(sequence uint64) error {
	if a.Status != Processing || !a.InFlight {
		return a.transitionErr("accepted")
	}
	a.InFlight = false
	a.ComputationOffset = 0
	a.Sequence = sequence
	return nil
}

// Fail records the cluster's rejection.
func (a *Account) Fail() error {
	if a.Status != Processing || !a.InFlight {
		return a.transitionErr("failed")
	}
	a.Status = Failed
	a.InFlight = false
	a.ComputationOffset = 0
	return nil
}

// Cancel is only possible before a computation was dispatched.
func (a *Account) Cancel() error {
	if a.Status != Pending {
		return errors.Wrapf(errs.ErrNotCancellable, "order %s is %s", a.Key(), a.Status)
	}
	a.Status = Cancelled
	return nil
}

// Fill marks an accepted order matched by a settlement.
func (a *Account) Fill() error {
	if a.Status != Processing || a.InFlight || !a.Accepted() {
		return a.transitionErr("matched")
	}
	a.Status = Matched
	return nil
}

// -------------------- Encoding --------------------

func (c Ciphertext) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(c[:])), nil
}

func (c *Ciphertext) UnmarshalText(b []byte) error {
	return decodeFixed(c[:], b)
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(n[:])), nil
}

func (n *Nonce) UnmarshalText(b []byte) error {
	return decodeFixed(n[:], b)
}

func decodeFixed(dst, src []byte) error {
	if hex.DecodedLen(len(src)) != len(dst) {
		return errors.Wrapf(errs.ErrInvalidArgument, "want %d hex bytes, got %d", len(dst), hex.DecodedLen(len(src)))
	}
	_, err := hex.Decode(dst, src)
	return err
}
