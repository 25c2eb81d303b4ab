// Package compute correlates requests sent to the confidential computation
// cluster with the callbacks that finalize them.
package compute

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/errs"
	"darkpool/domain/order"
)

// Kind names a computation definition registered with the cluster.
type Kind uint8

const (
	SubmitOrder Kind = iota + 1
	MatchOrders
	InitOrderBook
)

// Kinds lists every computation the ledger can invoke.
var Kinds = []Kind{SubmitOrder, MatchOrders, InitOrderBook}

func (k Kind) String() string {
	switch k {
	case SubmitOrder:
		return "submit_order"
	case MatchOrders:
		return "match_orders"
	case InitOrderBook:
		return "init_order_book"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return k >= SubmitOrder && k <= InitOrderBook
}

func ParseKind(s string) (Kind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		if k.String() == v {
			return k, nil
		}
	}
	return 0, errors.Wrapf(errs.ErrInvalidArgument, "computation kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Request is one computation handed to the cluster. The correlator keeps
// it, minus the book payload, until the callback arrives.
type Request struct {
	Offset uint64 `json:"offset"`
	Kind   Kind   `json:"kind"`

	// Submission only.
	Order      *order.Key `json:"order,omitempty"`
	Side       order.Side `json:"side"`
	LockAmount uint64     `json:"lock_amount"`

	Requester address.Key        `json:"requester"`
	Nonce     order.Nonce        `json:"nonce"`
	Inputs    []order.Ciphertext `json:"inputs,omitempty"`

	Book     address.Key `json:"book"`
	Sequence uint64      `json:"sequence"`
	Payload  []byte      `json:"payload,omitempty"`

	// PayloadVersion is the book payload version Payload was taken at.
	PayloadVersion uint64 `json:"payload_version"`

	CreatedAt time.Time `json:"created_at"`
}

// MatchOutput is what a match computation returns besides the new book.
// EncryptedFills holds FillFields ciphertexts per fill, encrypted for the
// settlement authority under Nonce.
type MatchOutput struct {
	Orders         []order.Key        `json:"orders"`
	EncryptedFills []order.Ciphertext `json:"encrypted_fills"`
	Nonce          order.Nonce        `json:"nonce"`
}

// FillFields is the number of encrypted fields describing one fill:
// match id, buy order index, sell order index, quantity, price.
const FillFields = 5

// Result is the cluster's callback for one offset.
type Result struct {
	Offset   uint64       `json:"offset"`
	Kind     Kind         `json:"kind"`
	Accepted bool         `json:"accepted"`
	Reason   string       `json:"reason,omitempty"`
	Payload  []byte       `json:"payload,omitempty"`
	Match    *MatchOutput `json:"match,omitempty"`

	// PayloadVersion is the version of the book payload the result was
	// computed from. An accepted result built on an older payload than the
	// ledger's current one is refused.
	PayloadVersion uint64 `json:"payload_version"`
}

// Validate checks the shape of a result before it is correlated.
func (r Result) Validate() error {
	if !r.Kind.Valid() {
		return errors.Wrapf(errs.ErrInvalidArgument, "result kind %d", r.Kind)
	}
	if r.Kind == MatchOrders && r.Accepted {
		if r.Match == nil {
			return errors.Wrap(errs.ErrInvalidArgument, "accepted match result without output")
		}
		if len(r.Match.EncryptedFills)%FillFields != 0 {
			return errors.Wrapf(errs.ErrInvalidArgument,
				"%d fill ciphertexts is not a multiple of %d", len(r.Match.EncryptedFills), FillFields)
		}
	}
	return nil
}
