// Package book holds the order book singleton: the sequencing nonce,
// the traded asset pair and the opaque confidential book payload.
package book

import (
	"time"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/errs"
	"darkpool/domain/order"
)

// Params are fixed at initialization.
type Params struct {
	Authority           address.Key `json:"authority"`
	SettlementAuthority address.Key `json:"settlement_authority"`
	BackendKey          address.Key `json:"backend_public_key"`
	BaseAsset           address.Key `json:"base_asset"`
	QuoteAsset          address.Key `json:"quote_asset"`
}

// Validate checks Params before a book is created.
func (p Params) Validate() error {
	switch {
	case p.Authority.IsZero():
		return errors.Wrap(errs.ErrInvalidArgument, "authority is required")
	case p.BackendKey.IsZero():
		return errors.Wrap(errs.ErrInvalidArgument, "backend public key is required")
	case p.BaseAsset.IsZero() || p.QuoteAsset.IsZero():
		return errors.Wrap(errs.ErrInvalidArgument, "both assets are required")
	case p.BaseAsset == p.QuoteAsset:
		return errors.Wrap(errs.ErrInvalidArgument, "base and quote asset must differ")
	}
	return nil
}

// State is the singleton record at address.Book().
type State struct {
	Address address.Key `json:"address"`
	Params

	// SequenceNonce grows by exactly one per accepted order.
	SequenceNonce        uint64 `json:"sequence_nonce"`
	TotalOrdersProcessed uint64 `json:"total_orders_processed"`
	TotalMatches         uint64 `json:"total_matches"`

	// Payload is the cluster's encrypted book. Never interpreted here.
	Payload []byte `json:"orderbook_payload"`

	// PayloadVersion counts payload replacements.
	PayloadVersion uint64 `json:"payload_version"`

	LastMatchAt   time.Time `json:"last_match_at"`
	InitializedAt time.Time `json:"initialized_at"`
}

// New creates the book. A zero settlement authority defaults to the
// book authority.
func New(p Params, now time.Time) (*State, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.SettlementAuthority.IsZero() {
		p.SettlementAuthority = p.Authority
	}
	return &State{
		Address:       address.Book(),
		Params:        p,
		InitializedAt: now,
	}, nil
}

// AssetFor is the asset an order on side locks: quote for buys, base
// for sells.
func (s *State) AssetFor(side order.Side) address.Key {
	if side == order.Buy {
		return s.QuoteAsset
	}
	return s.BaseAsset
}

// Trades reports whether asset is one side of the pair.
func (s *State) Trades(asset address.Key) bool {
	return asset == s.BaseAsset || asset == s.QuoteAsset
}

// Advance records one accepted order and returns the new nonce.
func (s *State) Advance() uint64 {
	s.TotalOrdersProcessed++
	s.SequenceNonce++
	return s.SequenceNonce
}

// ReplacePayload installs a new cluster payload and bumps its version.
func (s *State) ReplacePayload(p []byte) {
	s.Payload = append([]byte(nil), p...)
	s.PayloadVersion++
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	c := *s
	c.Payload = append([]byte(nil), s.Payload...)
	return c
}
