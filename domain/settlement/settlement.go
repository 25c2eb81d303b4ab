// Package settlement applies decrypted match results to custody.
//
// A finalized match computation leaves a Batch behind. A settlement names
// one fill of a batch; it is checked against the batch, the two orders and
// their locks, and then moves both legs in one atomic custody transfer.
package settlement

import (
	"math/bits"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/custody"
	"darkpool/domain/errs"
	"darkpool/domain/order"
)

// MatchResult is one decrypted fill.
type MatchResult struct {
	MatchOffset uint64      `json:"match_offset"`
	MatchID     uint64      `json:"match_id"`
	Buy         order.Key   `json:"buy"`
	Sell        order.Key   `json:"sell"`
	Quantity    uint64      `json:"quantity"`
	Price       uint64      `json:"price"`
	Nonce       order.Nonce `json:"nonce"`
}

// Batch is the ledger's record of a finalized match computation.
type Batch struct {
	Offset         uint64             `json:"offset"`
	Nonce          order.Nonce        `json:"nonce"`
	Orders         []order.Key        `json:"orders"`
	EncryptedFills []order.Ciphertext `json:"encrypted_fills"`
	Sequence       uint64             `json:"sequence"`
	FinalizedAt    time.Time          `json:"finalized_at"`
}

func (b *Batch) has(k order.Key) bool {
	for _, o := range b.Orders {
		if o == k {
			return true
		}
	}
	return false
}

// Record is written once per settled match id.
type Record struct {
	Address     address.Key `json:"address"`
	MatchOffset uint64      `json:"match_offset"`
	MatchID     uint64      `json:"match_id"`
	Buy         order.Key   `json:"buy"`
	Sell        order.Key   `json:"sell"`
	Quantity    uint64      `json:"quantity"`
	Price       uint64      `json:"price"`
	QuoteAmount uint64      `json:"quote_amount"`
	SettledAt   time.Time   `json:"settled_at"`
}

// Executor keeps batches and settled matches. Not safe for concurrent use.
type Executor struct {
	batches map[uint64]*Batch
	settled map[address.Key]Record
}

func NewExecutor() *Executor {
	return &Executor{
		batches: make(map[uint64]*Batch),
		settled: make(map[address.Key]Record),
	}
}

// AddBatch records a finalized match computation.
func (e *Executor) AddBatch(b Batch) {
	e.batches[b.Offset] = &b
}

func (e *Executor) Batch(offset uint64) (Batch, bool) {
	b, ok := e.batches[offset]
	if !ok {
		return Batch{}, false
	}
	return *b, true
}

// QuoteAmount is quantity*price, failing on overflow.
func QuoteAmount(quantity, price uint64) (uint64, error) {
	hi, lo := bits.Mul64(quantity, price)
	if hi != 0 {
		return 0, errors.Wrapf(errs.ErrReconciliationFailure, "quote amount %d*%d overflows", quantity, price)
	}
	return lo, nil
}

// plan validates m against the batches, the orders and their locks and
// returns the custody legs that settle it.
func (e *Executor) plan(m MatchResult, buy, sell *order.Account) ([]custody.Leg, uint64, error) {
	b, ok := e.batches[m.MatchOffset]
	if !ok {
		return nil, 0, errors.Wrapf(errs.ErrUnknownMatch, "no batch at offset %d", m.MatchOffset)
	}
	if b.Nonce != m.Nonce {
		return nil, 0, errors.Wrapf(errs.ErrUnknownMatch, "nonce does not match batch %d", m.MatchOffset)
	}
	if !b.has(m.Buy) || !b.has(m.Sell) {
		return nil, 0, errors.Wrapf(errs.ErrUnknownMatch, "orders %s/%s not in batch %d", m.Buy, m.Sell, m.MatchOffset)
	}
	addr := address.MatchRecord(m.MatchOffset, m.MatchID)
	if _, done := e.settled[addr]; done {
		return nil, 0, errors.Wrapf(errs.ErrAlreadySettled, "match %d of batch %d", m.MatchID, m.MatchOffset)
	}
	if m.Quantity == 0 || m.Price == 0 {
		return nil, 0, errors.Wrap(errs.ErrInvalidAmount, "empty fill")
	}

	for _, a := range []*order.Account{buy, sell} {
		if a.Status != order.Processing || a.InFlight || !a.Accepted() {
			return nil, 0, errors.Wrapf(errs.ErrInvalidOrderState, "order %s is %s", a.Key(), a.Status)
		}
	}
	if buy.Side != order.Buy || sell.Side != order.Sell {
		return nil, 0, errors.Wrapf(errs.ErrInvalidOrderState, "sides %s/%s", buy.Side, sell.Side)
	}

	quote, err := QuoteAmount(m.Quantity, m.Price)
	if err != nil {
		return nil, 0, err
	}
	if buy.Locked < quote {
		return nil, 0, errors.Wrapf(errs.ErrReconciliationFailure,
			"buyer %s locked %d, fill needs %d", buy.Key(), buy.Locked, quote)
	}
	if sell.Locked < m.Quantity {
		return nil, 0, errors.Wrapf(errs.ErrReconciliationFailure,
			"seller %s locked %d, fill needs %d", sell.Key(), sell.Locked, m.Quantity)
	}

	return []custody.Leg{
		{From: buy.Owner, To: sell.Owner, Asset: buy.LockAsset, Amount: quote, Release: buy.Locked - quote},
		{From: sell.Owner, To: buy.Owner, Asset: sell.LockAsset, Amount: m.Quantity, Release: sell.Locked - m.Quantity},
	}, quote, nil
}

// Execute settles m. On any error neither custody nor the orders change.
// A fill closes both orders; the unfilled part of each lock is released.
func (e *Executor) Execute(m MatchResult, orders *order.Ledger, vaults *custody.Ledger, now time.Time) (Record, error) {
	buy, err := orders.Lookup(m.Buy)
	if err != nil {
		return Record{}, err
	}
	sell, err := orders.Lookup(m.Sell)
	if err != nil {
		return Record{}, err
	}
	if buy == sell {
		return Record{}, errors.Wrapf(errs.ErrInvalidOrderState, "order %s on both sides", m.Buy)
	}

	legs, quote, err := e.plan(m, buy, sell)
	if err != nil {
		return Record{}, err
	}
	if err := vaults.Transfer(legs...); err != nil {
		return Record{}, errors.Wrap(err, "settlement transfer")
	}

	// plan already checked both transitions.
	_ = buy.Fill()
	_ = sell.Fill()
	buy.Locked, sell.Locked = 0, 0

	rec := Record{
		Address:     address.MatchRecord(m.MatchOffset, m.MatchID),
		MatchOffset: m.MatchOffset,
		MatchID:     m.MatchID,
		Buy:         m.Buy,
		Sell:        m.Sell,
		Quantity:    m.Quantity,
		Price:       m.Price,
		QuoteAmount: quote,
		SettledAt:   now,
	}
	e.settled[rec.Address] = rec
	return rec, nil
}

// -------------------- Snapshot --------------------

type State struct {
	Batches []Batch  `json:"batches"`
	Settled []Record `json:"settled"`
}

func (e *Executor) Export() State {
	var s State
	for _, b := range e.batches {
		s.Batches = append(s.Batches, *b)
	}
	for _, r := range e.settled {
		s.Settled = append(s.Settled, r)
	}
	sort.Slice(s.Batches, func(i, j int) bool { return s.Batches[i].Offset < s.Batches[j].Offset })
	sort.Slice(s.Settled, func(i, j int) bool {
		if s.Settled[i].MatchOffset != s.Settled[j].MatchOffset {
			return s.Settled[i].MatchOffset < s.Settled[j].MatchOffset
		}
		return s.Settled[i].MatchID < s.Settled[j].MatchID
	})
	return s
}

func (e *Executor) Restore(s State) {
	*e = *NewExecutor()
	for _, b := range s.Batches {
		e.AddBatch(b)
	}
	for _, r := range s.Settled {
		e.settled[r.Address] = r
	}
}
