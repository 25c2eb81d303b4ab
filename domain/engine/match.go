package engine

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"darkpool/domain/address"
	"darkpool/domain/compute"
	"darkpool/domain/errs"
	"darkpool/domain/event"
	"darkpool/domain/settlement"
)

func (e *Engine) limiter(scope address.Key) *rate.Limiter {
	l, ok := e.limiters[scope]
	if !ok {
		limit := rate.Inf
		if e.cfg.MatchInterval > 0 {
			limit = rate.Every(e.cfg.MatchInterval)
		}
		l = rate.NewLimiter(limit, 1)
		e.limiters[scope] = l
	}
	return l
}

func (e *Engine) limiterScope(caller address.Key) address.Key {
	if e.cfg.MatchScope == ScopeCaller {
		return caller
	}
	return address.Book()
}

// TriggerMatch registers a match_orders computation over the current
// book payload. Triggers closer than the configured interval to the last
// accepted one are refused with ErrRateLimited.
func (e *Engine) TriggerMatch(offset uint64, caller address.Key, now time.Time) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return Outcome{}, err
	}
	if err := e.corr.Require(compute.MatchOrders); err != nil {
		return Outcome{}, err
	}
	if err := e.corr.CheckOffset(offset); err != nil {
		return Outcome{}, err
	}
	scope := e.limiterScope(caller)
	if !e.limiter(scope).AllowN(now, 1) {
		return Outcome{}, errors.Wrapf(errs.ErrRateLimited,
			"last match at %s, interval %s", e.triggers[scope].Format(time.RFC3339), e.cfg.MatchInterval)
	}

	e.triggers[scope] = now
	b.LastMatchAt = now
	req := compute.Request{
		Offset:    offset,
		Kind:      compute.MatchOrders,
		Requester: caller,
		Book:      b.Address,
		Sequence:  b.SequenceNonce,
		CreatedAt: now,

		PayloadVersion: b.PayloadVersion,
	}
	_ = e.corr.Track(req)
	req.Payload = append([]byte(nil), b.Payload...)
	return Outcome{Dispatch: &req}, nil
}

// InitOrderBook asks the cluster for an empty confidential book.
func (e *Engine) InitOrderBook(offset uint64, caller address.Key, now time.Time) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return Outcome{}, err
	}
	if caller != b.Authority {
		return Outcome{}, errors.Wrap(errs.ErrUnauthorized, "init_order_book needs the book authority")
	}
	if err := e.corr.Require(compute.InitOrderBook); err != nil {
		return Outcome{}, err
	}
	if err := e.corr.CheckOffset(offset); err != nil {
		return Outcome{}, err
	}
	req := compute.Request{
		Offset:    offset,
		Kind:      compute.InitOrderBook,
		Requester: caller,
		Book:      b.Address,
		Sequence:  b.SequenceNonce,
		CreatedAt: now,
	}
	_ = e.corr.Track(req)
	return Outcome{Dispatch: &req}, nil
}

// Finalize applies a cluster callback. Callbacks for unknown offsets fail
// with ErrUnknownCorrelation and replays with ErrAlreadyFinalized. An
// accepted submission or match computed from an outdated payload version
// is finalized as rejected with ReasonStalePayload.
func (e *Engine) Finalize(res compute.Result, now time.Time) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.requireBook(); err != nil {
		return Outcome{}, err
	}
	if err := res.Validate(); err != nil {
		return Outcome{}, err
	}
	req, err := e.corr.Lookup(res.Offset, res.Kind)
	if err != nil {
		return Outcome{}, err
	}

	switch res.Kind {
	case compute.SubmitOrder:
		return e.finalizeSubmission(req, res)
	case compute.MatchOrders:
		return e.finalizeMatch(req, res, now), nil
	default:
		if res.Accepted && res.Payload != nil {
			e.book.ReplacePayload(res.Payload)
		}
		e.corr.Retire(req.Offset)
		return Outcome{}, nil
	}
}

// finalizeMatch records the batch of an accepted match. A match computed
// from a replaced payload produces no batch.
func (e *Engine) finalizeMatch(req compute.Request, res compute.Result, now time.Time) Outcome {
	res = e.refuseStale(res)
	ev := event.MatchResultEvent{
		Offset:   req.Offset,
		Success:  res.Accepted,
		Sequence: req.Sequence,
		Reason:   res.Reason,
	}
	if res.Accepted {
		m := res.Match
		e.settle.AddBatch(settlement.Batch{
			Offset:         req.Offset,
			Nonce:          m.Nonce,
			Orders:         m.Orders,
			EncryptedFills: m.EncryptedFills,
			Sequence:       req.Sequence,
			FinalizedAt:    now,
		})
		if res.Payload != nil {
			e.book.ReplacePayload(res.Payload)
		}
		ev.OrderIDs = m.Orders
		ev.EncryptedFills = m.EncryptedFills
		ev.Nonce = m.Nonce
	}
	e.corr.Retire(req.Offset)
	return Outcome{Events: []event.Event{ev}}
}

// ExecuteSettlement settles one decrypted fill of a finalized batch.
func (e *Engine) ExecuteSettlement(caller address.Key, m settlement.MatchResult, now time.Time) (settlement.Record, Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return settlement.Record{}, Outcome{}, err
	}
	if caller != b.SettlementAuthority {
		return settlement.Record{}, Outcome{}, errors.Wrap(errs.ErrUnauthorized, "caller is not the settlement authority")
	}
	rec, err := e.settle.Execute(m, e.orders, e.vaults, now)
	if err != nil {
		return settlement.Record{}, Outcome{}, err
	}
	b.TotalMatches++

	return rec, Outcome{Events: []event.Event{event.SettlementExecutedEvent{
		MatchOffset:  rec.MatchOffset,
		MatchID:      rec.MatchID,
		Buyer:        rec.Buy,
		Seller:       rec.Sell,
		Quantity:     rec.Quantity,
		Price:        rec.Price,
		QuoteAmount:  rec.QuoteAmount,
		TotalMatches: b.TotalMatches,
	}}}, nil
}
