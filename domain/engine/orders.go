package engine

import (
	"time"

	"github.com/cockroachdb/errors"

	"darkpool/domain/address"
	"darkpool/domain/compute"
	"darkpool/domain/errs"
	"darkpool/domain/event"
	"darkpool/domain/order"
)

// Submission is an encrypted order as the caller sends it.
//
// LockAmount is the plaintext collateral cap the caller declares: quote
// units for a buy, base units for a sell. The cluster rejects the order if
// the decrypted amount needs more than that.
type Submission struct {
	OrderID         uint64           `json:"order_id"`
	Owner           address.Key      `json:"owner"`
	Side            order.Side       `json:"side"`
	EncryptedAmount order.Ciphertext `json:"encrypted_amount"`
	EncryptedPrice  order.Ciphertext `json:"encrypted_price"`
	SubmitterKey    address.Key      `json:"submitter_key"`
	Offset          uint64           `json:"computation_offset"`
	EncryptionNonce order.Nonce      `json:"encryption_nonce"`
	LockAmount      uint64           `json:"lock_amount"`
}

// SubmitOrder creates the order, locks its collateral and registers the
// submit_order computation. The order leaves this call Processing.
func (e *Engine) SubmitOrder(s Submission, now time.Time) (order.Account, Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return order.Account{}, Outcome{}, err
	}
	if err := e.corr.Require(compute.SubmitOrder); err != nil {
		return order.Account{}, Outcome{}, err
	}
	if s.SubmitterKey.IsZero() {
		return order.Account{}, Outcome{}, errors.Wrap(errs.ErrInvalidArgument, "submitter key is required")
	}

	draft := order.Draft{
		ID:              s.OrderID,
		Owner:           s.Owner,
		Side:            s.Side,
		EncryptedAmount: s.EncryptedAmount,
		EncryptedPrice:  s.EncryptedPrice,
		EncryptionNonce: s.EncryptionNonce,
		SubmitterKey:    s.SubmitterKey,
		LockAsset:       b.AssetFor(s.Side),
		Locked:          s.LockAmount,
		SubmittedAt:     now,
	}
	if err := e.orders.CheckNew(draft); err != nil {
		return order.Account{}, Outcome{}, err
	}
	if err := e.corr.CheckOffset(s.Offset); err != nil {
		return order.Account{}, Outcome{}, err
	}
	if err := e.vaults.CheckLock(s.Owner, draft.LockAsset, s.LockAmount); err != nil {
		return order.Account{}, Outcome{}, err
	}

	// Validated; nothing below can fail.
	acct, _ := e.orders.Create(draft)
	_ = e.vaults.Lock(s.Owner, draft.LockAsset, s.LockAmount)
	_ = acct.Dispatch(s.Offset)

	key := acct.Key()
	req := compute.Request{
		Offset:     s.Offset,
		Kind:       compute.SubmitOrder,
		Order:      &key,
		Side:       s.Side,
		LockAmount: s.LockAmount,
		Requester:  s.SubmitterKey,
		Nonce:      s.EncryptionNonce,
		Inputs:     []order.Ciphertext{s.EncryptedAmount, s.EncryptedPrice},
		Book:       b.Address,
		Sequence:   b.SequenceNonce,
		CreatedAt:  now,

		PayloadVersion: b.PayloadVersion,
	}
	_ = e.corr.Track(req)
	req.Payload = append([]byte(nil), b.Payload...)

	return *acct, Outcome{Dispatch: &req}, nil
}

// CancelOrder cancels an order of caller that has not been dispatched.
// SubmitOrder dispatches in the same step, so only an order restored in
// the Pending state can be cancelled; every other order fails with
// ErrNotCancellable.
func (e *Engine) CancelOrder(k order.Key, caller address.Key) (order.Account, Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.orders.Lookup(k)
	if err != nil {
		return order.Account{}, Outcome{}, err
	}
	if acct.Owner != caller {
		return order.Account{}, Outcome{}, errors.Wrapf(errs.ErrUnauthorized, "order %s", k)
	}
	if acct.Status != order.Pending {
		return order.Account{}, Outcome{}, errors.Wrapf(errs.ErrNotCancellable, "order %s is %s", k, acct.Status)
	}
	if acct.Locked > 0 {
		if err := e.vaults.Release(acct.Owner, acct.LockAsset, acct.Locked); err != nil {
			return order.Account{}, Outcome{}, err
		}
		acct.Locked = 0
	}
	_ = acct.Cancel()

	return *acct, Outcome{Events: []event.Event{event.OrderCancelledEvent{
		OrderID: acct.ID,
		Owner:   acct.Owner,
	}}}, nil
}

// ReasonStalePayload is reported for an accepted result that was computed
// from a book payload another callback has since replaced.
const ReasonStalePayload = "stale book payload"

// refuseStale turns an accepted result built on an outdated payload into
// a rejection.
func (e *Engine) refuseStale(res compute.Result) compute.Result {
	if res.Accepted && res.PayloadVersion != e.book.PayloadVersion {
		res.Accepted = false
		res.Reason = ReasonStalePayload
		res.Payload = nil
		res.Match = nil
	}
	return res
}

// finalizeSubmission applies the cluster's verdict on one order. On
// acceptance the nonce increment is the last write of the step.
func (e *Engine) finalizeSubmission(req compute.Request, res compute.Result) (Outcome, error) {
	if req.Order == nil {
		return Outcome{}, errors.Wrapf(errs.ErrReconciliationFailure, "offset %d has no linked order", req.Offset)
	}
	acct, err := e.orders.Lookup(*req.Order)
	if err != nil {
		return Outcome{}, err
	}
	if off, ok := acct.Offset(); !ok || off != req.Offset || acct.Status != order.Processing {
		return Outcome{}, errors.Wrapf(errs.ErrInvalidOrderState,
			"order %s is %s, not waiting on offset %d", acct.Key(), acct.Status, req.Offset)
	}

	res = e.refuseStale(res)
	ev := event.OrderProcessedEvent{
		OrderID: acct.ID,
		Owner:   acct.Owner,
		Offset:  req.Offset,
		Success: res.Accepted,
		Reason:  res.Reason,
	}

	if !res.Accepted {
		if err := e.vaults.Release(acct.Owner, acct.LockAsset, acct.Locked); err != nil {
			return Outcome{}, err
		}
		acct.Locked = 0
		_ = acct.Fail()
		e.corr.Retire(req.Offset)
		ev.NewNonce = e.book.SequenceNonce
		return Outcome{Events: []event.Event{ev}}, nil
	}

	if res.Payload != nil {
		e.book.ReplacePayload(res.Payload)
	}
	_ = acct.Accept(e.book.SequenceNonce + 1)
	e.corr.Retire(req.Offset)
	ev.NewNonce = e.book.Advance()
	return Outcome{Events: []event.Event{ev}}, nil
}
