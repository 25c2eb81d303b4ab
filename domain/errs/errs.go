// Package errs holds the ledger's error taxonomy.
//
// Every failure the ledger reports is one of the sentinels below, usually
// wrapped with context. Callers match with errors.Is and route on ClassOf.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Class groups sentinels by who is expected to act on them.
type Class uint8

const (
	ClassUnknown Class = iota
	// ClassCaller errors are reported synchronously and mutate nothing.
	ClassCaller
	// ClassCorrelation errors mean the cluster and the ledger disagree
	// about which computations are in flight.
	ClassCorrelation
	// ClassReconciliation errors abort a settlement without transfers.
	ClassReconciliation
)

func (c Class) String() string {
	switch c {
	case ClassCaller:
		return "caller"
	case ClassCorrelation:
		return "correlation"
	case ClassReconciliation:
		return "reconciliation"
	default:
		return "unknown"
	}
}

// Caller errors.
var (
	ErrAlreadyInitialized         = errors.New("order book already initialized")
	ErrNotInitialized             = errors.New("order book not initialized")
	ErrDuplicateOrderID           = errors.New("duplicate order id")
	ErrOffsetCollision            = errors.New("computation offset collision")
	ErrInsufficientAvailableFunds = errors.New("insufficient available funds")
	ErrRateLimited                = errors.New("match trigger rate limited")
	ErrUnauthorized               = errors.New("unauthorized")
	ErrVaultExists                = errors.New("vault already exists")
	ErrVaultNotFound              = errors.New("vault not found")
	ErrUnknownAsset               = errors.New("asset not traded on this book")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrOrderNotFound              = errors.New("order not found")
	ErrNotCancellable             = errors.New("order not cancellable")
	ErrComputationNotRegistered   = errors.New("computation definition not registered")
	ErrInvalidArgument            = errors.New("invalid argument")
)

// Correlation errors.
var (
	ErrUnknownCorrelation = errors.New("unknown computation correlation")
	ErrAlreadyFinalized   = errors.New("computation already finalized")
	ErrKindMismatch       = errors.New("computation kind mismatch")
)

// Reconciliation errors.
var (
	ErrReconciliationFailure = errors.New("reconciliation failure")
	ErrUnknownMatch          = errors.New("unknown match batch")
	ErrAlreadySettled        = errors.New("match already settled")
	ErrInvalidOrderState     = errors.New("invalid order state")
)

var classes = []struct {
	err   error
	class Class
}{
	{ErrAlreadyInitialized, ClassCaller},
	{ErrNotInitialized, ClassCaller},
	{ErrDuplicateOrderID, ClassCaller},
	{ErrOffsetCollision, ClassCaller},
	{ErrInsufficientAvailableFunds, ClassCaller},
	{ErrRateLimited, ClassCaller},
	{ErrUnauthorized, ClassCaller},
	{ErrVaultExists, ClassCaller},
	{ErrVaultNotFound, ClassCaller},
	{ErrUnknownAsset, ClassCaller},
	{ErrInvalidAmount, ClassCaller},
	{ErrOrderNotFound, ClassCaller},
	{ErrNotCancellable, ClassCaller},
	{ErrComputationNotRegistered, ClassCaller},
	{ErrInvalidArgument, ClassCaller},

	{ErrUnknownCorrelation, ClassCorrelation},
	{ErrAlreadyFinalized, ClassCorrelation},
	{ErrKindMismatch, ClassCorrelation},

	{ErrReconciliationFailure, ClassReconciliation},
	{ErrUnknownMatch, ClassReconciliation},
	{ErrAlreadySettled, ClassReconciliation},
	{ErrInvalidOrderState, ClassReconciliation},
}

// ClassOf reports the class of the first sentinel err wraps.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassUnknown
}

// Sentinel returns the sentinel err wraps, or nil.
func Sentinel(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.err
		}
	}
	return nil
}
