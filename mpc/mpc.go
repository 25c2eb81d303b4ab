// Package mpc is the ledger's view of the confidential computation
// cluster: requests go out through a Cluster, results come back through
// a Finalizer.
package mpc

import (
	"context"

	"github.com/cockroachdb/errors"

	"darkpool/domain/compute"
)

// ErrDefinitionExists is returned when a computation definition was
// already registered. Callers treat it as success.
var ErrDefinitionExists = errors.New("computation definition already exists")

// ErrNotRegistered is returned when a request names an unknown definition.
var ErrNotRegistered = errors.New("computation definition not registered")

// Cluster accepts computations. Dispatch returns once the request is
// handed off; the result arrives later, or never.
type Cluster interface {
	RegisterDefinition(ctx context.Context, kind compute.Kind) error
	Dispatch(ctx context.Context, req compute.Request) error
}

// Finalizer is the ledger's callback entry point.
type Finalizer interface {
	FinalizeComputation(ctx context.Context, res compute.Result) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, res compute.Result) error

func (f FinalizerFunc) FinalizeComputation(ctx context.Context, res compute.Result) error {
	return f(ctx, res)
}

// Register registers every kind, treating ErrDefinitionExists as done.
// It reports which kinds were already present.
func Register(ctx context.Context, c Cluster, kinds ...compute.Kind) (existing []compute.Kind, err error) {
	for _, k := range kinds {
		err := c.RegisterDefinition(ctx, k)
		switch {
		case err == nil:
		case errors.Is(err, ErrDefinitionExists):
			existing = append(existing, k)
		default:
			return existing, errors.Wrapf(err, "register %s", k)
		}
	}
	return existing, nil
}
