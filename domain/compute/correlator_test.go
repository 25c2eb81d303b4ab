package compute

import (
	"testing"

	"github.com/stretchr/testify/require"

	"darkpool/domain/errs"
	"darkpool/domain/order"
)

func TestRegisterIsIdempotent(t *testing.T) {
	c := NewCorrelator()
	require.ErrorIs(t, c.Require(MatchOrders), errs.ErrComputationNotRegistered)

	existing, err := c.Register(MatchOrders)
	require.NoError(t, err)
	require.False(t, existing)

	existing, err = c.Register(MatchOrders)
	require.NoError(t, err)
	require.True(t, existing)
	require.NoError(t, c.Require(MatchOrders))

	_, err = c.Register(Kind(9))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestUnknownAndReplayedCallbacks(t *testing.T) {
	c := NewCorrelator()

	_, err := c.Lookup(7, SubmitOrder)
	require.ErrorIs(t, err, errs.ErrUnknownCorrelation)

	k := order.Key{ID: 1}
	require.NoError(t, c.Track(Request{Offset: 7, Kind: SubmitOrder, Order: &k, Payload: []byte("book")}))

	r, err := c.Lookup(7, SubmitOrder)
	require.NoError(t, err)
	require.Equal(t, k, *r.Order)
	require.Nil(t, r.Payload)

	_, err = c.Lookup(7, MatchOrders)
	require.ErrorIs(t, err, errs.ErrKindMismatch)

	c.Retire(7)
	_, err = c.Lookup(7, SubmitOrder)
	require.ErrorIs(t, err, errs.ErrAlreadyFinalized)
	require.Empty(t, c.InFlight())
}

func TestOffsetCollision(t *testing.T) {
	c := NewCorrelator()
	require.NoError(t, c.Track(Request{Offset: 3, Kind: MatchOrders}))
	require.ErrorIs(t, c.Track(Request{Offset: 3, Kind: SubmitOrder}), errs.ErrOffsetCollision)

	c.Retire(3)
	require.ErrorIs(t, c.CheckOffset(3), errs.ErrOffsetCollision)
}

func TestExportRestore(t *testing.T) {
	c := NewCorrelator()
	_, _ = c.Register(SubmitOrder)
	require.NoError(t, c.Track(Request{Offset: 2, Kind: SubmitOrder}))
	require.NoError(t, c.Track(Request{Offset: 1, Kind: SubmitOrder}))
	c.Retire(1)

	s := c.Export()
	require.Equal(t, []Kind{SubmitOrder}, s.Registered)
	require.Len(t, s.InFlight, 1)

	d := NewCorrelator()
	d.Restore(s)
	require.Equal(t, s, d.Export())
	_, err := d.Lookup(1, SubmitOrder)
	require.ErrorIs(t, err, errs.ErrAlreadyFinalized)
}

func TestResultValidate(t *testing.T) {
	require.NoError(t, Result{Kind: MatchOrders, Accepted: false}.Validate())
	require.ErrorIs(t, Result{Kind: MatchOrders, Accepted: true}.Validate(), errs.ErrInvalidArgument)
	require.ErrorIs(t, Result{Kind: MatchOrders, Accepted: true, Match: &MatchOutput{
		EncryptedFills: make([]order.Ciphertext, 3),
	}}.Validate(), errs.ErrInvalidArgument)
	require.NoError(t, Result{Kind: MatchOrders, Accepted: true, Match: &MatchOutput{
		EncryptedFills: make([]order.Ciphertext, 2*FillFields),
	}}.Validate())
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
}
