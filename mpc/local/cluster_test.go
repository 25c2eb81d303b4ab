package local

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/engine"
	"darkpool/domain/event"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
	"darkpool/infra/cipher"
	"darkpool/mpc"
)

type fixture struct {
	cluster   *Cluster
	authority cipher.PrivateKey
	trader    cipher.PrivateKey
	traderPub address.Key
	results   []compute.Result
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	clusterKey, _, err := cipher.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var authPub address.Key
	f.authority, authPub, err = cipher.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.trader, f.traderPub, err = cipher.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f.cluster, err = New(Config{
		Key:       clusterKey,
		Recipient: authPub,
		Rand:      rand.Reader,
		Logger:    zerolog.Nop(),
		Finalizer: mpc.FinalizerFunc(func(_ context.Context, res compute.Result) error {
			f.results = append(f.results, res)
			return nil
		}),
	})
	require.NoError(t, err)
	_, err = mpc.Register(context.Background(), f.cluster, compute.Kinds...)
	require.NoError(t, err)
	return f
}

func (f *fixture) order(t *testing.T, id uint64, side order.Side, amount, price, lock uint64, payload []byte) compute.Request {
	t.Helper()
	secret, err := cipher.SharedSecret(f.trader, f.cluster.PublicKey())
	require.NoError(t, err)
	nonce := order.Nonce{byte(id)}
	k := order.Key{ID: id, Owner: f.traderPub}
	return compute.Request{
		Offset:     id,
		Kind:       compute.SubmitOrder,
		Order:      &k,
		Side:       side,
		LockAmount: lock,
		Requester:  f.traderPub,
		Nonce:      nonce,
		Inputs:     cipher.New(secret).Encrypt([]uint64{amount, price}, nonce),
		Payload:    payload,
	}
}

func (f *fixture) last(t *testing.T) compute.Result {
	t.Helper()
	require.NotEmpty(t, f.results)
	return f.results[len(f.results)-1]
}

func TestRegisterTwice(t *testing.T) {
	f := newFixture(t)
	err := f.cluster.RegisterDefinition(context.Background(), compute.MatchOrders)
	require.ErrorIs(t, err, mpc.ErrDefinitionExists)

	existing, err := mpc.Register(context.Background(), f.cluster, compute.Kinds...)
	require.NoError(t, err)
	require.Equal(t, compute.Kinds, existing)
}

func TestUnregisteredKind(t *testing.T) {
	clusterKey, pub, err := cipher.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c, err := New(Config{Key: clusterKey, Recipient: pub, Rand: rand.Reader, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = c.Compute(compute.Request{Offset: 1, Kind: compute.InitOrderBook})
	require.ErrorIs(t, err, mpc.ErrNotRegistered)
}

func TestSubmitAcceptsCollateralizedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cluster.Process(ctx, f.order(t, 12, order.Buy, 10, 5, 50, nil)))
	res := f.last(t)
	require.True(t, res.Accepted, res.Reason)
	require.Equal(t, uint64(12), res.Offset)
	require.NotEmpty(t, res.Payload)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cluster.Process(ctx, f.order(t, 1, order.Buy, 10, 5, 49, nil)))
	require.False(t, f.last(t).Accepted)
	require.Equal(t, ReasonCollateral, f.last(t).Reason)

	require.NoError(t, f.cluster.Process(ctx, f.order(t, 2, order.Sell, 0, 5, 49, nil)))
	require.Equal(t, ReasonEmptyOrder, f.last(t).Reason)

	req := f.order(t, 3, order.Sell, 10, 5, 10, nil)
	req.Inputs[0][31] ^= 1
	require.NoError(t, f.cluster.Process(ctx, req))
	require.Equal(t, ReasonMalformed, f.last(t).Reason)

	req = f.order(t, 4, order.Sell, 10, 5, 10, []byte("not a sealed book"))
	require.NoError(t, f.cluster.Process(ctx, req))
	require.Equal(t, ReasonBookUnusable, f.last(t).Reason)
}

func TestMatchFillsDecryptForRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cluster.Process(ctx, compute.Request{Offset: 1, Kind: compute.InitOrderBook}))
	payload := f.last(t).Payload

	require.NoError(t, f.cluster.Process(ctx, f.order(t, 2, order.Buy, 10, 6, 60, payload)))
	payload = f.last(t).Payload
	require.NoError(t, f.cluster.Process(ctx, f.order(t, 3, order.Sell, 8, 4, 8, payload)))
	payload = f.last(t).Payload

	require.NoError(t, f.cluster.Process(ctx, compute.Request{Offset: 4, Kind: compute.MatchOrders, Payload: payload}))
	res := f.last(t)
	require.True(t, res.Accepted)
	require.NoError(t, res.Validate())
	require.Len(t, res.Match.Orders, 2)

	secret, err := cipher.SharedSecret(f.authority, f.cluster.PublicKey())
	require.NoError(t, err)
	fills, err := mpc.DecryptFills(cipher.New(secret), settlement.Batch{
		Offset:         4,
		Nonce:          res.Match.Nonce,
		Orders:         res.Match.Orders,
		EncryptedFills: res.Match.EncryptedFills,
	})
	require.NoError(t, err)
	require.Equal(t, []settlement.MatchResult{{
		MatchOffset: 4,
		MatchID:     0,
		Buy:         order.Key{ID: 2, Owner: f.traderPub},
		Sell:        order.Key{ID: 3, Owner: f.traderPub},
		Quantity:    8,
		Price:       5,
		Nonce:       res.Match.Nonce,
	}}, fills)

	// Both orders left the book.
	require.NoError(t, f.cluster.Process(ctx, compute.Request{Offset: 5, Kind: compute.MatchOrders, Payload: res.Payload}))
	require.Empty(t, f.last(t).Match.Orders)
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	done := make(chan compute.Result, 1)
	f.cluster.SetFinalizer(mpc.FinalizerFunc(func(_ context.Context, res compute.Result) error {
		done <- res
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.cluster.Run(ctx) }()

	require.NoError(t, f.cluster.Dispatch(ctx, compute.Request{Offset: 9, Kind: compute.InitOrderBook}))
	res := <-done
	require.Equal(t, uint64(9), res.Offset)
	require.True(t, res.Accepted)
}

type fixedSource struct {
	payload []byte
	version uint64
}

func (s fixedSource) Payload() ([]byte, uint64, error) {
	return s.payload, s.version, nil
}

func TestResultCarriesPayloadVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.order(t, 1, order.Sell, 10, 5, 10, nil)
	req.PayloadVersion = 4
	require.NoError(t, f.cluster.Process(ctx, req))
	require.Equal(t, uint64(4), f.last(t).PayloadVersion)

	f.cluster.cfg.Source = fixedSource{payload: f.last(t).Payload, version: 5}
	require.NoError(t, f.cluster.Process(ctx, f.order(t, 2, order.Sell, 10, 5, 10, nil)))
	require.True(t, f.last(t).Accepted)
	require.Equal(t, uint64(5), f.last(t).PayloadVersion)
}

// Two submissions computed from the same payload: the ledger keeps the
// first and fails the second, so no accepted order is missing from the
// book.
func TestSubmissionsOverOnePayload(t *testing.T) {
	f := newFixture(t)
	base, quote := address.Key{0xA}, address.Key{0xB}
	now := time.Unix(1_700_000_000, 0)

	e := engine.New(engine.Config{})
	_, err := e.Initialize(book.Params{
		Authority: f.traderPub, BackendKey: f.cluster.PublicKey(), BaseAsset: base, QuoteAsset: quote,
	}, now)
	require.NoError(t, err)
	for _, k := range compute.Kinds {
		_, err := e.RegisterComputation(k)
		require.NoError(t, err)
	}
	for _, a := range []address.Key{base, quote} {
		_, _, err := e.InitializeVault(f.traderPub, a)
		require.NoError(t, err)
		_, _, err = e.Deposit(f.traderPub, a, 1_000)
		require.NoError(t, err)
	}

	secret, err := cipher.SharedSecret(f.trader, f.cluster.PublicKey())
	require.NoError(t, err)
	submit := func(id uint64, side order.Side, lock uint64) compute.Request {
		nonce := order.Nonce{byte(id)}
		in := cipher.New(secret).Encrypt([]uint64{10, 5}, nonce)
		_, out, err := e.SubmitOrder(engine.Submission{
			OrderID:         id,
			Owner:           f.traderPub,
			Side:            side,
			EncryptedAmount: in[0],
			EncryptedPrice:  in[1],
			SubmitterKey:    f.traderPub,
			Offset:          id,
			EncryptionNonce: nonce,
			LockAmount:      lock,
		}, now)
		require.NoError(t, err)
		return *out.Dispatch
	}
	finalize := func(req compute.Request) event.OrderProcessedEvent {
		res, err := f.cluster.Compute(req)
		require.NoError(t, err)
		require.True(t, res.Accepted, res.Reason)
		out, err := e.Finalize(res, now)
		require.NoError(t, err)
		return out.Events[0].(event.OrderProcessedEvent)
	}

	buy, sell := submit(1, order.Buy, 50), submit(2, order.Sell, 10)
	require.True(t, finalize(buy).Success)
	ev := finalize(sell)
	require.False(t, ev.Success)
	require.Equal(t, engine.ReasonStalePayload, ev.Reason)

	v, err := e.Vault(f.traderPub, base)
	require.NoError(t, err)
	require.Zero(t, v.Locked)

	require.True(t, finalize(submit(3, order.Sell, 10)).Success)

	out, err := e.TriggerMatch(4, f.traderPub, now)
	require.NoError(t, err)
	res, err := f.cluster.Compute(*out.Dispatch)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, []order.Key{
		{ID: 1, Owner: f.traderPub},
		{ID: 3, Owner: f.traderPub},
	}, res.Match.Orders)
	_, err = e.Finalize(res, now)
	require.NoError(t, err)
	_, ok := e.Batch(4)
	require.True(t, ok)
}
