package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/custody"
	"darkpool/domain/engine"
	"darkpool/domain/errs"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
)

type fakeLedger struct {
	err     error
	vaults  map[[2]address.Key]uint64
	lastSub engine.Submission
}

func (f *fakeLedger) Initialize(_ context.Context, p book.Params) (book.State, error) {
	return book.State{Address: address.Book(), Params: p}, f.err
}

func (f *fakeLedger) RegisterComputation(context.Context, address.Key, compute.Kind) (bool, error) {
	return true, f.err
}

func (f *fakeLedger) InitializeVault(_ context.Context, owner, asset address.Key) (custody.Vault, error) {
	return custody.Vault{Owner: owner, Asset: asset}, f.err
}

func (f *fakeLedger) Deposit(_ context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error) {
	if f.err != nil {
		return custody.Vault{}, f.err
	}
	f.vaults[[2]address.Key{owner, asset}] += amount
	return f.Vault(owner, asset)
}

func (f *fakeLedger) Withdraw(_ context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error) {
	return custody.Vault{}, errors.Wrapf(errs.ErrInsufficientAvailableFunds, "withdraw %d", amount)
}

func (f *fakeLedger) SubmitOrder(_ context.Context, sub engine.Submission) (order.Account, error) {
	f.lastSub = sub
	return order.Account{
		ID:              sub.OrderID,
		Owner:           sub.Owner,
		Side:            sub.Side,
		Status:          order.Processing,
		EncryptedAmount: sub.EncryptedAmount,
		EncryptedPrice:  sub.EncryptedPrice,
		EncryptionNonce: sub.EncryptionNonce,
	}, f.err
}

func (f *fakeLedger) CancelOrder(context.Context, address.Key, order.Key) (order.Account, error) {
	return order.Account{}, errs.ErrNotCancellable
}

func (f *fakeLedger) TriggerMatch(context.Context, address.Key, uint64) error {
	return errors.Wrap(errs.ErrRateLimited, "scope busy")
}

func (f *fakeLedger) InitOrderBook(context.Context, address.Key, uint64) error {
	return errors.New("disk on fire")
}

func (f *fakeLedger) ExecuteSettlement(context.Context, address.Key, settlement.MatchResult) (settlement.Record, error) {
	return settlement.Record{}, errs.ErrUnauthorized
}

func (f *fakeLedger) Book() (book.State, error) {
	return book.State{}, errs.ErrNotInitialized
}

func (f *fakeLedger) Order(order.Key) (order.Account, error) {
	return order.Account{}, errs.ErrOrderNotFound
}

func (f *fakeLedger) Vault(owner, asset address.Key) (custody.Vault, error) {
	bal, ok := f.vaults[[2]address.Key{owner, asset}]
	if !ok {
		return custody.Vault{}, errs.ErrVaultNotFound
	}
	return custody.Vault{Owner: owner, Asset: asset, Balance: bal}, nil
}

func (f *fakeLedger) InFlight() []compute.Request {
	return []compute.Request{{Offset: 4, Kind: compute.SubmitOrder}}
}

func (f *fakeLedger) Batch(uint64) (settlement.Batch, bool) {
	return settlement.Batch{}, false
}

func dial(t *testing.T, ledger Ledger) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(ledger, zerolog.Nop()).Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	c, conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, status.Code(err), err.Error())
}

func TestCommandsRoundTrip(t *testing.T) {
	f := &fakeLedger{vaults: map[[2]address.Key]uint64{}}
	c := dial(t, f)
	ctx := context.Background()
	owner, asset := address.Key{1}, address.Key{2}

	v, err := c.Deposit(ctx, owner, asset, 40)
	require.NoError(t, err)
	require.Equal(t, uint64(40), v.Balance)
	v, err = c.Vault(ctx, owner, asset)
	require.NoError(t, err)
	require.Equal(t, owner, v.Owner)

	sub := engine.Submission{
		OrderID:         9,
		Owner:           owner,
		Side:            order.Sell,
		EncryptedAmount: order.Ciphertext{7, 7},
		EncryptedPrice:  order.Ciphertext{8},
		EncryptionNonce: order.Nonce{3},
		Offset:          11,
		LockAmount:      5,
	}
	acc, err := c.SubmitOrder(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, sub, f.lastSub)
	require.Equal(t, order.Processing, acc.Status)
	require.Equal(t, sub.EncryptedAmount, acc.EncryptedAmount)

	existing, err := c.RegisterComputation(ctx, owner, compute.MatchOrders)
	require.NoError(t, err)
	require.True(t, existing)

	reqs, err := c.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, compute.SubmitOrder, reqs[0].Kind)
}

func TestErrorCodes(t *testing.T) {
	c := dial(t, &fakeLedger{vaults: map[[2]address.Key]uint64{}})
	ctx := context.Background()

	_, err := c.Withdraw(ctx, address.Key{1}, address.Key{2}, 5)
	requireCode(t, err, codes.FailedPrecondition)

	requireCode(t, c.TriggerMatch(ctx, address.Key{1}, 3), codes.ResourceExhausted)

	_, err = c.ExecuteSettlement(ctx, address.Key{1}, settlement.MatchResult{})
	requireCode(t, err, codes.PermissionDenied)

	_, err = c.Order(ctx, order.Key{ID: 1})
	requireCode(t, err, codes.NotFound)

	_, err = c.Batch(ctx, 77)
	requireCode(t, err, codes.NotFound)

	_, err = c.Book(ctx)
	requireCode(t, err, codes.FailedPrecondition)

	err = c.InitOrderBook(ctx, address.Key{1}, 1)
	requireCode(t, err, codes.Internal)
	require.NotContains(t, err.Error(), "disk on fire")
}

// An accepted callback sent to the public service must not reach the
// ledger, whatever it claims.
func TestCallbacksAreNotServed(t *testing.T) {
	c := dial(t, &fakeLedger{vaults: map[[2]address.Key]uint64{}})
	forged := compute.Result{Offset: 4, Kind: compute.SubmitOrder, Accepted: true, Payload: []byte("garbage")}

	_, err := invoke[Empty](context.Background(), c, "FinalizeComputation", &forged)
	requireCode(t, err, codes.Unimplemented)

	for _, m := range serviceDesc.Methods {
		require.NotContains(t, m.MethodName, "Finalize")
	}
}

func TestToStatusKeepsStatusErrors(t *testing.T) {
	err := status.Error(codes.Unavailable, "later")
	require.Equal(t, codes.Unavailable, status.Code(toStatus(err)))
	require.NoError(t, toStatus(nil))
	require.Equal(t, codes.Canceled, status.Code(toStatus(errors.Wrap(context.Canceled, "stop"))))
}
