package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/custody"
	"darkpool/domain/engine"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
)

// Client calls a remote ledger. Its methods mirror Ledger.
type Client struct {
	conn grpc.ClientConnInterface
}

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Initialize(ctx context.Context, p book.Params) (book.State, error) {
	resp, err := invoke[BookResponse](ctx, c, "Initialize", &InitializeRequest{Params: p})
	if err != nil {
		return book.State{}, err
	}
	return resp.Book, nil
}

func (c *Client) RegisterComputation(ctx context.Context, caller address.Key, kind compute.Kind) (bool, error) {
	resp, err := invoke[RegisterComputationResponse](ctx, c, "RegisterComputation", &RegisterComputationRequest{Caller: caller, Kind: kind})
	if err != nil {
		return false, err
	}
	return resp.AlreadyRegistered, nil
}

func (c *Client) vault(ctx context.Context, method string, req *VaultRequest) (custody.Vault, error) {
	resp, err := invoke[VaultResponse](ctx, c, method, req)
	if err != nil {
		return custody.Vault{}, err
	}
	return resp.Vault, nil
}

func (c *Client) InitializeVault(ctx context.Context, owner, asset address.Key) (custody.Vault, error) {
	return c.vault(ctx, "InitializeVault", &VaultRequest{Owner: owner, Asset: asset})
}

func (c *Client) Deposit(ctx context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error) {
	return c.vault(ctx, "Deposit", &VaultRequest{Owner: owner, Asset: asset, Amount: amount})
}

func (c *Client) Withdraw(ctx context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error) {
	return c.vault(ctx, "Withdraw", &VaultRequest{Owner: owner, Asset: asset, Amount: amount})
}

func (c *Client) Vault(ctx context.Context, owner, asset address.Key) (custody.Vault, error) {
	return c.vault(ctx, "GetVault", &VaultRequest{Owner: owner, Asset: asset})
}

func (c *Client) order(ctx context.Context, method string, req any) (order.Account, error) {
	resp, err := invoke[OrderResponse](ctx, c, method, req)
	if err != nil {
		return order.Account{}, err
	}
	return resp.Order, nil
}

func (c *Client) SubmitOrder(ctx context.Context, sub engine.Submission) (order.Account, error) {
	return c.order(ctx, "SubmitOrder", &SubmitOrderRequest{Submission: sub})
}

func (c *Client) CancelOrder(ctx context.Context, caller address.Key, k order.Key) (order.Account, error) {
	return c.order(ctx, "CancelOrder", &CancelOrderRequest{Caller: caller, Order: k})
}

func (c *Client) Order(ctx context.Context, k order.Key) (order.Account, error) {
	return c.order(ctx, "GetOrder", &OrderRequest{Order: k})
}

func (c *Client) TriggerMatch(ctx context.Context, caller address.Key, offset uint64) error {
	_, err := invoke[Empty](ctx, c, "TriggerMatch", &OffsetRequest{Caller: caller, Offset: offset})
	return err
}

func (c *Client) InitOrderBook(ctx context.Context, caller address.Key, offset uint64) error {
	_, err := invoke[Empty](ctx, c, "InitOrderBook", &OffsetRequest{Caller: caller, Offset: offset})
	return err
}

func (c *Client) ExecuteSettlement(ctx context.Context, caller address.Key, m settlement.MatchResult) (settlement.Record, error) {
	resp, err := invoke[SettlementResponse](ctx, c, "ExecuteSettlement", &SettleRequest{Caller: caller, Match: m})
	if err != nil {
		return settlement.Record{}, err
	}
	return resp.Record, nil
}

func (c *Client) Book(ctx context.Context) (book.State, error) {
	resp, err := invoke[BookResponse](ctx, c, "GetBook", &BookRequest{})
	if err != nil {
		return book.State{}, err
	}
	return resp.Book, nil
}

func (c *Client) InFlight(ctx context.Context) ([]compute.Request, error) {
	resp, err := invoke[InFlightResponse](ctx, c, "ListInFlight", &InFlightRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *Client) Batch(ctx context.Context, offset uint64) (settlement.Batch, error) {
	resp, err := invoke[BatchResponse](ctx, c, "GetBatch", &BatchRequest{Offset: offset})
	if err != nil {
		return settlement.Batch{}, err
	}
	return resp.Batch, nil
}
