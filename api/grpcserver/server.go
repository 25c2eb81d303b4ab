// Package grpcserver exposes the ledger over gRPC. Messages are the
// ledger's JSON types carried by the "json" codec.
package grpcserver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/custody"
	"darkpool/domain/engine"
	"darkpool/domain/errs"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
)

const ServiceName = "darkpool.v1.Ledger"

// Ledger is the part of service.LedgerService the API serves. Cluster
// callbacks are not part of it: they arrive over the cluster transport.
type Ledger interface {
	Initialize(ctx context.Context, p book.Params) (book.State, error)
	RegisterComputation(ctx context.Context, caller address.Key, kind compute.Kind) (bool, error)
	InitializeVault(ctx context.Context, owner, asset address.Key) (custody.Vault, error)
	Deposit(ctx context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error)
	Withdraw(ctx context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error)
	SubmitOrder(ctx context.Context, sub engine.Submission) (order.Account, error)
	CancelOrder(ctx context.Context, caller address.Key, k order.Key) (order.Account, error)
	TriggerMatch(ctx context.Context, caller address.Key, offset uint64) error
	InitOrderBook(ctx context.Context, caller address.Key, offset uint64) error
	ExecuteSettlement(ctx context.Context, caller address.Key, m settlement.MatchResult) (settlement.Record, error)

	Book() (book.State, error)
	Order(k order.Key) (order.Account, error)
	Vault(owner, asset address.Key) (custody.Vault, error)
	InFlight() []compute.Request
	Batch(offset uint64) (settlement.Batch, bool)
}

type Server struct {
	svc Ledger
	log zerolog.Logger
}

func NewServer(svc Ledger, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log.With().Str("component", "grpc").Logger()}
}

// Register attaches the ledger service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// -------------------- Commands --------------------

func (s *Server) Initialize(ctx context.Context, req *InitializeRequest) (*BookResponse, error) {
	st, err := s.svc.Initialize(ctx, req.Params)
	if err != nil {
		return nil, err
	}
	return &BookResponse{Book: st}, nil
}

func (s *Server) RegisterComputation(ctx context.Context, req *RegisterComputationRequest) (*RegisterComputationResponse, error) {
	existing, err := s.svc.RegisterComputation(ctx, req.Caller, req.Kind)
	if err != nil {
		return nil, err
	}
	return &RegisterComputationResponse{AlreadyRegistered: existing}, nil
}

func (s *Server) InitializeVault(ctx context.Context, req *VaultRequest) (*VaultResponse, error) {
	v, err := s.svc.InitializeVault(ctx, req.Owner, req.Asset)
	return vaultResponse(v, err)
}

func (s *Server) Deposit(ctx context.Context, req *VaultRequest) (*VaultResponse, error) {
	v, err := s.svc.Deposit(ctx, req.Owner, req.Asset, req.Amount)
	return vaultResponse(v, err)
}

func (s *Server) Withdraw(ctx context.Context, req *VaultRequest) (*VaultResponse, error) {
	v, err := s.svc.Withdraw(ctx, req.Owner, req.Asset, req.Amount)
	return vaultResponse(v, err)
}

func (s *Server) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*OrderResponse, error) {
	acc, err := s.svc.SubmitOrder(ctx, req.Submission)
	return orderResponse(acc, err)
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderResponse, error) {
	acc, err := s.svc.CancelOrder(ctx, req.Caller, req.Order)
	return orderResponse(acc, err)
}

func (s *Server) TriggerMatch(ctx context.Context, req *OffsetRequest) (*Empty, error) {
	if err := s.svc.TriggerMatch(ctx, req.Caller, req.Offset); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) InitOrderBook(ctx context.Context, req *OffsetRequest) (*Empty, error) {
	if err := s.svc.InitOrderBook(ctx, req.Caller, req.Offset); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) ExecuteSettlement(ctx context.Context, req *SettleRequest) (*SettlementResponse, error) {
	rec, err := s.svc.ExecuteSettlement(ctx, req.Caller, req.Match)
	if err != nil {
		return nil, err
	}
	return &SettlementResponse{Record: rec}, nil
}

// -------------------- Queries --------------------

func (s *Server) GetBook(_ context.Context, _ *BookRequest) (*BookResponse, error) {
	st, err := s.svc.Book()
	if err != nil {
		return nil, err
	}
	return &BookResponse{Book: st}, nil
}

func (s *Server) GetOrder(_ context.Context, req *OrderRequest) (*OrderResponse, error) {
	acc, err := s.svc.Order(req.Order)
	return orderResponse(acc, err)
}

func (s *Server) GetVault(_ context.Context, req *VaultRequest) (*VaultResponse, error) {
	v, err := s.svc.Vault(req.Owner, req.Asset)
	return vaultResponse(v, err)
}

func (s *Server) ListInFlight(_ context.Context, _ *InFlightRequest) (*InFlightResponse, error) {
	return &InFlightResponse{Requests: s.svc.InFlight()}, nil
}

func (s *Server) GetBatch(_ context.Context, req *BatchRequest) (*BatchResponse, error) {
	b, ok := s.svc.Batch(req.Offset)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no batch at offset %d", req.Offset)
	}
	return &BatchResponse{Batch: b}, nil
}

func vaultResponse(v custody.Vault, err error) (*VaultResponse, error) {
	if err != nil {
		return nil, err
	}
	return &VaultResponse{Vault: v}, nil
}

func orderResponse(acc order.Account, err error) (*OrderResponse, error) {
	if err != nil {
		return nil, err
	}
	return &OrderResponse{Order: acc}, nil
}

// -------------------- Errors --------------------

var codeOf = map[error]codes.Code{
	errs.ErrAlreadyInitialized:         codes.AlreadyExists,
	errs.ErrDuplicateOrderID:           codes.AlreadyExists,
	errs.ErrOffsetCollision:            codes.AlreadyExists,
	errs.ErrVaultExists:                codes.AlreadyExists,
	errs.ErrAlreadyFinalized:           codes.AlreadyExists,
	errs.ErrAlreadySettled:             codes.AlreadyExists,
	errs.ErrNotInitialized:             codes.FailedPrecondition,
	errs.ErrInsufficientAvailableFunds: codes.FailedPrecondition,
	errs.ErrNotCancellable:             codes.FailedPrecondition,
	errs.ErrComputationNotRegistered:   codes.FailedPrecondition,
	errs.ErrKindMismatch:               codes.FailedPrecondition,
	errs.ErrInvalidOrderState:          codes.FailedPrecondition,
	errs.ErrReconciliationFailure:      codes.FailedPrecondition,
	errs.ErrVaultNotFound:              codes.NotFound,
	errs.ErrOrderNotFound:              codes.NotFound,
	errs.ErrUnknownCorrelation:         codes.NotFound,
	errs.ErrUnknownMatch:               codes.NotFound,
	errs.ErrRateLimited:                codes.ResourceExhausted,
	errs.ErrUnauthorized:               codes.PermissionDenied,
	errs.ErrUnknownAsset:               codes.InvalidArgument,
	errs.ErrInvalidAmount:              codes.InvalidArgument,
	errs.ErrInvalidArgument:            codes.InvalidArgument,
}

// toStatus maps ledger errors onto gRPC codes. Errors without a ledger
// sentinel are reported as Internal without their detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if code, ok := codeOf[errs.Sentinel(err)]; ok {
		return status.Error(code, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// -------------------- Service descriptor --------------------

func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			s := srv.(*Server)
			handler := func(ctx context.Context, in any) (any, error) {
				start := time.Now()
				resp, err := call(s, ctx, in.(*Req))
				if err != nil {
					s.log.Debug().Err(err).Str("method", name).Dur("took", time.Since(start)).Msg("call refused")
					return nil, toStatus(err)
				}
				s.log.Debug().Str("method", name).Dur("took", time.Since(start)).Msg("call")
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("Initialize", (*Server).Initialize),
		unary("RegisterComputation", (*Server).RegisterComputation),
		unary("InitializeVault", (*Server).InitializeVault),
		unary("Deposit", (*Server).Deposit),
		unary("Withdraw", (*Server).Withdraw),
		unary("SubmitOrder", (*Server).SubmitOrder),
		unary("CancelOrder", (*Server).CancelOrder),
		unary("TriggerMatch", (*Server).TriggerMatch),
		unary("InitOrderBook", (*Server).InitOrderBook),
		unary("ExecuteSettlement", (*Server).ExecuteSettlement),
		unary("GetBook", (*Server).GetBook),
		unary("GetOrder", (*Server).GetOrder),
		unary("GetVault", (*Server).GetVault),
		unary("ListInFlight", (*Server).ListInFlight),
		unary("GetBatch", (*Server).GetBatch),
	},
	Metadata: "darkpool/v1/ledger",
}
