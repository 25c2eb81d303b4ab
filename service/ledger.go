package service

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/custody"
	"darkpool/domain/engine"
	"darkpool/domain/errs"
	"darkpool/domain/event"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
	"darkpool/infra/metrics"
	"darkpool/infra/sequence"
	entrywal "darkpool/infra/wal/entry"
	exitwal "darkpool/infra/wal/exit"
	"darkpool/mpc"
)

// LedgerService coordinates the engine with the journal, the outbox and
// the computation cluster.
type LedgerService struct {
	// mu orders journal appends with engine applies.
	mu sync.Mutex

	engine   *engine.Engine
	seqGen   *sequence.Sequencer
	entryWAL *entrywal.WAL
	exitWAL  *exitwal.ExitWAL
	cluster  mpc.Cluster

	settler *Settler
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*LedgerService)

func WithLogger(l zerolog.Logger) Option {
	return func(s *LedgerService) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *LedgerService) { s.metrics = m }
}

// WithSettler settles every finalized match batch as it arrives.
func WithSettler(st *Settler) Option {
	return func(s *LedgerService) { s.settler = st }
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

// NewLedgerService wires all dependencies. cluster may be set later with
// SetCluster when it needs the service as its finalizer.
func NewLedgerService(
	eng *engine.Engine,
	seqGen *sequence.Sequencer,
	entryWAL *entrywal.WAL,
	exitWAL *exitwal.ExitWAL,
	cluster mpc.Cluster,
	opts ...Option,
) *LedgerService {
	s := &LedgerService{
		engine:   eng,
		seqGen:   seqGen,
		entryWAL: entryWAL,
		exitWAL:  exitWAL,
		cluster:  cluster,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "ledger").Logger()
	return s
}

func (s *LedgerService) SetCluster(c mpc.Cluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cluster = c
}

// SetSettler enables automatic settlement once the cluster key is known.
func (s *LedgerService) SetSettler(st *Settler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settler = st
}

var _ mpc.Finalizer = (*LedgerService)(nil)

// -------------------- Execution --------------------

type applied struct {
	value   any
	outcome engine.Outcome
}

// apply runs cmd against the engine. The live path and replay share it,
// so a journaled command always has the same effect.
func (s *LedgerService) apply(cmd Command, now time.Time) (applied, error) {
	e := s.engine
	var (
		a   applied
		err error
	)
	switch cmd.Type {
	case CmdInitialize:
		a.value, err = e.Initialize(cmd.Params, now)
	case CmdRegister:
		a.value, err = e.RegisterComputation(cmd.Kind)
	case CmdOpenVault:
		a.value, a.outcome, err = e.InitializeVault(cmd.Caller, cmd.Asset)
	case CmdDeposit:
		a.value, a.outcome, err = e.Deposit(cmd.Caller, cmd.Asset, cmd.Amount)
	case CmdWithdraw:
		a.value, a.outcome, err = e.Withdraw(cmd.Caller, cmd.Asset, cmd.Amount)
	case CmdSubmit:
		a.value, a.outcome, err = e.SubmitOrder(cmd.Submission, now)
	case CmdCancel:
		a.value, a.outcome, err = e.CancelOrder(cmd.Order, cmd.Caller)
	case CmdTrigger:
		a.outcome, err = e.TriggerMatch(cmd.Offset, cmd.Caller, now)
	case CmdInitBook:
		a.outcome, err = e.InitOrderBook(cmd.Offset, cmd.Caller, now)
	case CmdFinalize:
		a.outcome, err = e.Finalize(cmd.Result, now)
	case CmdSettle:
		a.value, a.outcome, err = e.ExecuteSettlement(cmd.Caller, cmd.Match, now)
	default:
		err = errors.Newf("unknown command type %d", cmd.Type)
	}
	return a, err
}

// exec journals cmd, applies it and queues its events. The dispatch, if
// any, happens after the lock is released: the cluster may call back
// into the service before Dispatch returns.
func (s *LedgerService) exec(ctx context.Context, cmd Command) (any, error) {
	s.mu.Lock()

	now := s.now()
	seq := s.seqGen.Next()
	if err := s.entryWAL.Append(entrywal.NewRecord(cmd.Type, seq, now, cmd.Encode())); err != nil {
		s.seqGen.Rollback(seq)
		s.mu.Unlock()
		s.metrics.ObserveCommand(CommandName(cmd.Type), "journal")
		return nil, errors.Wrapf(err, "journal %s", CommandName(cmd.Type))
	}

	a, err := s.apply(cmd, now)
	if err == nil {
		if perr := s.publish(seq, now, a.outcome.Events); perr != nil {
			// The command is committed; replaying the journal re-creates
			// the missing events.
			s.log.Error().Err(perr).Uint64("seq", seq).Msg("outbox write failed")
		}
	}
	cluster := s.cluster
	s.mu.Unlock()

	s.observe(cmd, err)
	if err != nil {
		return nil, err
	}
	if req := a.outcome.Dispatch; req != nil {
		s.dispatch(ctx, cluster, *req)
	}
	return a.value, nil
}

func (s *LedgerService) publish(seq uint64, at time.Time, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	envs := make([]exitwal.Envelope, 0, len(events))
	for i, ev := range events {
		env, err := exitwal.NewEnvelope(seq, uint32(i), string(ev.EventType()), at, ev)
		if err != nil {
			return err
		}
		envs = append(envs, env)
	}
	return s.exitWAL.PutNew(envs...)
}

// dispatch hands req to the cluster. A failed dispatch leaves the request
// in flight; Resume sends it again.
func (s *LedgerService) dispatch(ctx context.Context, cluster mpc.Cluster, req compute.Request) {
	if cluster == nil {
		s.log.Warn().Uint64("offset", req.Offset).Msg("no cluster; request stays in flight")
		s.metrics.ObserveDispatch(req.Kind.String(), "skipped")
		return
	}
	if err := cluster.Dispatch(ctx, req); err != nil {
		s.log.Error().Err(err).
			Uint64("offset", req.Offset).
			Stringer("kind", req.Kind).
			Msg("dispatch failed; request stays in flight")
		s.metrics.ObserveDispatch(req.Kind.String(), "error")
		return
	}
	s.metrics.ObserveDispatch(req.Kind.String(), "ok")
}

func (s *LedgerService) observe(cmd Command, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errs.ClassOf(err).String()
	}
	s.metrics.ObserveCommand(CommandName(cmd.Type), outcome)
	if err != nil {
		s.log.Debug().Err(err).Str("command", CommandName(cmd.Type)).Msg("command refused")
	}

	b, berr := s.engine.Book()
	if berr == nil {
		s.metrics.SetLedger(b.SequenceNonce, len(s.engine.InFlight()))
	}
}

// -------------------- Commands --------------------

// Initialize creates the order book.
func (s *LedgerService) Initialize(ctx context.Context, p book.Params) (book.State, error) {
	v, err := s.exec(ctx, Command{Type: CmdInitialize, Caller: p.Authority, Params: p})
	if err != nil {
		return book.State{}, err
	}
	return v.(book.State), nil
}

// RegisterComputation registers kind with the cluster and the ledger.
// A definition the cluster already has is treated as registered.
func (s *LedgerService) RegisterComputation(ctx context.Context, caller address.Key, kind compute.Kind) (existing bool, err error) {
	if !kind.Valid() {
		return false, errors.Wrapf(errs.ErrInvalidArgument, "computation kind %d", kind)
	}
	s.mu.Lock()
	cluster := s.cluster
	s.mu.Unlock()
	if cluster != nil {
		if _, err := mpc.Register(ctx, cluster, kind); err != nil {
			return false, err
		}
	}

	v, err := s.exec(ctx, Command{Type: CmdRegister, Caller: caller, Kind: kind})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *LedgerService) InitializeVault(ctx context.Context, owner, asset address.Key) (custody.Vault, error) {
	v, err := s.exec(ctx, Command{Type: CmdOpenVault, Caller: owner, Asset: asset})
	if err != nil {
		return custody.Vault{}, err
	}
	return v.(custody.Vault), nil
}

func (s *LedgerService) Deposit(ctx context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error) {
	v, err := s.exec(ctx, Command{Type: CmdDeposit, Caller: owner, Asset: asset, Amount: amount})
	if err != nil {
		return custody.Vault{}, err
	}
	return v.(custody.Vault), nil
}

func (s *LedgerService) Withdraw(ctx context.Context, owner, asset address.Key, amount uint64) (custody.Vault, error) {
	v, err := s.exec(ctx, Command{Type: CmdWithdraw, Caller: owner, Asset: asset, Amount: amount})
	if err != nil {
		return custody.Vault{}, err
	}
	return v.(custody.Vault), nil
}

// SubmitOrder submits an encrypted order owned by sub.Owner. It returns
// once the request is handed to the cluster; the verdict arrives later as
// an OrderProcessedEvent.
func (s *LedgerService) SubmitOrder(ctx context.Context, sub engine.Submission) (order.Account, error) {
	v, err := s.exec(ctx, Command{Type: CmdSubmit, Caller: sub.Owner, Submission: sub})
	if err != nil {
		return order.Account{}, err
	}
	return v.(order.Account), nil
}

func (s *LedgerService) CancelOrder(ctx context.Context, caller address.Key, k order.Key) (order.Account, error) {
	v, err := s.exec(ctx, Command{Type: CmdCancel, Caller: caller, Order: k})
	if err != nil {
		return order.Account{}, err
	}
	return v.(order.Account), nil
}

func (s *LedgerService) TriggerMatch(ctx context.Context, caller address.Key, offset uint64) error {
	_, err := s.exec(ctx, Command{Type: CmdTrigger, Caller: caller, Offset: offset})
	return err
}

func (s *LedgerService) InitOrderBook(ctx context.Context, caller address.Key, offset uint64) error {
	_, err := s.exec(ctx, Command{Type: CmdInitBook, Caller: caller, Offset: offset})
	return err
}

// FinalizeComputation applies a cluster callback. With a settler
// configured, an accepted match batch is settled right after.
func (s *LedgerService) FinalizeComputation(ctx context.Context, res compute.Result) error {
	if _, err := s.exec(ctx, Command{Type: CmdFinalize, Result: res}); err != nil {
		return err
	}
	s.metrics.ObserveFinalization(res.Kind.String(), res.Accepted)

	s.mu.Lock()
	st := s.settler
	s.mu.Unlock()
	if st != nil && res.Kind == compute.MatchOrders && res.Accepted {
		s.settleBatch(ctx, st, res.Offset)
	}
	return nil
}

func (s *LedgerService) ExecuteSettlement(ctx context.Context, caller address.Key, m settlement.MatchResult) (settlement.Record, error) {
	v, err := s.exec(ctx, Command{Type: CmdSettle, Caller: caller, Match: m})
	if err != nil {
		s.metrics.ObserveSettlement(errs.ClassOf(err).String())
		return settlement.Record{}, err
	}
	s.metrics.ObserveSettlement("ok")
	return v.(settlement.Record), nil
}

// -------------------- Queries --------------------

func (s *LedgerService) Book() (book.State, error) {
	return s.engine.Book()
}

func (s *LedgerService) Order(k order.Key) (order.Account, error) {
	return s.engine.Order(k)
}

func (s *LedgerService) Vault(owner, asset address.Key) (custody.Vault, error) {
	return s.engine.Vault(owner, asset)
}

func (s *LedgerService) InFlight() []compute.Request {
	return s.engine.InFlight()
}

func (s *LedgerService) Batch(offset uint64) (settlement.Batch, bool) {
	return s.engine.Batch(offset)
}

// -------------------- Recovery --------------------

// Resume re-dispatches every in-flight request with the current book
// payload. It runs once after replay.
func (s *LedgerService) Resume(ctx context.Context) int {
	s.mu.Lock()
	cluster := s.cluster
	s.mu.Unlock()

	payload, version, _ := s.engine.Payload()
	reqs := s.engine.InFlight()
	for _, req := range reqs {
		req.Payload, req.PayloadVersion = payload, version
		s.dispatch(ctx, cluster, req)
	}
	return len(reqs)
}
