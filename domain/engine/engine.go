// Package engine is the order book state machine. It owns the book
// singleton and every ledger, and is the only place they are mutated.
//
// Every operation runs under one mutex, validates completely and only
// then mutates, so a failed operation leaves no trace. Time is always
// passed in, never read, so a journal replay reproduces the same state.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/compute"
	"darkpool/domain/custody"
	"darkpool/domain/errs"
	"darkpool/domain/event"
	"darkpool/domain/order"
	"darkpool/domain/settlement"
)

// DefaultMatchInterval is the minimum time between accepted match triggers.
const DefaultMatchInterval = 15 * time.Second

// Scope selects who shares a match trigger interval.
type Scope uint8

const (
	ScopeBook Scope = iota
	ScopeCaller
)

func (s Scope) String() string {
	switch s {
	case ScopeBook:
		return "book"
	case ScopeCaller:
		return "caller"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

func ParseScope(v string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "book":
		return ScopeBook, nil
	case "caller":
		return ScopeCaller, nil
	}
	return 0, errors.Wrapf(errs.ErrInvalidArgument, "match scope %q", v)
}

type Config struct {
	// MatchInterval <= 0 disables match rate limiting.
	MatchInterval time.Duration
	MatchScope    Scope
}

// Outcome is what a committed operation hands to the outside world.
type Outcome struct {
	Events   []event.Event
	Dispatch *compute.Request
}

type Engine struct {
	mu sync.Mutex

	cfg    Config
	book   *book.State
	vaults *custody.Ledger
	orders *order.Ledger
	corr   *compute.Correlator
	settle *settlement.Executor

	limiters map[address.Key]*rate.Limiter
	triggers map[address.Key]time.Time
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		vaults:   custody.NewLedger(),
		orders:   order.NewLedger(),
		corr:     compute.NewCorrelator(),
		settle:   settlement.NewExecutor(),
		limiters: make(map[address.Key]*rate.Limiter),
		triggers: make(map[address.Key]time.Time),
	}
}

func (e *Engine) requireBook() (*book.State, error) {
	if e.book == nil {
		return nil, errs.ErrNotInitialized
	}
	return e.book, nil
}

// -------------------- Book --------------------

// Initialize creates the book singleton.
func (e *Engine) Initialize(p book.Params, now time.Time) (book.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.book != nil {
		return book.State{}, errs.ErrAlreadyInitialized
	}
	b, err := book.New(p, now)
	if err != nil {
		return book.State{}, err
	}
	e.book = b
	return b.Clone(), nil
}

// RegisterComputation makes kind invocable. A repeat registration
// reports existing=true and is not an error.
func (e *Engine) RegisterComputation(kind compute.Kind) (existing bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corr.Register(kind)
}

// -------------------- Queries --------------------

func (e *Engine) Book() (book.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return book.State{}, err
	}
	return b.Clone(), nil
}

func (e *Engine) Order(k order.Key) (order.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders.Get(k)
}

func (e *Engine) Vault(owner, asset address.Key) (custody.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vaults.Get(owner, asset)
}

// InFlight lists the computations waiting for a callback.
func (e *Engine) InFlight() []compute.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corr.InFlight()
}

func (e *Engine) Batch(offset uint64) (settlement.Batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settle.Batch(offset)
}

// Payload returns the current confidential book payload and its version.
func (e *Engine) Payload() ([]byte, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.requireBook()
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), b.Payload...), b.PayloadVersion, nil
}

// -------------------- Snapshot --------------------

type Trigger struct {
	Scope address.Key `json:"scope"`
	At    time.Time   `json:"at"`
}

// State is the complete engine state.
type State struct {
	Book         *book.State      `json:"book,omitempty"`
	Vaults       []custody.Vault  `json:"vaults"`
	Orders       []order.Account  `json:"orders"`
	Computations compute.State    `json:"computations"`
	Settlement   settlement.State `json:"settlement"`
	Triggers     []Trigger        `json:"triggers"`
}

func (e *Engine) Export() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Vaults:       e.vaults.Vaults(),
		Orders:       e.orders.Accounts(),
		Computations: e.corr.Export(),
		Settlement:   e.settle.Export(),
	}
	if e.book != nil {
		b := e.book.Clone()
		s.Book = &b
	}
	for k, at := range e.triggers {
		s.Triggers = append(s.Triggers, Trigger{Scope: k, At: at})
	}
	sort.Slice(s.Triggers, func(i, j int) bool {
		return string(s.Triggers[i].Scope[:]) < string(s.Triggers[j].Scope[:])
	})
	return s
}

// Restore replaces the engine state. The match limiters are rebuilt from
// the recorded trigger times.
func (e *Engine) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.book = nil
	if s.Book != nil {
		b := s.Book.Clone()
		e.book = &b
	}
	e.vaults.Restore(s.Vaults)
	e.orders.Restore(s.Orders)
	e.corr.Restore(s.Computations)
	e.settle.Restore(s.Settlement)

	e.limiters = make(map[address.Key]*rate.Limiter)
	e.triggers = make(map[address.Key]time.Time)
	for _, t := range s.Triggers {
		e.limiter(t.Scope).AllowN(t.At, 1)
		e.triggers[t.Scope] = t.At
	}
}
