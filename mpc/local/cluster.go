// Package local is an in-process computation cluster. It holds the
// cluster key, keeps the book as a sealed plaintext payload and answers
// every request through the ledger's finalize entry point.
//
// It is what the dev binary and the tests run against; a production
// deployment talks to the real cluster over Kafka instead.
package local

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"darkpool/domain/address"
	"darkpool/domain/compute"
	"darkpool/domain/order"
	"darkpool/infra/cipher"
	"darkpool/mpc"
)

const defaultQueueSize = 64

// Rejection reasons reported in results.
const (
	ReasonMalformed    = "malformed ciphertext"
	ReasonEmptyOrder   = "empty order"
	ReasonCollateral   = "under-collateralized"
	ReasonBookUnusable = "book payload unreadable"
)

// PayloadSource gives the book payload current at processing time and
// its version.
type PayloadSource interface {
	Payload() ([]byte, uint64, error)
}

type Config struct {
	Key cipher.PrivateKey

	// Recipient is the public key fills are encrypted for, normally the
	// settlement authority's.
	Recipient address.Key

	// Source is read when a request is processed. Without one the payload
	// carried by the request is used.
	Source    PayloadSource
	Finalizer mpc.Finalizer
	Rand      io.Reader
	QueueSize int
	Logger    zerolog.Logger
}

type Cluster struct {
	cfg    Config
	pub    address.Key
	sealer *cipher.Sealer
	fills  *cipher.Cipher

	mu         sync.Mutex
	registered map[compute.Kind]bool

	// process serialises computations over the single book.
	process sync.Mutex
	queue   chan compute.Request
}

func New(cfg Config) (*Cluster, error) {
	if cfg.Rand == nil {
		return nil, errors.New("local cluster needs a random source")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	pub, err := cfg.Key.Public()
	if err != nil {
		return nil, err
	}
	sealer, err := cipher.NewSealer(cfg.Key, cfg.Rand)
	if err != nil {
		return nil, err
	}
	secret, err := cipher.SharedSecret(cfg.Key, cfg.Recipient)
	if err != nil {
		return nil, errors.Wrap(err, "fill recipient")
	}
	cfg.Logger = cfg.Logger.With().Str("component", "local-cluster").Logger()
	return &Cluster{
		cfg:        cfg,
		pub:        pub,
		sealer:     sealer,
		fills:      cipher.New(secret),
		registered: make(map[compute.Kind]bool),
		queue:      make(chan compute.Request, cfg.QueueSize),
	}, nil
}

// PublicKey is the key submitters encrypt orders for.
func (c *Cluster) PublicKey() address.Key {
	return c.pub
}

// SetFinalizer wires the callback target after construction.
func (c *Cluster) SetFinalizer(f mpc.Finalizer) {
	c.process.Lock()
	defer c.process.Unlock()
	c.cfg.Finalizer = f
}

func (c *Cluster) RegisterDefinition(_ context.Context, kind compute.Kind) error {
	if !kind.Valid() {
		return errors.Newf("unknown computation kind %d", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered[kind] {
		return errors.Wrapf(mpc.ErrDefinitionExists, "%s", kind)
	}
	c.registered[kind] = true
	return nil
}

// Dispatch queues req for Run. It blocks only while the queue is full.
func (c *Cluster) Dispatch(ctx context.Context, req compute.Request) error {
	select {
	case c.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued requests until ctx is done. A failed callback is
// logged and dropped; the ledger re-dispatches in-flight requests on
// restart.
func (c *Cluster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.queue:
			if err := c.Process(ctx, req); err != nil {
				c.cfg.Logger.Warn().Err(err).
					Uint64("offset", req.Offset).
					Stringer("kind", req.Kind).
					Msg("computation dropped")
			}
		}
	}
}

// Process computes req and hands the result to the finalizer.
func (c *Cluster) Process(ctx context.Context, req compute.Request) error {
	c.process.Lock()
	defer c.process.Unlock()

	res, err := c.compute(req)
	if err != nil {
		return err
	}
	if c.cfg.Finalizer == nil {
		return errors.New("local cluster has no finalizer")
	}
	return c.cfg.Finalizer.FinalizeComputation(ctx, res)
}

// Compute returns the result for req without delivering it.
func (c *Cluster) Compute(req compute.Request) (compute.Result, error) {
	c.process.Lock()
	defer c.process.Unlock()
	return c.compute(req)
}

func (c *Cluster) compute(req compute.Request) (compute.Result, error) {
	c.mu.Lock()
	ok := c.registered[req.Kind]
	c.mu.Unlock()
	if !ok {
		return compute.Result{}, errors.Wrapf(mpc.ErrNotRegistered, "%s", req.Kind)
	}

	res := compute.Result{Offset: req.Offset, Kind: req.Kind}
	if req.Kind == compute.InitOrderBook {
		b := NewBook()
		return c.finish(res, b)
	}

	b, version, err := c.load(req)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Uint64("offset", req.Offset).Msg("book payload")
		res.Reason = ReasonBookUnusable
		return res, nil
	}
	defer b.Close()
	res.PayloadVersion = version

	switch req.Kind {
	case compute.SubmitOrder:
		if reason := c.submit(b, req); reason != "" {
			res.Reason = reason
			return res, nil
		}
		return c.finish(res, b)

	case compute.MatchOrders:
		match, err := c.match(b)
		if err != nil {
			return compute.Result{}, err
		}
		res.Match = match
		return c.finish(res, b)
	}
	return compute.Result{}, errors.Newf("unknown computation kind %d", req.Kind)
}

func (c *Cluster) finish(res compute.Result, b *Book) (compute.Result, error) {
	payload, err := c.seal(b)
	if err != nil {
		return compute.Result{}, err
	}
	res.Accepted = true
	res.Payload = payload
	return res, nil
}

// submit validates and rests one order. It returns a rejection reason.
func (c *Cluster) submit(b *Book, req compute.Request) string {
	if req.Order == nil || len(req.Inputs) != 2 {
		return ReasonMalformed
	}
	secret, err := cipher.SharedSecret(c.cfg.Key, req.Requester)
	if err != nil {
		return ReasonMalformed
	}
	fields, err := cipher.New(secret).Decrypt(req.Inputs, req.Nonce)
	if err != nil {
		return ReasonMalformed
	}
	amount, price := fields[0], fields[1]
	if amount == 0 || price == 0 {
		return ReasonEmptyOrder
	}

	need := amount
	if req.Side == order.Buy {
		n, ok := notional(amount, price)
		if !ok {
			return ReasonCollateral
		}
		need = n
	}
	if need > req.LockAmount {
		return ReasonCollateral
	}

	b.Add(*req.Order, req.Side, amount, price)
	return ""
}

func (c *Cluster) match(b *Book) (*compute.MatchOutput, error) {
	out := &compute.MatchOutput{}
	if _, err := io.ReadFull(c.cfg.Rand, out.Nonce[:]); err != nil {
		return nil, errors.Wrap(err, "fill nonce")
	}

	index := make(map[order.Key]int)
	slot := func(k order.Key) int {
		if i, ok := index[k]; ok {
			return i
		}
		index[k] = len(out.Orders)
		out.Orders = append(out.Orders, k)
		return index[k]
	}

	var fills []mpc.Fill
	for _, f := range b.Match(MaxMatchesPerBatch) {
		fills = append(fills, mpc.Fill{
			MatchID:  f.MatchID,
			Buy:      slot(f.Buy),
			Sell:     slot(f.Sell),
			Quantity: f.Quantity,
			Price:    f.Price,
		})
	}
	out.EncryptedFills = mpc.EncryptFills(c.fills, fills, out.Nonce)
	return out, nil
}

// load opens the book req is computed over and reports the payload
// version it came from.
func (c *Cluster) load(req compute.Request) (*Book, uint64, error) {
	payload, version := req.Payload, req.PayloadVersion
	if c.cfg.Source != nil {
		p, v, err := c.cfg.Source.Payload()
		if err != nil {
			return nil, 0, errors.Wrap(err, "read payload")
		}
		payload, version = p, v
	}

	b := NewBook()
	if len(payload) == 0 {
		return b, version, nil
	}
	plain, err := c.sealer.Open(payload)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(plain, b); err != nil {
		b.Close()
		return nil, 0, err
	}
	return b, version, nil
}

func (c *Cluster) seal(b *Book) ([]byte, error) {
	plain, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "encode book")
	}
	return c.sealer.Seal(plain)
}
