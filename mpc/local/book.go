package local

import (
	"math/bits"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"

	"darkpool/domain/order"
	"darkpool/infra/memory"
)

// MaxMatchesPerBatch bounds the fills one match computation produces.
const MaxMatchesPerBatch = 10

// entry is a resting order in plaintext. Entries are linked into the FIFO
// of their price level.
type entry struct {
	Order  order.Key
	Side   order.Side
	Amount uint64
	Price  uint64
	Seq    uint64

	next *entry
	prev *entry
}

var entries = memory.NewPool(
	func() *entry { return new(entry) },
	func(e *entry) { *e = entry{} },
)

// level is a FIFO queue at a single price.
type level struct {
	price uint64

	head *entry
	tail *entry

	total uint64
	count int
}

func (l *level) enqueue(e *entry) {
	if l.head == nil {
		l.head = e
		l.tail = e
	} else {
		l.tail.next = e
		e.prev = l.tail
		l.tail = e
	}
	l.total += e.Amount
	l.count++
}

func (l *level) popHead() *entry {
	e := l.head
	if e == nil {
		return nil
	}
	l.head = e.next
	if l.head != nil {
		l.head.prev = nil
	} else {
		l.tail = nil
	}
	e.next = nil
	e.prev = nil

	l.total -= e.Amount
	l.count--
	return e
}

func (l *level) empty() bool {
	return l.head == nil
}

// side keeps levels sorted by ascending price.
type side struct {
	levels []*level
}

func (s *side) getOrCreate(price uint64) *level {
	i, ok := slices.BinarySearchFunc(s.levels, price, func(l *level, p uint64) int {
		switch {
		case l.price < p:
			return -1
		case l.price > p:
			return 1
		}
		return 0
	})
	if ok {
		return s.levels[i]
	}
	l := &level{price: price}
	s.levels = slices.Insert(s.levels, i, l)
	return l
}

func (s *side) lowest() *level {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[0]
}

func (s *side) highest() *level {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[len(s.levels)-1]
}

func (s *side) drop(l *level) {
	s.levels = slices.DeleteFunc(s.levels, func(x *level) bool { return x == l })
}

// Book is the plaintext order book the cluster keeps sealed in the
// ledger's payload. It is single-writer.
type Book struct {
	bids side
	asks side
	seq  uint64
	size int
}

func NewBook() *Book {
	return &Book{}
}

// Add rests an order behind every order already at its price.
func (b *Book) Add(k order.Key, s order.Side, amount, price uint64) {
	b.seq++
	b.place(k, s, amount, price, b.seq)
}

func (b *Book) place(k order.Key, s order.Side, amount, price, seq uint64) {
	e := entries.Get()
	e.Order, e.Side, e.Amount, e.Price, e.Seq = k, s, amount, price, seq
	if s == order.Buy {
		b.bids.getOrCreate(price).enqueue(e)
	} else {
		b.asks.getOrCreate(price).enqueue(e)
	}
	b.size++
}

// Fill is one plaintext match between the best bid and the best ask.
type Fill struct {
	MatchID  uint64
	Buy      order.Key
	Sell     order.Key
	Quantity uint64
	Price    uint64
}

// Match crosses the book while the best bid is at or above the best ask.
// Both orders of a fill leave the book: the ledger settles an order once,
// so the unfilled remainder is released rather than rested again.
func (b *Book) Match(limit int) []Fill {
	var fills []Fill
	for len(fills) < limit {
		bid, ask := b.bids.highest(), b.asks.lowest()
		if bid == nil || ask == nil || bid.price < ask.price {
			break
		}
		buy, sell := bid.popHead(), ask.popHead()
		if bid.empty() {
			b.bids.drop(bid)
		}
		if ask.empty() {
			b.asks.drop(ask)
		}
		b.size -= 2

		// Midpoint without overflow.
		price := buy.Price/2 + sell.Price/2 + (buy.Price%2+sell.Price%2)/2
		fills = append(fills, Fill{
			MatchID:  uint64(len(fills)),
			Buy:      buy.Order,
			Sell:     sell.Order,
			Quantity: min(buy.Amount, sell.Amount),
			Price:    price,
		})
		entries.Put(buy)
		entries.Put(sell)
	}
	return fills
}

// walk visits bids from the best price down, then asks from the best
// price up, each level in arrival order.
func (b *Book) walk(fn func(*entry)) {
	for i := len(b.bids.levels) - 1; i >= 0; i-- {
		for e := b.bids.levels[i].head; e != nil; e = e.next {
			fn(e)
		}
	}
	for _, l := range b.asks.levels {
		for e := l.head; e != nil; e = e.next {
			fn(e)
		}
	}
}

// Close returns the book's entries to the pool.
func (b *Book) Close() {
	var all []*entry
	b.walk(func(e *entry) { all = append(all, e) })
	for _, e := range all {
		entries.Put(e)
	}
	*b = Book{}
}

// -------------------- Encoding --------------------

type plainOrder struct {
	Order  order.Key  `json:"order"`
	Side   order.Side `json:"side"`
	Amount uint64     `json:"amount"`
	Price  uint64     `json:"price"`
	Seq    uint64     `json:"seq"`
}

type plainBook struct {
	Seq    uint64       `json:"seq"`
	Orders []plainOrder `json:"orders"`
}

func (b *Book) MarshalJSON() ([]byte, error) {
	pb := plainBook{Seq: b.seq, Orders: make([]plainOrder, 0, b.size)}
	b.walk(func(e *entry) {
		pb.Orders = append(pb.Orders, plainOrder{
			Order: e.Order, Side: e.Side, Amount: e.Amount, Price: e.Price, Seq: e.Seq,
		})
	})
	return json.Marshal(pb)
}

func (b *Book) UnmarshalJSON(data []byte) error {
	var pb plainBook
	if err := json.Unmarshal(data, &pb); err != nil {
		return errors.Wrap(err, "decode book")
	}
	// Arrival order decides the FIFO position inside a level.
	slices.SortFunc(pb.Orders, func(a, c plainOrder) int {
		switch {
		case a.Seq < c.Seq:
			return -1
		case a.Seq > c.Seq:
			return 1
		}
		return 0
	})
	b.Close()
	for _, o := range pb.Orders {
		if !o.Side.Valid() {
			return errors.Newf("book order %s has side %d", o.Order, o.Side)
		}
		b.place(o.Order, o.Side, o.Amount, o.Price, o.Seq)
	}
	b.seq = pb.Seq
	return nil
}

// notional is amount*price, reporting overflow.
func notional(amount, price uint64) (uint64, bool) {
	hi, lo := bits.Mul64(amount, price)
	return lo, hi == 0
}
