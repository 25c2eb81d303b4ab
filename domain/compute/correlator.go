package compute

import (
	"sort"

	"github.com/cockroachdb/errors"

	"darkpool/domain/errs"
)

// Correlator is the offset-keyed table of in-flight computations.
//
// Offsets are single use: once a callback finalized an offset it is
// retired, and both a second callback and a new request reusing it are
// rejected. Not safe for concurrent use.
type Correlator struct {
	registered map[Kind]bool
	inflight   map[uint64]Request
	retired    map[uint64]Kind
}

func NewCorrelator() *Correlator {
	return &Correlator{
		registered: make(map[Kind]bool),
		inflight:   make(map[uint64]Request),
		retired:    make(map[uint64]Kind),
	}
}

// -------------------- Definitions --------------------

// Register makes kind invocable. Registering twice is not an error:
// existing reports that the definition was already there.
func (c *Correlator) Register(kind Kind) (existing bool, err error) {
	if !kind.Valid() {
		return false, errors.Wrapf(errs.ErrInvalidArgument, "computation kind %d", kind)
	}
	if c.registered[kind] {
		return true, nil
	}
	c.registered[kind] = true
	return false, nil
}

// Require fails unless kind was registered.
func (c *Correlator) Require(kind Kind) error {
	if !c.registered[kind] {
		return errors.Wrapf(errs.ErrComputationNotRegistered, "%s", kind)
	}
	return nil
}

// -------------------- Correlation --------------------

// CheckOffset fails if offset is in flight or was already used.
func (c *Correlator) CheckOffset(offset uint64) error {
	if r, ok := c.inflight[offset]; ok {
		return errors.Wrapf(errs.ErrOffsetCollision, "offset %d in flight for %s", offset, r.Kind)
	}
	if k, ok := c.retired[offset]; ok {
		return errors.Wrapf(errs.ErrOffsetCollision, "offset %d already used by %s", offset, k)
	}
	return nil
}

// Track registers r as in flight. The payload is not kept.
func (c *Correlator) Track(r Request) error {
	if err := c.CheckOffset(r.Offset); err != nil {
		return err
	}
	r.Payload = nil
	c.inflight[r.Offset] = r
	return nil
}

// Lookup returns the in-flight request a callback for (offset, kind)
// refers to, without resolving it.
func (c *Correlator) Lookup(offset uint64, kind Kind) (Request, error) {
	r, ok := c.inflight[offset]
	if !ok {
		if _, done := c.retired[offset]; done {
			return Request{}, errors.Wrapf(errs.ErrAlreadyFinalized, "offset %d", offset)
		}
		return Request{}, errors.Wrapf(errs.ErrUnknownCorrelation, "offset %d", offset)
	}
	if r.Kind != kind {
		return Request{}, errors.Wrapf(errs.ErrKindMismatch,
			"offset %d is %s, callback says %s", offset, r.Kind, kind)
	}
	return r, nil
}

// Retire removes offset from the in-flight table and remembers it.
func (c *Correlator) Retire(offset uint64) {
	r, ok := c.inflight[offset]
	if !ok {
		return
	}
	delete(c.inflight, offset)
	c.retired[offset] = r.Kind
}

// InFlight returns the in-flight requests ordered by offset.
func (c *Correlator) InFlight() []Request {
	out := make([]Request, 0, len(c.inflight))
	for _, r := range c.inflight {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// -------------------- Snapshot --------------------

type Retired struct {
	Offset uint64 `json:"offset"`
	Kind   Kind   `json:"kind"`
}

type State struct {
	Registered []Kind    `json:"registered"`
	InFlight   []Request `json:"in_flight"`
	Retired    []Retired `json:"retired"`
}

func (c *Correlator) Export() State {
	s := State{InFlight: c.InFlight()}
	for _, k := range Kinds {
		if c.registered[k] {
			s.Registered = append(s.Registered, k)
		}
	}
	for off, k := range c.retired {
		s.Retired = append(s.Retired, Retired{Offset: off, Kind: k})
	}
	sort.Slice(s.Retired, func(i, j int) bool { return s.Retired[i].Offset < s.Retired[j].Offset })
	return s
}

func (c *Correlator) Restore(s State) {
	*c = *NewCorrelator()
	for _, k := range s.Registered {
		c.registered[k] = true
	}
	for _, r := range s.InFlight {
		c.inflight[r.Offset] = r
	}
	for _, r := range s.Retired {
		c.retired[r.Offset] = r.Kind
	}
}
