// Package sequence numbers journal records.
package sequence

import "sync/atomic"

// Sequencer hands out journal sequence numbers. Record n+1 is only issued
// after record n was either journaled or rolled back, so the journal has
// no gaps.
type Sequencer struct {
	last atomic.Uint64
}

// New continues after start: zero for an empty journal, otherwise the
// sequence of the snapshot or of the last replayed record.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current is the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Rollback returns seq when its journal write failed. It only succeeds for
// the most recently issued number.
func (s *Sequencer) Rollback(seq uint64) bool {
	return seq > 0 && s.last.CompareAndSwap(seq, seq-1)
}

// Reset is used once, after replay.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
