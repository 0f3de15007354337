package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing collection cycle IDs.
type Sequencer struct {
	last atomic.Uint64
}

// New returns a sequencer whose first ID is start+1. A process resuming a
// cycle journal passes the last ID it recorded.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns a fresh ID.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last ID handed out.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Advance moves the sequence forward to at least v. IDs never go back.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.last.Load()
		if v <= cur || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
