package timer

import "sync/atomic"

// Sequencer hands out monotonically increasing sequence numbers. User writes
// and status checks draw from the same sequencer so their order is total.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the last number handed out
func (s *Sequencer) Current() uint64 {
	return s.n.Load()
}
