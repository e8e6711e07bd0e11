package internal

// SequenceResyncWindow is the largest counter jump, in either direction,
// still treated as the same stream. Anything beyond restarts tracking.
const SequenceResyncWindow = 1 << 15

// maxTrackedGaps bounds the set of counters remembered as missing.
const maxTrackedGaps = 4096

// SequenceUpdate is the result of observing one packet counter.
type SequenceUpdate struct {
	// Lost is the change in lost packets: positive for a new gap, -1 when
	// a packet counted as lost arrives late.
	Lost int64

	// GapFrom and GapTo bound the missing counters when Lost > 0.
	GapFrom uint32
	GapTo   uint32

	Late      bool
	Duplicate bool
	Resynced  bool
}

// SequenceTracker accounts loss on a 32 bit wrapping packet counter.
// Reordered packets fill the gap they were counted in, so a stream that
// arrives out of order but complete reports zero net loss.
type SequenceTracker struct {
	started  bool
	highest  uint32
	missing  map[uint32]struct{}
	received uint64
	lost     int64
}

// NewSequenceTracker creates a new sequence tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{missing: make(map[uint32]struct{})}
}

// Update records a received counter.
func (s *SequenceTracker) Update(seq uint32) SequenceUpdate {
	s.received++

	if !s.started {
		s.started = true
		s.highest = seq
		return SequenceUpdate{}
	}

	diff := int32(seq - s.highest)
	switch {
	case diff == 0:
		return SequenceUpdate{Duplicate: true}

	case diff > SequenceResyncWindow || diff < -SequenceResyncWindow:
		s.resync(seq)
		return SequenceUpdate{Resynced: true}

	case diff > 0:
		up := SequenceUpdate{}
		if diff > 1 {
			up.Lost = int64(diff - 1)
			up.GapFrom = s.highest + 1
			up.GapTo = seq - 1
			s.rememberGap(up.GapFrom, up.GapTo)
			s.lost += up.Lost
		}
		s.highest = seq
		return up

	default:
		if _, ok := s.missing[seq]; ok {
			delete(s.missing, seq)
			s.lost--
			return SequenceUpdate{Lost: -1, Late: true}
		}
		return SequenceUpdate{Duplicate: true}
	}
}

// Stats returns cumulative statistics.
func (s *SequenceTracker) Stats() (received uint64, lost int64) {
	return s.received, s.lost
}

// Highest returns the newest counter seen.
func (s *SequenceTracker) Highest() uint32 {
	return s.highest
}

// Reset clears all tracking state.
func (s *SequenceTracker) Reset() {
	s.started = false
	s.highest = 0
	s.received = 0
	s.lost = 0
	clear(s.missing)
}

func (s *SequenceTracker) resync(seq uint32) {
	s.highest = seq
	clear(s.missing)
}

func (s *SequenceTracker) rememberGap(from, to uint32) {
	for seq := from; ; seq++ {
		if len(s.missing) >= maxTrackedGaps {
			s.evictOldGaps(to)
		}
		s.missing[seq] = struct{}{}
		if seq == to {
			return
		}
	}
}

// evictOldGaps drops remembered counters far behind newest; a packet that
// late is not credited back.
func (s *SequenceTracker) evictOldGaps(newest uint32) {
	for seq := range s.missing {
		if newest-seq >= maxTrackedGaps/2 {
			delete(s.missing, seq)
		}
	}
	if len(s.missing) >= maxTrackedGaps {
		clear(s.missing)
	}
}
