package heap

// RememberedSet records slots of one region that may hold a reference into a
// younger generation. Bit i stands for the slot at regionBegin + i*WordSize.
//
// False positives are allowed; a slot holding such a reference at the start of
// a young collection must always be present.
type RememberedSet struct {
	bits *Bitset
}

// NewRememberedSet returns an empty set covering a region of size bytes.
func NewRememberedSet(size uint64) *RememberedSet {
	return &RememberedSet{bits: NewBitset(size >> WordShift)}
}

func slotIndex(regionBegin, slot Addr) uint64 {
	return uint64(slot-regionBegin) >> WordShift
}

func (s *RememberedSet) Insert(regionBegin, slot Addr) {
	s.bits.SetBit(slotIndex(regionBegin, slot))
}

// AtomicInsert records slot; safe against concurrent inserts, clears and
// iteration.
func (s *RememberedSet) AtomicInsert(regionBegin, slot Addr) {
	s.bits.AtomicSetBit(slotIndex(regionBegin, slot))
}

func (s *RememberedSet) Test(regionBegin, slot Addr) bool {
	return s.bits.AtomicTestBit(slotIndex(regionBegin, slot))
}

// ClearRange drops all slots in [begin, end).
func (s *RememberedSet) ClearRange(regionBegin, begin, end Addr) {
	s.bits.ClearRange(slotIndex(regionBegin, begin), slotIndex(regionBegin, end))
}

func (s *RememberedSet) AtomicClearRange(regionBegin, begin, end Addr) {
	s.bits.AtomicClearRange(slotIndex(regionBegin, begin), slotIndex(regionBegin, end))
}

// IterateAllMarkedBits visits every recorded slot in ascending address order.
// Slots whose visitor returns false are pruned from the set.
func (s *RememberedSet) IterateAllMarkedBits(regionBegin Addr, visit func(slot Addr) bool) {
	s.bits.IterateMarkedBits(func(i uint64) bool {
		return visit(regionBegin + Addr(i<<WordShift))
	})
}

// Merge ORs other into s. It is safe against concurrent inserts into s, which
// is how a swept region folds its pre-sweep entries back into the live set.
func (s *RememberedSet) Merge(other *RememberedSet) {
	if other != nil {
		s.bits.AtomicMerge(other.bits)
	}
}

func (s *RememberedSet) Clear()        { s.bits.ClearAll() }
func (s *RememberedSet) IsEmpty() bool { return s.bits.IsEmpty() }
func (s *RememberedSet) Count() int    { return s.bits.Count() }
