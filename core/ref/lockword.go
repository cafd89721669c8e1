package ref

// Lock word layout (one uint64, only ever changed with CAS):
//
//	bit  63     exclusive lock held
//	bit  62     write lock held
//	bit  61     publish in progress, rejects every arrival
//	bits 32..60 read lock count
//	bits  0..31 surplus: number of arrivals that still have to depart
const (
	exclusiveBit  uint64 = 1 << 63
	writeBit      uint64 = 1 << 62
	publishingBit uint64 = 1 << 61

	readLockShift        = 32
	readLockOne   uint64 = 1 << readLockShift
	maxReadLocks  uint64 = 1<<29 - 1
	readLockMask  uint64 = maxReadLocks << readLockShift

	surplusMask uint64 = 1<<32 - 1

	writerBits = exclusiveBit | writeBit
)

func surplusOf(w uint64) uint64   { return w & surplusMask }
func readLocksOf(w uint64) uint64 { return (w & readLockMask) >> readLockShift }

// heldMode reports the strongest lock recorded in w.
func heldMode(w uint64) LockMode {
	switch {
	case w&exclusiveBit != 0:
		return LockModeExclusive
	case w&writeBit != 0:
		return LockModeWrite
	case readLocksOf(w) > 0:
		return LockModeRead
	default:
		return LockModeNone
	}
}

// withLock adds a lock in mode to w. ok is false on counter overflow.
func withLock(w uint64, mode LockMode) (next uint64, ok bool) {
	switch mode {
	case LockModeRead:
		if readLocksOf(w) == maxReadLocks {
			return w, false
		}
		return w + readLockOne, true
	case LockModeWrite:
		return w | writeBit, true
	case LockModeExclusive:
		return w | exclusiveBit, true
	default:
		return w, true
	}
}

// withoutLock removes one lock held in mode from w.
func withoutLock(w uint64, mode LockMode) uint64 {
	switch mode {
	case LockModeRead:
		if readLocksOf(w) == 0 {
			panic("ref: read lock released but none is held")
		}
		return w - readLockOne
	case LockModeWrite:
		return w &^ writeBit
	case LockModeExclusive:
		return w &^ exclusiveBit
	default:
		return w
	}
}

// LockState is a point-in-time decoding of a cell's lock word.
type LockState struct {
	Surplus    uint64
	ReadLocks  uint64
	Write      bool
	Exclusive  bool
	Publishing bool
}

// Free reports whether nothing is arrived or locked.
func (s LockState) Free() bool {
	return s.Surplus == 0 && s.ReadLocks == 0 && !s.Write && !s.Exclusive && !s.Publishing
}

func decodeLockWord(w uint64) LockState {
	return LockState{
		Surplus:    surplusOf(w),
		ReadLocks:  readLocksOf(w),
		Write:      w&writeBit != 0,
		Exclusive:  w&exclusiveBit != 0,
		Publishing: w&publishingBit != 0,
	}
}
