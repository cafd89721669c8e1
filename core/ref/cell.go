// Package ref implements the versioned cell that every piece of shared
// transactional state lives in, together with the arrive/depart/lock
// protocol transactions use to read it consistently and to publish new
// values.
//
// A cell never blocks inside the protocol. Every operation spins a bounded
// number of times and reports ArriveLocked or ArriveFailure when it cannot
// make progress, leaving retry and backoff to the transaction layer.
package ref

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// InitialVersion is the version of a freshly created cell.
const InitialVersion uint64 = 1

var (
	ErrLatchTimeout = errors.New("latch await timed out")
)

var (
	nextCellID atomic.Uint64
	// globalConflicts is bumped by every publish. Transactions compare it with
	// the value they last saw to decide whether their read set needs
	// re-validation before trusting a new read.
	globalConflicts atomic.Uint64
)

// GlobalConflictCount returns the number of publishes performed on any cell
// in this process.
func GlobalConflictCount() uint64 {
	return globalConflicts.Load()
}

type box struct {
	v any
}

type listener struct {
	latch *Latch
	era   uint64
}

// listenerPruneThreshold bounds how many registrations pile up on a cell
// that is awaited often but rarely written.
const listenerPruneThreshold = 32

// Cell is a versioned, lockable memory cell.
//
// The value and version are only observed through Arrive, which guarantees
// that both belong to the same committed write.
type Cell struct {
	id       uint64
	lockWord atomic.Uint64
	version  atomic.Uint64
	value    atomic.Pointer[box]
	policy   ExclusivePolicy

	listenerMu sync.Mutex
	listeners  []listener
}

// Option configures a Cell at construction.
type Option func(*Cell)

// WithExclusivePolicy sets what an Exclusive lock keeps out of the cell.
func WithExclusivePolicy(p ExclusivePolicy) Option {
	return func(c *Cell) { c.policy = p }
}

// NewCell creates a cell holding initial at InitialVersion.
func NewCell(initial any, opts ...Option) *Cell {
	c := &Cell{id: nextCellID.Add(1)}
	for _, opt := range opts {
		opt(c)
	}
	c.version.Store(InitialVersion)
	c.value.Store(&box{v: initial})
	return c
}

// ID returns the process-unique identity of the cell. Commit acquires locks
// in ascending ID order.
func (c *Cell) ID() uint64 { return c.id }

// Version returns the current committed version.
func (c *Cell) Version() uint64 { return c.version.Load() }

// Policy returns the cell's exclusive lock policy.
func (c *Cell) Policy() ExclusivePolicy { return c.policy }

// LockState decodes the current lock word.
func (c *Cell) LockState() LockState { return decodeLockWord(c.lockWord.Load()) }

// Snapshot is the result of a successful arrive: a version and the value
// committed at exactly that version.
type Snapshot struct {
	Version             uint64
	Value               any
	LockMode            LockMode
	HasDepartObligation bool
}

// admits reports whether an arrival asking for mode can enter given lock word w.
func (c *Cell) admits(w uint64, mode LockMode) bool {
	if w&publishingBit != 0 {
		return false
	}
	if w&exclusiveBit != 0 && c.policy == ExclusiveBlocksArrivals {
		return false
	}
	switch mode {
	case LockModeNone:
		return true
	case LockModeRead:
		return w&writerBits == 0
	default:
		return w&writerBits == 0 && readLocksOf(w) == 0
	}
}

// lockable reports whether a lock in mode can be taken on w, which must
// already exclude any lock the caller holds itself.
func lockable(w uint64, mode LockMode) bool {
	if w&(publishingBit|writerBits) != 0 {
		return false
	}
	if mode == LockModeWrite || mode == LockModeExclusive {
		return readLocksOf(w) == 0
	}
	return true
}

func spinPause(i int) {
	if i&7 == 7 {
		runtime.Gosched()
	}
}

// Arrive registers the caller on the cell and captures a consistent
// {version, value} snapshot.
//
// mode is acquired together with the arrival. When trackReads is set the
// arrival is counted and the caller owes a DepartAfterReading; any lock
// implies the same obligation. spin bounds the number of attempts.
func (c *Cell) Arrive(mode LockMode, spin int, trackReads bool) (Snapshot, ArriveStatus) {
	return c.arrive(mode, spin, trackReads, true)
}

func (c *Cell) arrive(mode LockMode, spin int, trackReads, load bool) (Snapshot, ArriveStatus) {
	if spin < 0 {
		spin = 0
	}
	registers := trackReads || mode != LockModeNone
	status := ArriveFailure
	for i := 0; i <= spin; i++ {
		w := c.lockWord.Load()
		if !c.admits(w, mode) {
			status = ArriveLocked
			spinPause(i)
			continue
		}

		next := w
		if registers {
			if surplusOf(w) == surplusMask {
				return Snapshot{}, ArriveFailure
			}
			next++
			var ok bool
			if next, ok = withLock(next, mode); !ok {
				return Snapshot{}, ArriveFailure
			}
		}

		var snap Snapshot
		if load {
			snap.Version = c.version.Load()
			snap.Value = c.value.Load().v
		}

		if next == w {
			// Nothing to register: the lock word and version must be unchanged
			// around the loads, otherwise a publish overlapped them.
			if c.lockWord.Load() != w || (load && c.version.Load() != snap.Version) {
				status = ArriveFailure
				spinPause(i)
				continue
			}
		} else if !c.lockWord.CompareAndSwap(w, next) {
			status = ArriveFailure
			spinPause(i)
			continue
		} else if load && c.version.Load() != snap.Version {
			// The lock word can return to w after a whole publish (ABA), so
			// the CAS alone does not prove the loads saw one commit. A publish
			// bumps the version before clearing publishingBit.
			c.DepartAfterReadingAndUnlock(mode)
			status = ArriveFailure
			spinPause(i)
			continue
		}

		snap.LockMode = mode
		snap.HasDepartObligation = registers
		return snap, ArriveSuccess
	}
	return Snapshot{}, status
}

// ArriveAndLock arrives on the cell and acquires mode, for callers that are
// about to update it. Any outcome other than success is reported as
// ArriveFailure.
func (c *Cell) ArriveAndLock(spin int, mode LockMode) ArriveStatus {
	if mode == LockModeNone {
		mode = LockModeWrite
	}
	if _, status := c.arrive(mode, spin, true, false); status != ArriveSuccess {
		return ArriveFailure
	}
	return ArriveSuccess
}

// LockAfterArrive acquires (or upgrades to) the lock mode to for a caller that
// has already arrived while holding from. A read lock only upgrades when the
// caller is its sole holder.
func (c *Cell) LockAfterArrive(spin int, from, to LockMode) ArriveStatus {
	if to <= from {
		return ArriveSuccess
	}
	if spin < 0 {
		spin = 0
	}
	status := ArriveFailure
	for i := 0; i <= spin; i++ {
		w := c.lockWord.Load()
		if surplusOf(w) == 0 {
			panic("ref: lock requested without a prior arrival")
		}
		base := withoutLock(w, from)
		if !lockable(base, to) {
			status = ArriveLocked
			spinPause(i)
			continue
		}
		next, ok := withLock(base, to)
		if !ok {
			return ArriveFailure
		}
		if c.lockWord.CompareAndSwap(w, next) {
			return ArriveSuccess
		}
		status = ArriveFailure
		spinPause(i)
	}
	return status
}

// DepartAfterReading releases one arrival recorded by a tracked Arrive. The
// version is not changed.
func (c *Cell) DepartAfterReading() {
	c.DepartAfterReadingAndUnlock(LockModeNone)
}

// DepartAfterReadingAndUnlock releases one arrival and the lock held in mode
// without publishing anything.
func (c *Cell) DepartAfterReadingAndUnlock(mode LockMode) {
	for {
		w := c.lockWord.Load()
		if surplusOf(w) == 0 {
			panic("ref: depart without a matching arrival")
		}
		next := withoutLock(w, mode) - 1
		if c.lockWord.CompareAndSwap(w, next) {
			return
		}
	}
}

// DepartAfterUpdateAndUnlock publishes value as the next version and releases
// the caller's arrival and write or exclusive lock. Goroutines waiting for a
// change on this cell are woken afterwards.
func (c *Cell) DepartAfterUpdateAndUnlock(value any) {
	var held uint64
	for {
		w := c.lockWord.Load()
		held = w & writerBits
		if held == 0 {
			panic("ref: publish without a write or exclusive lock")
		}
		if c.lockWord.CompareAndSwap(w, w|publishingBit) {
			break
		}
	}

	c.value.Store(&box{v: value})
	c.version.Add(1)
	globalConflicts.Add(1)

	for {
		w := c.lockWord.Load()
		next := (w &^ (publishingBit | held)) - 1
		if c.lockWord.CompareAndSwap(w, next) {
			break
		}
	}
	c.notifyListeners()
}

// Register arranges for latch to be opened, in era, by the next publish on
// this cell. It returns false without registering when the cell has already
// moved past observedVersion, in which case the caller should not wait.
func (c *Cell) Register(latch *Latch, era uint64, observedVersion uint64) bool {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.version.Load() != observedVersion {
		return false
	}
	if len(c.listeners) >= listenerPruneThreshold {
		live := c.listeners[:0]
		for _, l := range c.listeners {
			if l.latch.Era() == l.era && !l.latch.IsOpen() {
				live = append(live, l)
			}
		}
		clear(c.listeners[len(live):])
		c.listeners = live
	}
	c.listeners = append(c.listeners, listener{latch: latch, era: era})
	return true
}

func (c *Cell) notifyListeners() {
	c.listenerMu.Lock()
	ls := c.listeners
	c.listeners = nil
	c.listenerMu.Unlock()

	for _, l := range ls {
		l.latch.Open(l.era)
	}
}
