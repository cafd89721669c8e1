// Package transaction implements the optimistic transaction that reads and
// writes ref cells: a private read/write set, commit-time locking in cell
// order, and the blocking retry used to wait for a read cell to change.
//
// A Transaction is confined to one goroutine at a time. It is reused across
// the attempts of one logical call and recycled through a Pool afterwards.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/sushant-115/gojostm/core/ref"
)

// TransactionState is the lifecycle state of one attempt.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Reads and writes are accepted
	TxnStatePrepared                          // Dirty cells are locked and the read set is validated
	TxnStateCommitted                         // Writes are published
	TxnStateAborted                           // All locks and arrivals are released
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

var nextTxnID atomic.Uint64

// Transaction is a single attempt at executing a closure against ref cells.
type Transaction struct {
	ID    uint64
	kind  Kind
	state TransactionState

	config      *Config
	speculative *SpeculativeConfig
	attempt     int

	set   readWriteSet
	latch *ref.Latch
	// cause is the error that killed the current attempt, if it died on its own.
	cause error
	// seenConflicts is the global conflict count the read set was last
	// validated against.
	seenConflicts uint64
	// lockOrder is reused by Prepare to sort dirty entries by cell ID.
	lockOrder []int
}

func newTransaction(kind Kind, cfg *Config) *Transaction {
	return &Transaction{
		ID:    nextTxnID.Add(1),
		kind:  kind,
		state: TxnStateAborted,
		set:   newReadWriteSet(kind, cfg.MaxFixedLength),
		latch: ref.NewLatch(),
	}
}

// init readies a fresh or recycled transaction for the first attempt of a
// logical call.
func (tx *Transaction) init(cfg *Config, speculative *SpeculativeConfig, attempt int) {
	tx.config = cfg
	tx.speculative = speculative
	tx.attempt = attempt
	tx.beginAttempt()
}

func (tx *Transaction) beginAttempt() {
	tx.set.clear()
	tx.cause = nil
	tx.state = TxnStateActive
	tx.seenConflicts = ref.GlobalConflictCount()
}

// recycle releases anything still held and forgets the logical call.
func (tx *Transaction) recycle() {
	if tx.IsAlive() {
		tx.Abort()
	}
	tx.set.clear()
	tx.cause = nil
	tx.config = nil
	tx.speculative = nil
	tx.attempt = 0
}

func (tx *Transaction) Kind() Kind              { return tx.kind }
func (tx *Transaction) State() TransactionState { return tx.state }
func (tx *Transaction) Config() *Config         { return tx.config }

// Attempt is the 1-based attempt number within the current logical call.
func (tx *Transaction) Attempt() int { return tx.attempt }

// Len returns the number of distinct cells read or written by this attempt.
func (tx *Transaction) Len() int { return len(tx.set.entries()) }

// Cause returns the error that made the attempt abort itself, if any.
func (tx *Transaction) Cause() error { return tx.cause }

func (tx *Transaction) IsAlive() bool {
	return tx.state == TxnStateActive || tx.state == TxnStatePrepared
}

func (tx *Transaction) checkActive() error {
	switch tx.state {
	case TxnStateActive:
		return nil
	case TxnStatePrepared:
		return fmt.Errorf("%w: transaction %d is prepared", ErrDeadTransaction, tx.ID)
	default:
		if tx.cause != nil {
			return tx.cause
		}
		return fmt.Errorf("%w: transaction %d is %s", ErrDeadTransaction, tx.ID, tx.state)
	}
}

// abortWith aborts the attempt, remembering err as the reason it died.
func (tx *Transaction) abortWith(err error) error {
	tx.cause = err
	tx.Abort()
	return err
}

// Read returns the value of c as seen by this transaction.
func (tx *Transaction) Read(c *ref.Cell) (any, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if e := tx.set.find(c); e != nil {
		return e.Value, nil
	}
	e, err := tx.open(c, tx.config.ReadLockMode)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Write buffers value for c. It becomes visible to others on commit.
func (tx *Transaction) Write(c *ref.Cell, value any) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	e := tx.set.find(c)
	if e == nil {
		var err error
		if e, err = tx.open(c, tx.config.ReadLockMode.Max(tx.config.WriteLockMode)); err != nil {
			return err
		}
	} else if err := tx.lock(e, tx.config.WriteLockMode); err != nil {
		return tx.abortWith(err)
	}
	e.Value = value
	e.Dirty = true
	return nil
}

// open arrives on a cell not yet in the set and records the snapshot.
func (tx *Transaction) open(c *ref.Cell, mode ref.LockMode) (*Tranlocal, error) {
	if tx.set.full() {
		if tx.speculative != nil {
			tx.speculative.SignalSizeFailure(len(tx.set.entries()) + 1)
		}
		return nil, tx.abortWith(fmt.Errorf("%w: more than %d cells", ErrSpeculativeConfiguration, len(tx.set.entries())))
	}

	snap, status := c.Arrive(mode, tx.config.SpinCount, tx.config.ReadTrackingEnabled)
	if status != ref.ArriveSuccess {
		return nil, tx.abortWith(conflictf("arrive on cell %d in %s mode: %s", c.ID(), mode, status))
	}

	e := tx.set.add(c)
	e.Version = snap.Version
	e.Value = snap.Value
	e.LockMode = snap.LockMode
	e.HasDepartObligation = snap.HasDepartObligation

	if err := tx.revalidate(); err != nil {
		return nil, tx.abortWith(err)
	}
	return e, nil
}

// revalidate checks every entry when anything was published since the last
// check, so the set always describes a single point in time.
func (tx *Transaction) revalidate() error {
	current := ref.GlobalConflictCount()
	if current == tx.seenConflicts {
		return nil
	}
	tx.seenConflicts = current
	entries := tx.set.entries()
	for i := range entries {
		if entries[i].Cell.Version() != entries[i].Version {
			return conflictf("cell %d moved past version %d", entries[i].Cell.ID(), entries[i].Version)
		}
	}
	return nil
}

// lock acquires mode on a cell already in the set.
func (tx *Transaction) lock(e *Tranlocal, mode ref.LockMode) error {
	if e.LockMode >= mode {
		return nil
	}
	var status ref.ArriveStatus
	if e.HasDepartObligation {
		status = e.Cell.LockAfterArrive(tx.config.SpinCount, e.LockMode, mode)
	} else {
		status = e.Cell.ArriveAndLock(tx.config.SpinCount, mode)
		if status == ref.ArriveSuccess {
			e.HasDepartObligation = true
		}
	}
	if status != ref.ArriveSuccess {
		return conflictf("lock cell %d in %s mode: %s", e.Cell.ID(), mode, status)
	}
	e.LockMode = mode
	if e.Cell.Version() != e.Version {
		return conflictf("cell %d moved past version %d", e.Cell.ID(), e.Version)
	}
	return nil
}

// Prepare locks every dirty cell in ascending cell order and validates the
// whole read set. After a successful Prepare, Commit cannot fail.
func (tx *Transaction) Prepare() error {
	if tx.state == TxnStatePrepared {
		return nil
	}
	if err := tx.checkActive(); err != nil {
		return err
	}

	entries := tx.set.entries()
	tx.lockOrder = tx.lockOrder[:0]
	for i := range entries {
		if entries[i].Dirty {
			tx.lockOrder = append(tx.lockOrder, i)
		}
	}
	slices.SortFunc(tx.lockOrder, func(a, b int) int {
		ia, ib := entries[a].Cell.ID(), entries[b].Cell.ID()
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	})

	mode := tx.config.commitLockMode()
	for _, i := range tx.lockOrder {
		if err := tx.lock(&entries[i], mode); err != nil {
			return tx.abortWith(err)
		}
	}
	for i := range entries {
		e := &entries[i]
		if e.Dirty {
			continue
		}
		if e.Cell.Version() != e.Version {
			return tx.abortWith(conflictf("cell %d moved past version %d", e.Cell.ID(), e.Version))
		}
		// A writer holding a read cell is about to move it, even though the
		// version has not changed yet.
		if e.LockMode < ref.LockModeWrite {
			if s := e.Cell.LockState(); s.Write || s.Exclusive || s.Publishing {
				return tx.abortWith(conflictf("cell %d is locked by another writer", e.Cell.ID()))
			}
		}
	}
	tx.state = TxnStatePrepared
	return nil
}

// Commit prepares the transaction if needed and publishes its writes. Each
// written cell gets exactly one new version. On a dead transaction Commit
// returns the error that killed it.
func (tx *Transaction) Commit() error {
	if tx.state == TxnStateCommitted {
		return nil
	}
	if err := tx.Prepare(); err != nil {
		return err
	}

	entries := tx.set.entries()
	for i := range entries {
		e := &entries[i]
		switch {
		case e.Dirty:
			e.Cell.DepartAfterUpdateAndUnlock(e.Value)
		case e.HasDepartObligation:
			e.Cell.DepartAfterReadingAndUnlock(e.LockMode)
		}
		e.HasDepartObligation = false
		e.LockMode = ref.LockModeNone
	}
	tx.state = TxnStateCommitted
	return nil
}

// Abort releases every lock and arrival. Aborting twice, or aborting a
// committed transaction, does nothing.
func (tx *Transaction) Abort() {
	if !tx.IsAlive() {
		return
	}
	entries := tx.set.entries()
	for i := range entries {
		e := &entries[i]
		if e.HasDepartObligation {
			e.Cell.DepartAfterReadingAndUnlock(e.LockMode)
			e.HasDepartObligation = false
			e.LockMode = ref.LockModeNone
		}
	}
	tx.state = TxnStateAborted
}

// SoftReset prepares the transaction for the next attempt of the same
// logical call. It returns false once MaxRetries attempts have been made.
func (tx *Transaction) SoftReset() bool {
	if tx.attempt >= tx.config.MaxRetries {
		return false
	}
	tx.Abort()
	tx.attempt++
	tx.beginAttempt()
	return true
}

// Retry returns ErrRetry. A closure returns it to block until one of the
// cells it read is changed by someone else.
func (tx *Transaction) Retry() error {
	return ErrRetry
}

// AwaitUpdate aborts the attempt and blocks until a cell in its read set is
// published, the await timeout expires or ctx is done. A transaction that
// read nothing cannot wait and gets ErrRetryNotPossible.
func (tx *Transaction) AwaitUpdate(ctx context.Context) error {
	entries := tx.set.entries()
	if len(entries) == 0 {
		tx.Abort()
		return fmt.Errorf("%w: [%s]", ErrRetryNotPossible, tx.familyName())
	}

	tx.latch.Reset()
	era := tx.latch.Era()
	changed := false
	for i := range entries {
		if !entries[i].Cell.Register(tx.latch, era, entries[i].Version) {
			changed = true
			break
		}
	}
	tx.Abort()
	if changed {
		return nil
	}

	err := tx.latch.Await(ctx, tx.config.AwaitTimeout)
	if errors.Is(err, ref.ErrLatchTimeout) {
		return fmt.Errorf("%w after %s", ErrAwaitTimeout, tx.config.AwaitTimeout)
	}
	return err
}

func (tx *Transaction) familyName() string {
	if tx.config == nil {
		return ""
	}
	return tx.config.FamilyName
}
