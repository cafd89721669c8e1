package ref

import (
	"errors"
	"fmt"
	"runtime"
)

const atomicGetSpin = 64

// ErrTypeMismatch is returned when a cell holds a value of another type than
// the Ref reading it.
var ErrTypeMismatch = errors.New("ref: value type mismatch")

// Txn is the part of a transaction a Ref needs. It is satisfied by
// *transaction.Transaction.
type Txn interface {
	Read(c *Cell) (any, error)
	Write(c *Cell, value any) error
}

// Ref is a typed handle on a Cell.
type Ref[T any] struct {
	cell *Cell
}

// NewRef creates a Ref holding initial.
func NewRef[T any](initial T, opts ...Option) *Ref[T] {
	return &Ref[T]{cell: NewCell(initial, opts...)}
}

// Cell returns the underlying cell.
func (r *Ref[T]) Cell() *Cell { return r.cell }

// Get reads the value inside tx.
func (r *Ref[T]) Get(tx Txn) (T, error) {
	v, err := tx.Read(r.cell)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](v, r.cell)
}

func cast[T any](v any, c *Cell) (T, error) {
	if v == nil {
		var zero T
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("%w: cell %d holds %T, want %T", ErrTypeMismatch, c.ID(), v, t)
	}
	return t, nil
}

// Set writes value inside tx. The write becomes visible when tx commits.
func (r *Ref[T]) Set(tx Txn, value T) error {
	return tx.Write(r.cell, value)
}

// Alter replaces the value with fn(current) inside tx and returns the new value.
func (r *Ref[T]) Alter(tx Txn, fn func(T) T) (T, error) {
	cur, err := r.Get(tx)
	if err != nil {
		return cur, err
	}
	next := fn(cur)
	if err := r.Set(tx, next); err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

// Load reads the committed value outside of any transaction. The value and
// version always belong to the same commit; status is ArriveSuccess when the
// read succeeded within spin attempts. A value of another type than T is
// reported as ArriveFailure.
func (r *Ref[T]) Load(spin int) (value T, version uint64, status ArriveStatus) {
	snap, status := r.cell.Arrive(LockModeNone, spin, false)
	if status != ArriveSuccess {
		return value, 0, status
	}
	value, err := cast[T](snap.Value, r.cell)
	if err != nil {
		return value, 0, ArriveFailure
	}
	return value, snap.Version, ArriveSuccess
}

// AtomicGet returns the committed value outside of any transaction, waiting
// for as long as the cell is locked against readers. It panics with
// ErrTypeMismatch when the value is not a T.
func (r *Ref[T]) AtomicGet() T {
	for {
		if snap, status := r.cell.Arrive(LockModeNone, atomicGetSpin, false); status == ArriveSuccess {
			v, err := cast[T](snap.Value, r.cell)
			if err != nil {
				panic(err)
			}
			return v
		}
		runtime.Gosched()
	}
}
