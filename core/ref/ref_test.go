package ref

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// bufferedTxn is a minimal Txn that buffers writes in a map.
type bufferedTxn struct {
	writes map[*Cell]any
	err    error
}

func (b *bufferedTxn) Read(c *Cell) (any, error) {
	if b.err != nil {
		return nil, b.err
	}
	if v, ok := b.writes[c]; ok {
		return v, nil
	}
	snap, _ := c.Arrive(LockModeNone, 0, false)
	return snap.Value, nil
}

func (b *bufferedTxn) Write(c *Cell, v any) error {
	if b.err != nil {
		return b.err
	}
	b.writes[c] = v
	return nil
}

func TestRef_GetSetAlter(t *testing.T) {
	r := NewRef[int64](5)
	tx := &bufferedTxn{writes: map[*Cell]any{}}

	v, err := r.Get(tx)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	require.NoError(t, r.Set(tx, 7))
	next, err := r.Alter(tx, func(v int64) int64 { return v * 2 })
	require.NoError(t, err)
	require.Equal(t, int64(14), next)

	committed, version, status := r.Load(0)
	require.Equal(t, ArriveSuccess, status)
	require.Equal(t, int64(5), committed, "buffered writes are invisible")
	require.Equal(t, InitialVersion, version)
	require.Equal(t, int64(5), r.AtomicGet())
}

func TestRef_PropagatesTxnErrors(t *testing.T) {
	failure := errors.New("dead")
	r := NewRef("x")
	tx := &bufferedTxn{err: failure}

	v, err := r.Get(tx)
	require.ErrorIs(t, err, failure)
	require.Empty(t, v)
	_, err = r.Alter(tx, func(s string) string { return s + "y" })
	require.ErrorIs(t, err, failure)
}

func TestRef_LoadWhileExclusivelyLocked(t *testing.T) {
	r := NewRef(1)
	require.Equal(t, ArriveSuccess, r.Cell().ArriveAndLock(0, LockModeExclusive))

	_, _, status := r.Load(2)
	require.Equal(t, ArriveLocked, status)

	r.Cell().DepartAfterUpdateAndUnlock(2)
	require.Equal(t, 2, r.AtomicGet())
}

func TestRef_TypeMismatch(t *testing.T) {
	r := NewRef[int64](5)
	other := &Ref[string]{cell: r.Cell()}
	tx := &bufferedTxn{writes: map[*Cell]any{}}

	_, err := other.Get(tx)
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = other.Alter(tx, func(s string) string { return s + "!" })
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.Empty(t, tx.writes, "a mismatched read never turns into a write")

	_, _, status := other.Load(0)
	require.Equal(t, ArriveFailure, status)
	require.Panics(t, func() { other.AtomicGet() })

	nilable := NewRef[error](nil)
	v, err := nilable.Get(tx)
	require.NoError(t, err)
	require.Nil(t, v)
}
