package transaction

import (
	"fmt"

	"github.com/sushant-115/gojostm/core/ref"
)

// Kind selects the read/write set representation of a transaction.
type Kind uint8

const (
	// KindFixedLength keeps a small bounded array searched linearly.
	KindFixedLength Kind = iota
	// KindVariableLength keeps an unbounded indexed set.
	KindVariableLength

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindFixedLength:
		return "fixed-length"
	case KindVariableLength:
		return "variable-length"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Tranlocal is a transaction's private copy of one cell.
type Tranlocal struct {
	Cell *ref.Cell
	// Version is the committed version Value was read at.
	Version uint64
	Value   any
	Dirty   bool
	// LockMode is the lock currently held on Cell.
	LockMode ref.LockMode
	// HasDepartObligation is set while the transaction owes Cell a depart.
	HasDepartObligation bool
}

type readWriteSet interface {
	find(c *ref.Cell) *Tranlocal
	// add appends an entry for c. It returns nil when the set is full.
	add(c *ref.Cell) *Tranlocal
	entries() []Tranlocal
	full() bool
	clear()
}

func newReadWriteSet(kind Kind, capacity int) readWriteSet {
	if kind == KindFixedLength {
		return &fixedSet{items: make([]Tranlocal, 0, capacity)}
	}
	return &variableSet{index: make(map[*ref.Cell]int)}
}

type fixedSet struct {
	items []Tranlocal
}

func (s *fixedSet) find(c *ref.Cell) *Tranlocal {
	for i := range s.items {
		if s.items[i].Cell == c {
			return &s.items[i]
		}
	}
	return nil
}

func (s *fixedSet) add(c *ref.Cell) *Tranlocal {
	if s.full() {
		return nil
	}
	s.items = append(s.items, Tranlocal{Cell: c})
	return &s.items[len(s.items)-1]
}

func (s *fixedSet) entries() []Tranlocal { return s.items }
func (s *fixedSet) full() bool           { return len(s.items) == cap(s.items) }

func (s *fixedSet) clear() {
	clear(s.items)
	s.items = s.items[:0]
}

type variableSet struct {
	items []Tranlocal
	index map[*ref.Cell]int
}

func (s *variableSet) find(c *ref.Cell) *Tranlocal {
	if i, ok := s.index[c]; ok {
		return &s.items[i]
	}
	return nil
}

func (s *variableSet) add(c *ref.Cell) *Tranlocal {
	s.index[c] = len(s.items)
	s.items = append(s.items, Tranlocal{Cell: c})
	return &s.items[len(s.items)-1]
}

func (s *variableSet) entries() []Tranlocal { return s.items }
func (s *variableSet) full() bool           { return false }

func (s *variableSet) clear() {
	clear(s.items)
	s.items = s.items[:0]
	clear(s.index)
}
