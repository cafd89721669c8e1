package ref

import (
	"fmt"
	"strings"
)

// LockMode is the strength of access a transaction requests on a cell.
type LockMode uint8

const (
	LockModeNone      LockMode = iota // no lock, conflicts are found by version validation
	LockModeRead                      // shared, excludes writers
	LockModeWrite                     // single writer, readers may still arrive
	LockModeExclusive                 // single writer, blocks new arrivals (see ExclusivePolicy)
)

func (m LockMode) String() string {
	switch m {
	case LockModeNone:
		return "none"
	case LockModeRead:
		return "read"
	case LockModeWrite:
		return "write"
	case LockModeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m LockMode) MarshalText() ([]byte, error) {
	if m > LockModeExclusive {
		return nil, fmt.Errorf("invalid lock mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so lock modes can be
// written by name in configuration files.
func (m *LockMode) UnmarshalText(text []byte) error {
	mode, err := ParseLockMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseLockMode parses a lock mode name, case-insensitively.
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return LockModeNone, nil
	case "read":
		return LockModeRead, nil
	case "write":
		return LockModeWrite, nil
	case "exclusive":
		return LockModeExclusive, nil
	default:
		return LockModeNone, fmt.Errorf("unknown lock mode %q", s)
	}
}

// Max returns the stronger of the two lock modes.
func (m LockMode) Max(other LockMode) LockMode {
	if other > m {
		return other
	}
	return m
}

// ArriveStatus is the result of an arrive attempt on a cell.
type ArriveStatus int

const (
	ArriveSuccess ArriveStatus = iota
	ArriveLocked               // a conflicting lock was held for the whole spin budget
	ArriveFailure              // a consistent snapshot could not be taken within the spin budget
)

func (s ArriveStatus) String() string {
	switch s {
	case ArriveSuccess:
		return "success"
	case ArriveLocked:
		return "locked"
	case ArriveFailure:
		return "failure"
	default:
		return fmt.Sprintf("ArriveStatus(%d)", int(s))
	}
}

// ExclusivePolicy decides what an Exclusive lock keeps out of a cell.
type ExclusivePolicy uint8

const (
	// ExclusiveBlocksArrivals makes an Exclusive holder reject every new
	// arrival, lock-free readers included.
	ExclusiveBlocksArrivals ExclusivePolicy = iota
	// ExclusiveBlocksWriters makes an Exclusive holder behave like a Write
	// holder towards arriving readers; only lockers are kept out.
	ExclusiveBlocksWriters
)

func (p ExclusivePolicy) String() string {
	if p == ExclusiveBlocksWriters {
		return "blocks_writers"
	}
	return "blocks_arrivals"
}

func (p ExclusivePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *ExclusivePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "blocks_arrivals":
		*p = ExclusiveBlocksArrivals
	case "blocks_writers":
		*p = ExclusiveBlocksWriters
	default:
		return fmt.Errorf("unknown exclusive policy %q", text)
	}
	return nil
}
