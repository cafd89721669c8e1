package executor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTxnMandatory  = errors.New("no transaction is active but propagation level is mandatory")
	ErrTxnNotAllowed = errors.New("a transaction is active but propagation level is never")
	ErrNilCallable   = errors.New("callable is nil")
)

// PropagationLevel says how an atomic call treats a transaction that is
// already active in its context.
type PropagationLevel uint8

const (
	// PropagationRequires joins the active transaction or starts one.
	PropagationRequires PropagationLevel = iota
	// PropagationMandatory joins the active transaction and fails without one.
	PropagationMandatory
	// PropagationNever runs without a transaction and fails if one is active.
	PropagationNever
	// PropagationRequiresNew always runs in a new transaction, suspending any
	// active one until it finishes.
	PropagationRequiresNew
	// PropagationSupports joins the active transaction or runs without one.
	PropagationSupports
)

var propagationNames = [...]string{
	PropagationRequires:    "requires",
	PropagationMandatory:   "mandatory",
	PropagationNever:       "never",
	PropagationRequiresNew: "requires_new",
	PropagationSupports:    "supports",
}

func (p PropagationLevel) String() string {
	if int(p) < len(propagationNames) {
		return propagationNames[p]
	}
	return fmt.Sprintf("PropagationLevel(%d)", uint8(p))
}

func (p PropagationLevel) MarshalText() ([]byte, error) {
	if int(p) >= len(propagationNames) {
		return nil, fmt.Errorf("unknown propagation level %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *PropagationLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	switch s = strings.ReplaceAll(s, "-", "_"); s {
	case "":
		*p = PropagationRequires
		return nil
	case "requiresnew":
		*p = PropagationRequiresNew
		return nil
	}
	for i, name := range propagationNames {
		if name == s {
			*p = PropagationLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown propagation level %q", text)
}

// decision is what an atomic call does about transactions.
type decision uint8

const (
	// decisionCreate starts a new transaction in an empty context.
	decisionCreate decision = iota
	// decisionReuse runs in the active transaction without committing it.
	decisionReuse
	// decisionNone runs without any transaction.
	decisionNone
	// decisionSuspend starts a new transaction after setting the active one aside.
	decisionSuspend
)

func (d decision) String() string {
	switch d {
	case decisionCreate:
		return "create"
	case decisionReuse:
		return "reuse"
	case decisionNone:
		return "none"
	case decisionSuspend:
		return "suspend"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// resolvePropagation maps a level and whether a transaction is active to
// what the call must do.
func resolvePropagation(level PropagationLevel, active bool) (decision, error) {
	switch level {
	case PropagationRequires:
		if active {
			return decisionReuse, nil
		}
		return decisionCreate, nil
	case PropagationMandatory:
		if active {
			return decisionReuse, nil
		}
		return 0, ErrTxnMandatory
	case PropagationNever:
		if active {
			return 0, ErrTxnNotAllowed
		}
		return decisionNone, nil
	case PropagationRequiresNew:
		if active {
			return decisionSuspend, nil
		}
		return decisionCreate, nil
	case PropagationSupports:
		if active {
			return decisionReuse, nil
		}
		return decisionNone, nil
	default:
		return 0, fmt.Errorf("unknown propagation level %d", uint8(level))
	}
}
