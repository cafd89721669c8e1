package transaction

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// Recoverable: the retry loop intercepts these.
	ErrReadWriteConflict        = errors.New("read-write conflict")
	ErrRetry                    = errors.New("explicit retry requested")
	ErrSpeculativeConfiguration = errors.New("speculative configuration failure: read/write set capacity exceeded")
	ErrAwaitTimeout             = fmt.Errorf("%w: await update timed out", ErrReadWriteConflict)

	// Fatal.
	ErrTooManyRetries   = errors.New("too many retries")
	ErrDeadTransaction  = errors.New("transaction is not alive")
	ErrRetryNotPossible = errors.New("retry not possible: transaction has not read anything to wait on")
	ErrInvalidConfig    = errors.New("invalid transaction config")
)

// TooManyRetriesError is returned when a logical call used up its retry
// budget. Cause holds the last conflict seen, if any.
type TooManyRetriesError struct {
	Family     string
	MaxRetries int
	Cause      error
}

func (e *TooManyRetriesError) Error() string {
	msg := fmt.Sprintf("[%s] maximum number of %d retries has been reached", e.Family, e.MaxRetries)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap lets errors.Is match both ErrTooManyRetries and the conflict cause.
func (e *TooManyRetriesError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTooManyRetries}
	}
	return []error{ErrTooManyRetries, e.Cause}
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReadWriteConflict, fmt.Sprintf(format, args...))
}
