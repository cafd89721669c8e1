package ref

import (
	"context"
	"sync"
	"time"
)

// Latch is a reusable one-shot gate a transaction blocks on while it waits
// for any of the cells it read to change.
//
// Registrations are stamped with an era. Reset starts a new era, so an Open
// belonging to an earlier wait is ignored.
type Latch struct {
	mu   sync.Mutex
	era  uint64
	open bool
	ch   chan struct{}
}

// NewLatch returns a closed latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Era returns the current era.
func (l *Latch) Era() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.era
}

// IsOpen reports whether the latch was opened in the current era.
func (l *Latch) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Open opens the latch if era is still current.
func (l *Latch) Open(era uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if era != l.era || l.open {
		return
	}
	l.open = true
	close(l.ch)
}

// Reset closes the latch and starts a new era.
func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open {
		l.ch = make(chan struct{})
		l.open = false
	}
	l.era++
}

// Await blocks until the latch opens, timeout elapses or ctx is done.
// A timeout <= 0 waits without a deadline.
func (l *Latch) Await(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-expired:
		return ErrLatchTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
