package transaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojostm/core/ref"
)

// TraceLevel controls how chatty the retry loop is about a family.
type TraceLevel uint8

const (
	TraceLevelNone TraceLevel = iota
	TraceLevelCoarse
)

func (l TraceLevel) String() string {
	if l == TraceLevelCoarse {
		return "coarse"
	}
	return "none"
}

// IsLoggableFrom reports whether events at level should be logged.
func (l TraceLevel) IsLoggableFrom(level TraceLevel) bool {
	return l >= level
}

func (l TraceLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *TraceLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none":
		*l = TraceLevelNone
	case "coarse":
		*l = TraceLevelCoarse
	default:
		return fmt.Errorf("unknown trace level %q", text)
	}
	return nil
}

const (
	DefaultMaxRetries      = 1000
	DefaultSpinCount       = 64
	DefaultMaxFixedLength  = 20
	DefaultAwaitTimeout    = time.Second
	DefaultBackoffMinDelay = time.Microsecond
	DefaultBackoffMaxDelay = time.Millisecond
)

// Config holds the settings shared by every transaction of one family.
type Config struct {
	// FamilyName identifies the transactions in logs and errors.
	FamilyName string `yaml:"family_name"`
	// MaxRetries is the number of attempts a logical call may make.
	MaxRetries int `yaml:"max_retries"`
	// SpinCount bounds how often arrive and lock attempts spin on a busy cell.
	SpinCount int `yaml:"spin_count"`
	// ReadLockMode is acquired on every cell when it is first read.
	ReadLockMode ref.LockMode `yaml:"read_lock_mode"`
	// WriteLockMode is acquired when a cell is first written. None defers
	// locking to commit.
	WriteLockMode ref.LockMode `yaml:"write_lock_mode"`
	// ReadTrackingEnabled makes reads count as arrivals that must depart.
	ReadTrackingEnabled bool `yaml:"read_tracking_enabled"`
	// DisableSpeculativeConfig makes every transaction variable-length.
	DisableSpeculativeConfig bool `yaml:"disable_speculative_config"`
	// MaxFixedLength is the capacity of a fixed-length read/write set.
	MaxFixedLength int `yaml:"max_fixed_length"`
	// AwaitTimeout bounds a blocking retry. Expiry counts as a conflict.
	AwaitTimeout time.Duration `yaml:"await_timeout"`
	// TraceLevel enables coarse logging of the retry loop.
	TraceLevel TraceLevel `yaml:"trace_level"`
	// BackoffMinDelay and BackoffMaxDelay shape the conflict backoff.
	BackoffMinDelay time.Duration `yaml:"backoff_min_delay"`
	BackoffMaxDelay time.Duration `yaml:"backoff_max_delay"`
}

// SetDefaults fills zero fields with defaults.
func (c *Config) SetDefaults() {
	if c.FamilyName == "" {
		c.FamilyName = "anonymous-" + uuid.NewString()[:8]
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SpinCount == 0 {
		c.SpinCount = DefaultSpinCount
	}
	if c.MaxFixedLength <= 0 {
		c.MaxFixedLength = DefaultMaxFixedLength
	}
	if c.AwaitTimeout == 0 {
		c.AwaitTimeout = DefaultAwaitTimeout
	}
	if c.BackoffMinDelay == 0 {
		c.BackoffMinDelay = DefaultBackoffMinDelay
	}
	if c.BackoffMaxDelay == 0 {
		c.BackoffMaxDelay = DefaultBackoffMaxDelay
	}
}

// Validate checks a config after SetDefaults.
func (c *Config) Validate() error {
	switch {
	case c.SpinCount < 0:
		return fmt.Errorf("%w: spin_count %d is negative", ErrInvalidConfig, c.SpinCount)
	case c.ReadLockMode > ref.LockModeExclusive:
		return fmt.Errorf("%w: read_lock_mode %s", ErrInvalidConfig, c.ReadLockMode)
	case c.WriteLockMode > ref.LockModeExclusive:
		return fmt.Errorf("%w: write_lock_mode %s", ErrInvalidConfig, c.WriteLockMode)
	case c.WriteLockMode == ref.LockModeRead:
		return fmt.Errorf("%w: write_lock_mode cannot be read", ErrInvalidConfig)
	case c.AwaitTimeout < 0:
		return fmt.Errorf("%w: await_timeout %s is negative", ErrInvalidConfig, c.AwaitTimeout)
	case c.BackoffMinDelay < 0 || c.BackoffMaxDelay < c.BackoffMinDelay:
		return fmt.Errorf("%w: backoff delays [%s, %s]", ErrInvalidConfig, c.BackoffMinDelay, c.BackoffMaxDelay)
	}
	return nil
}

// commitLockMode is the lock dirty cells are held in while publishing.
func (c *Config) commitLockMode() ref.LockMode {
	return c.WriteLockMode.Max(ref.LockModeWrite)
}
