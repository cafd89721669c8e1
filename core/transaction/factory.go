package transaction

import (
	"sync/atomic"
)

// SpeculativeConfig is the per-family record of what speculative
// optimizations turned out not to fit. It only ever grows more
// conservative.
type SpeculativeConfig struct {
	minimalLength atomic.Int64
}

// SignalSizeFailure records that a transaction needed at least required
// cells.
func (s *SpeculativeConfig) SignalSizeFailure(required int) {
	for {
		cur := s.minimalLength.Load()
		if int64(required) <= cur || s.minimalLength.CompareAndSwap(cur, int64(required)) {
			return
		}
	}
}

// MinimalLength is the largest read/write set size seen so far.
func (s *SpeculativeConfig) MinimalLength() int {
	return int(s.minimalLength.Load())
}

// Factory hands out transactions of one family.
type Factory interface {
	Config() *Config
	// NewTransaction returns a transaction ready for its first attempt,
	// taken from pool when it holds one of the right kind.
	NewTransaction(pool Pool) *Transaction
	// UpgradeAfterSpeculativeFailure returns a transaction of a more capable
	// kind that continues the attempt count of failing.
	UpgradeAfterSpeculativeFailure(failing *Transaction, pool Pool) *Transaction
}

// SpeculativeFactory starts every family on fixed-length transactions and
// switches it to variable-length ones once a transaction outgrows them.
type SpeculativeFactory struct {
	config      Config
	speculative SpeculativeConfig
}

// NewFactory validates cfg, after applying defaults, and returns a factory for it.
func NewFactory(cfg Config) (*SpeculativeFactory, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SpeculativeFactory{config: cfg}, nil
}

func (f *SpeculativeFactory) Config() *Config { return &f.config }

// Speculative exposes the family's speculative state.
func (f *SpeculativeFactory) Speculative() *SpeculativeConfig { return &f.speculative }

func (f *SpeculativeFactory) kind() Kind {
	if f.config.DisableSpeculativeConfig || f.speculative.MinimalLength() > f.config.MaxFixedLength {
		return KindVariableLength
	}
	return KindFixedLength
}

func (f *SpeculativeFactory) NewTransaction(pool Pool) *Transaction {
	tx := f.obtain(f.kind(), pool)
	tx.init(&f.config, &f.speculative, 1)
	return tx
}

func (f *SpeculativeFactory) UpgradeAfterSpeculativeFailure(failing *Transaction, pool Pool) *Transaction {
	tx := f.obtain(KindVariableLength, pool)
	tx.init(&f.config, &f.speculative, failing.Attempt())
	return tx
}

func (f *SpeculativeFactory) obtain(kind Kind, pool Pool) *Transaction {
	if pool != nil {
		if tx := pool.Take(kind); tx != nil && tx.fits(&f.config) {
			return tx
		}
	}
	return newTransaction(kind, &f.config)
}

// fits reports whether a recycled transaction can serve cfg.
func (tx *Transaction) fits(cfg *Config) bool {
	fs, ok := tx.set.(*fixedSet)
	return !ok || cap(fs.items) == cfg.MaxFixedLength
}
