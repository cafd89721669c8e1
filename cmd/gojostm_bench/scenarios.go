package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojostm/config"
	"github.com/sushant-115/gojostm/core/executor"
	"github.com/sushant-115/gojostm/core/ref"
	"github.com/sushant-115/gojostm/core/transaction"
)

const initialBalance = 1000

// Result summarizes one scenario run.
type Result struct {
	Scenario   string
	Commits    int64
	Reads      int64
	Violations int64
	Elapsed    time.Duration
}

func (r Result) fields() []zap.Field {
	return []zap.Field{
		zap.String("scenario", r.Scenario),
		zap.Int64("commits", r.Commits),
		zap.Int64("reads", r.Reads),
		zap.Int64("violations", r.Violations),
		zap.Duration("elapsed", r.Elapsed),
	}
}

// runner drives one scenario until its context is done.
type runner struct {
	exec     *executor.Executor
	bench    config.Bench
	cellOpts []ref.Option
	spin     int
	log      *zap.Logger

	commits    atomic.Int64
	reads      atomic.Int64
	violations atomic.Int64
}

func newRunner(exec *executor.Executor, cfg *config.Config, log *zap.Logger) *runner {
	return &runner{
		exec:     exec,
		bench:    cfg.Bench,
		cellOpts: cfg.STM.CellOptions(),
		spin:     exec.Config().SpinCount,
		log:      log,
	}
}

func (r *runner) limiter() *rate.Limiter {
	if r.bench.WriteRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(r.bench.WriteRate), 1)
}

// Run executes the configured scenario. The returned error is nil when the
// run merely ended because ctx was done.
func (r *runner) Run(ctx context.Context) (Result, error) {
	var reader, writer func(ctx context.Context, id int) error
	switch r.bench.Scenario {
	case config.ScenarioConsistent:
		reader, writer = r.consistent()
	case config.ScenarioTransfer:
		reader, writer = r.transfer()
	case config.ScenarioReadersWriters:
		reader, writer = r.readersWriters()
	default:
		return Result{}, fmt.Errorf("unknown scenario %q", r.bench.Scenario)
	}

	start := time.Now()
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	spawn := func(kind string, n int, fn func(context.Context, int) error) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if err := fn(ctx, id); err != nil && !isDone(ctx, err) {
					errOnce.Do(func() {
						firstErr = fmt.Errorf("%s %d: %w", kind, id, err)
						cancel()
					})
				}
			}(i)
		}
	}
	spawn("writer", r.bench.Writers, writer)
	spawn("reader", r.bench.Readers, reader)
	wg.Wait()

	return Result{
		Scenario:   r.bench.Scenario,
		Commits:    r.commits.Load(),
		Reads:      r.reads.Load(),
		Violations: r.violations.Load(),
		Elapsed:    time.Since(start),
	}, firstErr
}

// throttle waits for the limiter and reports false once ctx can no longer
// be served.
func throttle(ctx context.Context, limiter *rate.Limiter) bool {
	return limiter.Wait(ctx) == nil
}

func isDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// consistent publishes value == version on a single cell and checks raw
// snapshots never see the two disagree.
func (r *runner) consistent() (reader, writer func(context.Context, int) error) {
	cell := ref.NewRef[int64](int64(ref.InitialVersion), r.cellOpts...)

	writer = func(ctx context.Context, _ int) error {
		limiter := r.limiter()
		for ctx.Err() == nil {
			if !throttle(ctx, limiter) {
				return nil
			}
			err := r.exec.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
				_, err := cell.Alter(tx, func(v int64) int64 { return v + 1 })
				return err
			})
			if err != nil {
				return err
			}
			r.commits.Add(1)
		}
		return ctx.Err()
	}

	reader = func(ctx context.Context, _ int) error {
		for ctx.Err() == nil {
			snap, status := cell.Cell().Arrive(ref.LockModeNone, r.spin, true)
			if status != ref.ArriveSuccess {
				continue
			}
			if v, _ := snap.Value.(int64); uint64(v) != snap.Version {
				r.violations.Add(1)
				r.log.Error("inconsistent snapshot", zap.Int64("value", v), zap.Uint64("version", snap.Version))
			}
			if snap.HasDepartObligation {
				cell.Cell().DepartAfterReading()
			}
			r.reads.Add(1)
		}
		return ctx.Err()
	}
	return reader, writer
}

// transfer moves money between accounts while readers check the total.
func (r *runner) transfer() (reader, writer func(context.Context, int) error) {
	accounts := make([]*ref.Ref[int64], r.bench.Accounts)
	for i := range accounts {
		accounts[i] = ref.NewRef[int64](initialBalance, r.cellOpts...)
	}
	want := int64(initialBalance * len(accounts))

	writer = func(ctx context.Context, _ int) error {
		limiter := r.limiter()
		for ctx.Err() == nil {
			if !throttle(ctx, limiter) {
				return nil
			}
			from := rand.Intn(len(accounts))
			to := (from + 1 + rand.Intn(len(accounts)-1)) % len(accounts)
			amount := int64(1 + rand.Intn(10))

			err := r.exec.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
				if _, err := accounts[from].Alter(tx, func(v int64) int64 { return v - amount }); err != nil {
					return err
				}
				_, err := accounts[to].Alter(tx, func(v int64) int64 { return v + amount })
				return err
			})
			if err != nil {
				return err
			}
			r.commits.Add(1)
		}
		return ctx.Err()
	}

	reader = func(ctx context.Context, _ int) error {
		for ctx.Err() == nil {
			total, err := r.exec.AtomicInt64(ctx, func(ctx context.Context, tx *transaction.Transaction) (int64, error) {
				var sum int64
				for _, a := range accounts {
					v, err := a.Get(tx)
					if err != nil {
						return 0, err
					}
					sum += v
				}
				return sum, nil
			})
			if err != nil {
				return err
			}
			if total != want {
				r.violations.Add(1)
				r.log.Error("total drifted", zap.Int64("total", total), zap.Int64("want", want))
			}
			r.reads.Add(1)
		}
		return ctx.Err()
	}
	return reader, writer
}

// readersWriters keeps two cells equal: writers bump both, readers check
// they never see them apart.
func (r *runner) readersWriters() (reader, writer func(context.Context, int) error) {
	left := ref.NewRef[int64](0, r.cellOpts...)
	right := ref.NewRef[int64](0, r.cellOpts...)

	writer = func(ctx context.Context, _ int) error {
		limiter := r.limiter()
		for ctx.Err() == nil {
			if !throttle(ctx, limiter) {
				return nil
			}
			err := r.exec.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
				if _, err := left.Alter(tx, func(v int64) int64 { return v + 1 }); err != nil {
					return err
				}
				_, err := right.Alter(tx, func(v int64) int64 { return v + 1 })
				return err
			})
			if err != nil {
				return err
			}
			r.commits.Add(1)
		}
		return ctx.Err()
	}

	reader = func(ctx context.Context, _ int) error {
		for ctx.Err() == nil {
			equal, err := r.exec.AtomicBool(ctx, func(ctx context.Context, tx *transaction.Transaction) (bool, error) {
				l, err := left.Get(tx)
				if err != nil {
					return false, err
				}
				rv, err := right.Get(tx)
				if err != nil {
					return false, err
				}
				return l == rv, nil
			})
			if err != nil {
				return err
			}
			if !equal {
				r.violations.Add(1)
			}
			r.reads.Add(1)
		}
		return ctx.Err()
	}
	return reader, writer
}
