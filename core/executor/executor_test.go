package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/gojostm/core/ref"
	"github.com/sushant-115/gojostm/core/transaction"
	internaltelemetry "github.com/sushant-115/gojostm/internal/telemetry"
)

// countingPool records every transaction handed out and returned.
type countingPool struct {
	mu    sync.Mutex
	inner *transaction.FreeList
	puts  map[*transaction.Transaction]int
}

func newCountingPool() *countingPool {
	return &countingPool{inner: transaction.NewFreeList(), puts: make(map[*transaction.Transaction]int)}
}

func (p *countingPool) Put(tx *transaction.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tx.IsAlive() {
		panic("alive transaction returned to pool")
	}
	p.puts[tx]++
	p.inner.Put(tx)
}

func (p *countingPool) Take(kind transaction.Kind) *transaction.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Take(kind)
}

func (p *countingPool) totalPuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.puts {
		n += c
	}
	return n
}

// setupExecutor returns an executor without backoff and a context carrying
// a container that recycles through a counting pool.
func setupExecutor(t *testing.T, cfg transaction.Config, opts ...Option) (*Executor, context.Context, *countingPool) {
	t.Helper()
	e, err := NewFromConfig(cfg, append([]Option{WithBackoff(transaction.NoBackoff{})}, opts...)...)
	require.NoError(t, err)
	pool := newCountingPool()
	return e, WithContainer(context.Background(), NewContainer(pool)), pool
}

func TestExecute_CommitsAndCleansUp(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{FamilyName: "commit"})
	counter := ref.NewRef[int64](0)

	got, err := e.AtomicInt64(ctx, func(ctx context.Context, tx *transaction.Transaction) (int64, error) {
		require.Same(t, tx, TxnFromContext(ctx))
		return counter.Alter(tx, func(v int64) int64 { return v + 1 })
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), got)

	v, version, status := counter.Load(0)
	require.Equal(t, ref.ArriveSuccess, status)
	require.Equal(t, int64(1), v)
	require.Equal(t, ref.InitialVersion+1, version)

	require.Nil(t, TxnFromContext(ctx), "ambient slot cleared")
	require.Equal(t, 1, pool.totalPuts())
}

func TestExecute_FatalErrorAbortsAndPropagates(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{ReadTrackingEnabled: true})
	cell := ref.NewRef("before")
	boom := errors.New("boom")

	err := e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		if err := cell.Set(tx, "after"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, version, _ := cell.Load(0)
	require.Equal(t, "before", v)
	require.Equal(t, ref.InitialVersion, version)
	require.True(t, cell.Cell().LockState().Free())
	require.Equal(t, 1, pool.totalPuts())
	require.Nil(t, TxnFromContext(ctx))
}

func TestExecute_PanicRunsCleanup(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{WriteLockMode: ref.LockModeExclusive})
	cell := ref.NewRef(0)

	require.PanicsWithValue(t, "kaboom", func() {
		_ = e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
			if err := cell.Set(tx, 1); err != nil {
				return err
			}
			panic("kaboom")
		})
	})
	require.True(t, cell.Cell().LockState().Free(), "eager lock released by the deferred abort")
	require.Equal(t, 1, pool.totalPuts())
	require.Nil(t, TxnFromContext(ctx))
}

func TestExecute_RetryExhaustion(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 7} {
		t.Run(fmt.Sprint(maxRetries), func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			e, ctx, pool := setupExecutor(t, transaction.Config{FamilyName: "doomed", MaxRetries: maxRetries}, WithLogger(zap.New(core)))
			calls := 0

			err := e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
				calls++
				require.Equal(t, calls, tx.Attempt())
				return fmt.Errorf("simulated: %w", transaction.ErrReadWriteConflict)
			})

			require.Equal(t, maxRetries, calls, "exactly MaxRetries attempts")
			require.ErrorIs(t, err, transaction.ErrTooManyRetries)
			require.ErrorIs(t, err, transaction.ErrReadWriteConflict)

			var tooMany *transaction.TooManyRetriesError
			require.ErrorAs(t, err, &tooMany)
			require.Equal(t, "doomed", tooMany.Family)
			require.Equal(t, maxRetries, tooMany.MaxRetries)
			require.Equal(t, 1, pool.totalPuts())

			exhausted := logs.FilterMessage("transaction retries exhausted").All()
			require.Len(t, exhausted, 1)
			site, _ := exhausted[0].ContextMap()["call_site"].(string)
			require.True(t, strings.HasPrefix(site, "executor_test.go:"), site)
		})
	}
}

func TestExecute_ConflictIsRetried(t *testing.T) {
	e, ctx, _ := setupExecutor(t, transaction.Config{})
	cell := ref.NewRef(0)
	interfered := false

	err := e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		v, err := cell.Get(tx)
		if err != nil {
			return err
		}
		if !interfered {
			interfered = true
			// A concurrent writer commits between our read and our commit.
			other := NewContainer(nil)
			require.NoError(t, e.Atomic(WithContainer(context.Background(), other), func(ctx context.Context, tx *transaction.Transaction) error {
				return cell.Set(tx, 100)
			}))
		}
		return cell.Set(tx, v+1)
	})
	require.NoError(t, err)

	v, _, _ := cell.Load(0)
	require.Equal(t, 101, v)
}

func TestExecute_NestedRequiresReusesWithoutCommit(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{})
	cell := ref.NewRef(0)

	err := e.Atomic(ctx, func(ctx context.Context, outer *transaction.Transaction) error {
		err := e.Atomic(ctx, func(ctx context.Context, inner *transaction.Transaction) error {
			require.Same(t, outer, inner)
			return cell.Set(inner, 1)
		})
		require.NoError(t, err)
		require.True(t, outer.IsAlive(), "inner call does not commit")
		require.Equal(t, ref.InitialVersion, cell.Cell().Version())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, ref.InitialVersion+1, cell.Cell().Version())
	require.Equal(t, 1, pool.totalPuts())
}

func TestExecute_RequiresNewRestoresOuter(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{})
	requiresNew := e.WithPropagation(PropagationRequiresNew)
	outerCell, innerCell := ref.NewRef(0), ref.NewRef(0)
	innerErr := errors.New("inner failed")

	err := e.Atomic(ctx, func(ctx context.Context, outer *transaction.Transaction) error {
		require.NoError(t, outerCell.Set(outer, 1))

		err := requiresNew.Atomic(ctx, func(ctx context.Context, inner *transaction.Transaction) error {
			require.NotSame(t, outer, inner)
			require.Same(t, inner, TxnFromContext(ctx))
			if err := innerCell.Set(inner, 1); err != nil {
				return err
			}
			return innerErr
		})
		require.ErrorIs(t, err, innerErr)
		require.Same(t, outer, TxnFromContext(ctx), "outer transaction restored")

		committedInner := requiresNew.Atomic(ctx, func(ctx context.Context, inner *transaction.Transaction) error {
			return innerCell.Set(inner, 2)
		})
		require.NoError(t, committedInner)
		require.Equal(t, ref.InitialVersion+1, innerCell.Cell().Version(), "inner commits independently")
		return nil
	})
	require.NoError(t, err)

	v, _, _ := outerCell.Load(0)
	require.Equal(t, 1, v)
	v, _, _ = innerCell.Load(0)
	require.Equal(t, 2, v)
	require.Equal(t, 3, pool.totalPuts())
	require.Nil(t, TxnFromContext(ctx))
}

func TestExecute_PropagationLevels(t *testing.T) {
	e, ctx, _ := setupExecutor(t, transaction.Config{})

	t.Run("mandatory without transaction", func(t *testing.T) {
		called := false
		err := e.WithPropagation(PropagationMandatory).Atomic(ctx, func(context.Context, *transaction.Transaction) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrTxnMandatory)
		require.False(t, called)
	})

	t.Run("never and supports run bare", func(t *testing.T) {
		for _, level := range []PropagationLevel{PropagationNever, PropagationSupports} {
			ok, err := e.WithPropagation(level).AtomicBool(ctx, func(ctx context.Context, tx *transaction.Transaction) (bool, error) {
				return tx == nil && TxnFromContext(ctx) == nil, nil
			})
			require.NoError(t, err)
			require.True(t, ok, level.String())
		}
	})

	t.Run("inside a transaction", func(t *testing.T) {
		err := e.Atomic(ctx, func(ctx context.Context, outer *transaction.Transaction) error {
			err := e.WithPropagation(PropagationNever).Atomic(ctx, func(context.Context, *transaction.Transaction) error {
				return nil
			})
			require.ErrorIs(t, err, ErrTxnNotAllowed)

			for _, level := range []PropagationLevel{PropagationMandatory, PropagationSupports} {
				same, err := e.WithPropagation(level).AtomicBool(ctx, func(_ context.Context, tx *transaction.Transaction) (bool, error) {
					return tx == outer, nil
				})
				require.NoError(t, err)
				require.True(t, same, level.String())
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("nil callable", func(t *testing.T) {
		_, err := Execute[int](ctx, e, nil)
		require.ErrorIs(t, err, ErrNilCallable)
		require.ErrorIs(t, e.Atomic(ctx, nil), ErrNilCallable)
	})
}

func TestExecute_SpeculativeUpgrade(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{MaxFixedLength: 3, MaxRetries: 1})
	cells := make([]*ref.Ref[int], 10)
	for i := range cells {
		cells[i] = ref.NewRef(i)
	}

	var kinds []transaction.Kind
	var attempts []int
	sum, err := e.AtomicInt64(ctx, func(ctx context.Context, tx *transaction.Transaction) (int64, error) {
		kinds = append(kinds, tx.Kind())
		attempts = append(attempts, tx.Attempt())
		var total int64
		for _, c := range cells {
			v, err := c.Get(tx)
			if err != nil {
				return 0, err
			}
			total += int64(v)
		}
		return total, nil
	})
	require.NoError(t, err, "an upgrade does not consume the retry budget")
	require.Equal(t, int64(45), sum)
	require.Equal(t, []transaction.Kind{transaction.KindFixedLength, transaction.KindVariableLength}, kinds)
	require.Equal(t, []int{1, 1}, attempts)
	require.Equal(t, 2, pool.totalPuts())

	kind, err := e.AtomicInt64(ctx, func(_ context.Context, tx *transaction.Transaction) (int64, error) {
		return int64(tx.Kind()), nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(transaction.KindVariableLength), kind, "the family starts variable-length from now on")
}

func TestExecute_ExplicitRetryWakesOnWrite(t *testing.T) {
	e, ctx, _ := setupExecutor(t, transaction.Config{AwaitTimeout: 10 * time.Second})
	queue := ref.NewRef(0)

	done := make(chan error, 1)
	var attempts atomic.Int32
	go func() {
		done <- e.Atomic(WithContainer(context.Background(), NewContainer(nil)), func(ctx context.Context, tx *transaction.Transaction) error {
			attempts.Add(1)
			v, err := queue.Get(tx)
			if err != nil {
				return err
			}
			if v == 0 {
				return tx.Retry()
			}
			return queue.Set(tx, v-1)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		return queue.Set(tx, 1)
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consumer never woke up")
	}
	v, _, _ := queue.Load(0)
	require.Equal(t, 0, v)
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestExecute_RetryWithoutReadsIsFatal(t *testing.T) {
	e, ctx, pool := setupExecutor(t, transaction.Config{})
	calls := 0
	err := e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		calls++
		return tx.Retry()
	})
	require.ErrorIs(t, err, transaction.ErrRetryNotPossible)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, pool.totalPuts())
}

// recordingBackoff counts delays without sleeping.
type recordingBackoff struct {
	attempts []int
}

func (b *recordingBackoff) Delay(ctx context.Context, attempt int) error {
	b.attempts = append(b.attempts, attempt)
	return ctx.Err()
}

// collectSums reads every int64 sum exported by reader, keyed by name.
func collectSums(t *testing.T, reader metric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestExecute_AwaitTimeoutCountsAsConflict(t *testing.T) {
	reader := metric.NewManualReader()
	metrics, err := internaltelemetry.NewTxnMetrics(metric.NewMeterProvider(metric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)
	backoff := &recordingBackoff{}

	e, ctx, _ := setupExecutor(t,
		transaction.Config{AwaitTimeout: 5 * time.Millisecond, MaxRetries: 3},
		WithBackoff(backoff),
		WithMetrics(metrics),
	)
	cell := ref.NewRef(0)
	calls := 0

	err = e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		calls++
		if _, err := cell.Get(tx); err != nil {
			return err
		}
		return tx.Retry()
	})
	require.ErrorIs(t, err, transaction.ErrTooManyRetries)
	require.ErrorIs(t, err, transaction.ErrAwaitTimeout)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2, 3}, backoff.attempts, "every expired await backs off")

	sums := collectSums(t, reader)
	assert.Equal(t, int64(3), sums["gojostm.txn.retries_total"])
	assert.Equal(t, int64(3), sums["gojostm.txn.conflicts_total"])
}

func TestExecute_ConcurrentCounter(t *testing.T) {
	e, err := NewFromConfig(transaction.Config{MaxRetries: 100000, BackoffMinDelay: time.Microsecond, BackoffMaxDelay: 50 * time.Microsecond})
	require.NoError(t, err)
	counter := ref.NewRef[int64](0)

	const (
		goroutines = 8
		increments = 250
	)
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := e.Atomic(context.Background(), func(ctx context.Context, tx *transaction.Transaction) error {
					_, err := counter.Alter(tx, func(v int64) int64 { return v + 1 })
					return err
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, version, _ := counter.Load(0)
	require.Equal(t, int64(goroutines*increments), v)
	require.Equal(t, ref.InitialVersion+goroutines*increments, version, "one version per committed increment")
}

func TestExecute_ContextCanceledDuringBackoff(t *testing.T) {
	e, err := NewFromConfig(transaction.Config{BackoffMinDelay: time.Hour, BackoffMaxDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = e.Atomic(ctx, func(context.Context, *transaction.Transaction) error {
		return transaction.ErrReadWriteConflict
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_TraceLoggingAndMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	metrics, err := internaltelemetry.NewTxnMetrics(provider.Meter("test"))
	require.NoError(t, err)

	e, ctx, _ := setupExecutor(t,
		transaction.Config{FamilyName: "traced", TraceLevel: transaction.TraceLevelCoarse, MaxRetries: 2},
		WithLogger(zap.New(core)),
		WithMetrics(metrics),
	)

	first := true
	require.NoError(t, e.Atomic(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		if first {
			first = false
			return transaction.ErrReadWriteConflict
		}
		return nil
	}))

	assert.NotZero(t, logs.FilterMessage("propagation resolved").Len())
	conflicts := logs.FilterMessage("conflict").All()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "stm", conflicts[0].LoggerName)
	assert.Equal(t, "traced", conflicts[0].ContextMap()["family"])

	sums := collectSums(t, reader)
	assert.Equal(t, int64(1), sums["gojostm.txn.started_total"])
	assert.Equal(t, int64(1), sums["gojostm.txn.committed_total"])
	assert.Equal(t, int64(1), sums["gojostm.txn.conflicts_total"])
	assert.Equal(t, int64(0), sums["gojostm.txn.active"])
}
