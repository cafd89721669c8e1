// Package executor runs closures atomically: it resolves how a call joins or
// starts a transaction, drives the commit and retry loop, and recycles
// transactions when the call is done.
package executor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostm/core/transaction"
	commonutils "github.com/sushant-115/gojostm/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojostm/internal/telemetry"
)

// Callable is a unit of work run inside a transaction. tx is nil when the
// propagation level runs it without one.
type Callable[T any] func(ctx context.Context, tx *transaction.Transaction) (T, error)

// Executor runs callables for one transaction family.
type Executor struct {
	factory     transaction.Factory
	propagation PropagationLevel
	backoff     transaction.BackoffPolicy
	pool        transaction.Pool
	logger      *zap.Logger
	metrics     *internaltelemetry.TxnMetrics
	tracer      trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithBackoff(b transaction.BackoffPolicy) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithPool sets the pool used by call chains that carry no Container.
func WithPool(pool transaction.Pool) Option {
	return func(e *Executor) { e.pool = pool }
}

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

func WithPropagationLevel(level PropagationLevel) Option {
	return func(e *Executor) { e.propagation = level }
}

// New creates an executor for the family built by factory.
func New(factory transaction.Factory, opts ...Option) *Executor {
	e := &Executor{
		factory: factory,
		backoff: transaction.NewExponentialBackoff(factory.Config()),
		pool:    transaction.NewSharedPool(),
		logger:  zap.NewNop(),
		tracer:  nooptrace.NewTracerProvider().Tracer("gojostm"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = internaltelemetry.NewNoopTxnMetrics()
	}
	e.logger = e.logger.Named("stm")
	return e
}

// NewFromConfig builds the factory for cfg and an executor on top of it.
func NewFromConfig(cfg transaction.Config, opts ...Option) (*Executor, error) {
	f, err := transaction.NewFactory(cfg)
	if err != nil {
		return nil, err
	}
	return New(f, opts...), nil
}

func (e *Executor) Factory() transaction.Factory  { return e.factory }
func (e *Executor) Propagation() PropagationLevel { return e.propagation }
func (e *Executor) Config() *transaction.Config   { return e.factory.Config() }

// WithPropagation returns a copy of e that uses level.
func (e *Executor) WithPropagation(level PropagationLevel) *Executor {
	cp := *e
	cp.propagation = level
	return &cp
}

// Atomic runs fn atomically.
func (e *Executor) Atomic(ctx context.Context, fn func(ctx context.Context, tx *transaction.Transaction) error) error {
	if fn == nil {
		return ErrNilCallable
	}
	_, err := execute(ctx, e, func(ctx context.Context, tx *transaction.Transaction) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

func (e *Executor) AtomicBool(ctx context.Context, fn Callable[bool]) (bool, error) {
	return execute(ctx, e, fn)
}

func (e *Executor) AtomicInt64(ctx context.Context, fn Callable[int64]) (int64, error) {
	return execute(ctx, e, fn)
}

func (e *Executor) AtomicFloat64(ctx context.Context, fn Callable[float64]) (float64, error) {
	return execute(ctx, e, fn)
}

// Execute runs fn according to e's propagation level and returns its result.
// A transaction started here is committed when fn returns without error and
// retried on conflicts until the family's retry budget is used up.
func Execute[T any](ctx context.Context, e *Executor, fn Callable[T]) (T, error) {
	return execute(ctx, e, fn)
}

// callSiteDepth is the Caller depth, seen from run, of the code that called
// Execute or one of the Atomic methods.
const callSiteDepth = 4

func execute[T any](ctx context.Context, e *Executor, fn Callable[T]) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilCallable
	}

	c := ContainerFromContext(ctx)
	if c == nil {
		c = NewContainer(e.pool)
		ctx = WithContainer(ctx, c)
	}

	d, err := resolvePropagation(e.propagation, c.txn != nil)
	cfg := e.factory.Config()
	if err != nil {
		e.trace(cfg, "propagation rejected", zap.Stringer("propagation", e.propagation), zap.Error(err))
		return zero, err
	}
	e.trace(cfg, "propagation resolved", zap.Stringer("propagation", e.propagation), zap.Stringer("decision", d))

	switch d {
	case decisionReuse:
		return fn(ctx, c.txn)
	case decisionNone:
		return fn(ctx, nil)
	case decisionSuspend:
		suspended := c.txn
		c.txn = nil
		defer func() { c.txn = suspended }()
	}
	return run(ctx, e, c, fn)
}

// outcome classifies how one attempt ended.
type outcome uint8

const (
	outcomeCommitted outcome = iota
	outcomeRetry
	outcomeConflict
	outcomeSpeculative
	outcomeFatal
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeCommitted
	case errors.Is(err, transaction.ErrRetry):
		return outcomeRetry
	case errors.Is(err, transaction.ErrSpeculativeConfiguration):
		return outcomeSpeculative
	case errors.Is(err, transaction.ErrReadWriteConflict):
		return outcomeConflict
	default:
		return outcomeFatal
	}
}

// run owns a new transaction for the whole logical call.
func run[T any](ctx context.Context, e *Executor, c *Container, fn Callable[T]) (result T, err error) {
	cfg := e.factory.Config()
	family := internaltelemetry.FamilyAttr(cfg.FamilyName)

	ctx, span := e.tracer.Start(ctx, "stm.atomic", trace.WithAttributes(attribute.String("stm.family", cfg.FamilyName)))
	e.metrics.Begin(ctx, cfg.FamilyName)

	tx := e.factory.NewTransaction(c.pool)
	c.txn = tx
	committed := false

	defer func() {
		if !committed {
			tx.Abort()
		}
		attempts := tx.Attempt()
		c.pool.Put(tx)
		c.txn = nil

		e.metrics.End(ctx, cfg.FamilyName, attempts, committed)
		span.SetAttributes(attribute.Int("stm.attempts", attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var lastConflict error
	for {
		value, callErr := fn(ctx, tx)
		if callErr == nil {
			if callErr = tx.Commit(); callErr == nil {
				committed = true
				return value, nil
			}
		}

		kind := classify(callErr)
		if kind == outcomeRetry {
			e.metrics.RetriesCounter.Add(ctx, 1, family)
			e.trace(cfg, "awaiting update", zap.Int("attempt", tx.Attempt()))
			if callErr = tx.AwaitUpdate(ctx); callErr != nil {
				// An expired await is handled like any other conflict.
				kind = classify(callErr)
			}
		}

		switch kind {
		case outcomeRetry:
			// Woken by a publish on a read cell.

		case outcomeConflict:
			lastConflict = callErr
			e.metrics.ConflictsCounter.Add(ctx, 1, family)
			e.trace(cfg, "conflict", zap.Int("attempt", tx.Attempt()), zap.Error(callErr))
			if err := e.backoff.Delay(ctx, tx.Attempt()); err != nil {
				return result, err
			}

		case outcomeSpeculative:
			e.metrics.SpeculativeUpgradesCounter.Add(ctx, 1, family)
			e.trace(cfg, "speculative upgrade", zap.Int("attempt", tx.Attempt()), zap.Stringer("from", tx.Kind()))
			upgraded := e.factory.UpgradeAfterSpeculativeFailure(tx, c.pool)
			tx.Abort()
			c.pool.Put(tx)
			tx = upgraded
			c.txn = tx
			continue

		default:
			return result, callErr
		}

		if !tx.SoftReset() {
			e.metrics.ExhaustedCounter.Add(ctx, 1, family)
			e.logger.Warn("transaction retries exhausted",
				zap.String("family", cfg.FamilyName),
				zap.String("call_site", commonutils.Caller(callSiteDepth)),
				zap.Int("max_retries", cfg.MaxRetries),
				zap.NamedError("cause", lastConflict))
			return result, &transaction.TooManyRetriesError{
				Family:     cfg.FamilyName,
				MaxRetries: cfg.MaxRetries,
				Cause:      lastConflict,
			}
		}
	}
}

func (e *Executor) trace(cfg *transaction.Config, msg string, fields ...zap.Field) {
	if !cfg.TraceLevel.IsLoggableFrom(transaction.TraceLevelCoarse) {
		return
	}
	fields = append(fields,
		zap.String("family", cfg.FamilyName),
		zap.Int64("goroutine", commonutils.GoID()))
	e.logger.Info(msg, fields...)
}
