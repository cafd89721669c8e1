package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics holds all the metric instruments for the transaction executor.
type TxnMetrics struct {
	StartedCounter             metric.Int64Counter
	CommittedCounter           metric.Int64Counter
	ConflictsCounter           metric.Int64Counter
	RetriesCounter             metric.Int64Counter
	SpeculativeUpgradesCounter metric.Int64Counter
	ExhaustedCounter           metric.Int64Counter
	AttemptsHistogram          metric.Int64Histogram
	ActiveUpDownCounter        metric.Int64UpDownCounter
}

// NewTxnMetrics creates and registers all the metrics for the executor.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	started, err := meter.Int64Counter(
		"gojostm.txn.started_total",
		metric.WithDescription("Total number of logical transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"gojostm.txn.committed_total",
		metric.WithDescription("Total number of logical transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"gojostm.txn.conflicts_total",
		metric.WithDescription("Total number of attempts that failed with a read-write conflict."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"gojostm.txn.retries_total",
		metric.WithDescription("Total number of attempts that ended in an explicit retry."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	upgrades, err := meter.Int64Counter(
		"gojostm.txn.speculative_upgrades_total",
		metric.WithDescription("Total number of transactions upgraded after a speculative failure."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	exhausted, err := meter.Int64Counter(
		"gojostm.txn.exhausted_total",
		metric.WithDescription("Total number of logical transactions that ran out of retries."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Histogram(
		"gojostm.txn.attempts",
		metric.WithDescription("Attempts needed per logical transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojostm.txn.active",
		metric.WithDescription("Number of logical transactions in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		StartedCounter:             started,
		CommittedCounter:           committed,
		ConflictsCounter:           conflicts,
		RetriesCounter:             retries,
		SpeculativeUpgradesCounter: upgrades,
		ExhaustedCounter:           exhausted,
		AttemptsHistogram:          attempts,
		ActiveUpDownCounter:        active,
	}, nil
}

// NewNoopTxnMetrics returns instruments that record nothing.
func NewNoopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter("gojostm"))
	return m
}

// FamilyAttr tags a measurement with the transaction family.
func FamilyAttr(family string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("family", family))
}

// Begin records the start of a logical transaction.
func (m *TxnMetrics) Begin(ctx context.Context, family string) {
	attrs := FamilyAttr(family)
	m.StartedCounter.Add(ctx, 1, attrs)
	m.ActiveUpDownCounter.Add(ctx, 1, attrs)
}

// End records the end of a logical transaction after attempts attempts.
func (m *TxnMetrics) End(ctx context.Context, family string, attempts int, committed bool) {
	attrs := FamilyAttr(family)
	m.ActiveUpDownCounter.Add(ctx, -1, attrs)
	m.AttemptsHistogram.Record(ctx, int64(attempts), attrs)
	if committed {
		m.CommittedCounter.Add(ctx, 1, attrs)
	}
}
