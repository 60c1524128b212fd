package cleanup

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type cleanupMetrics struct {
	entriesResolved  metric.Int64Counter
	entriesFailed    metric.Int64Counter
	entriesSkipped   metric.Int64Counter
	entriesCompacted metric.Int64Counter
	malformedRecords metric.Int64Counter
	scanDuration     metric.Int64Histogram
	atrsScanned      metric.Int64Counter
}

func newCleanupMetrics(logger pslog.Logger) *cleanupMetrics {
	meter := otel.Meter("pkt.systems/txns/cleanup")
	m := &cleanupMetrics{}
	var err error

	m.entriesResolved, err = meter.Int64Counter(
		"txns.cleanup.entries.resolved",
		metric.WithDescription("Lost attempts resolved by this client"),
	)
	logMetricInitError(logger, "txns.cleanup.entries.resolved", err)

	m.entriesFailed, err = meter.Int64Counter(
		"txns.cleanup.entries.failed",
		metric.WithDescription("Lost attempt resolutions that failed"),
	)
	logMetricInitError(logger, "txns.cleanup.entries.failed", err)

	m.entriesSkipped, err = meter.Int64Counter(
		"txns.cleanup.entries.skipped",
		metric.WithDescription("ATR entries skipped as in progress or within grace"),
	)
	logMetricInitError(logger, "txns.cleanup.entries.skipped", err)

	m.entriesCompacted, err = meter.Int64Counter(
		"txns.cleanup.entries.compacted",
		metric.WithDescription("Terminal ATR entries compacted"),
	)
	logMetricInitError(logger, "txns.cleanup.entries.compacted", err)

	m.malformedRecords, err = meter.Int64Counter(
		"txns.cleanup.records.malformed",
		metric.WithDescription("ATR documents skipped as malformed"),
	)
	logMetricInitError(logger, "txns.cleanup.records.malformed", err)

	m.scanDuration, err = meter.Int64Histogram(
		"txns.cleanup.scan.duration_ms",
		metric.WithDescription("Duration of one full cleanup cycle"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txns.cleanup.scan.duration_ms", err)

	m.atrsScanned, err = meter.Int64Counter(
		"txns.cleanup.atrs.scanned",
		metric.WithDescription("ATR documents scanned in this client's partition"),
	)
	logMetricInitError(logger, "txns.cleanup.atrs.scanned", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metric init failed", "metric", name, "error", err)
}

func (m *cleanupMetrics) recordResolution(ctx context.Context, res Resolution) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", string(res.State)))
	switch res.Outcome {
	case OutcomeApplied, OutcomeAlreadyResolved:
		if m.entriesResolved != nil {
			m.entriesResolved.Add(ctx, 1, attrs)
		}
	case OutcomeSkipped:
		if m.entriesSkipped != nil {
			m.entriesSkipped.Add(ctx, 1, attrs)
		}
	case OutcomeCompacted:
		if m.entriesCompacted != nil {
			m.entriesCompacted.Add(ctx, 1, attrs)
		}
	case OutcomeFailed:
		if m.entriesFailed != nil {
			m.entriesFailed.Add(ctx, 1, attrs)
		}
	}
}

func (m *cleanupMetrics) recordScan(ctx context.Context, duration time.Duration, atrs int) {
	if m == nil {
		return
	}
	if m.scanDuration != nil {
		m.scanDuration.Record(ctx, duration.Milliseconds())
	}
	if m.atrsScanned != nil {
		m.atrsScanned.Add(ctx, int64(atrs))
	}
}

func (m *cleanupMetrics) recordMalformed(ctx context.Context) {
	if m != nil && m.malformedRecords != nil {
		m.malformedRecords.Add(ctx, 1)
	}
}
