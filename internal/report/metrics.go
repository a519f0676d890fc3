package report

import (
	"context"

	"github.com/nholik/watch-notifier/internal/metrics"
	"github.com/nholik/watch-notifier/internal/notify"
)

// Cycle statuses used as metric labels.
const (
	CycleStatusOK               = "ok"
	CycleStatusPartial          = "partial"
	CycleStatusAllFailed        = "all-failed"
	CycleStatusNoRecipients     = "no-recipients"
	CycleStatusResourceNotFound = "resource-not-found"
)

// MetricsSink records report counters in Prometheus.
type MetricsSink struct {
	metrics *metrics.Metrics
}

// NewMetricsSink wraps m. A nil m produces a sink that records nothing.
func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{metrics: m}
}

// Publish implements notify.ReportSink.
func (s *MetricsSink) Publish(_ context.Context, report notify.Report) error {
	m := s.metrics
	m.ObserveCycleDuration(report.Duration())
	m.IncCycles(CycleStatus(report))
	m.AddRecipients("succeeded", report.Succeeded)
	m.AddRecipients("failed", report.Failed)

	for _, recipient := range report.Recipients {
		for _, outcome := range recipient.Outcomes() {
			m.IncDeliveries(string(outcome.Channel), string(outcome.State), string(outcome.ErrorCategory))
		}
	}

	if report.AnySucceeded() {
		m.SetLastSuccessfulCycleTimestamp(report.FinishedAt)
	}
	return nil
}

// CycleStatus summarizes a report into a single status label.
func CycleStatus(report notify.Report) string {
	switch {
	case report.ResourceNotFound:
		return CycleStatusResourceNotFound
	case report.NoRecipients || report.Total == 0:
		return CycleStatusNoRecipients
	case report.Failed == 0:
		return CycleStatusOK
	case report.AllFailed():
		return CycleStatusAllFailed
	default:
		return CycleStatusPartial
	}
}
