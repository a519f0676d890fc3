package report

import (
	"context"
	"errors"

	"github.com/nholik/watch-notifier/internal/notify"
)

// MultiSink fans a report out to several sinks.
type MultiSink struct {
	sinks []notify.ReportSink
}

// NewMultiSink creates a sink that publishes to all provided sinks.
func NewMultiSink(sinks ...notify.ReportSink) *MultiSink {
	filtered := make([]notify.ReportSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	return &MultiSink{sinks: filtered}
}

// Publish implements notify.ReportSink. Every sink runs even if an earlier
// one fails; all errors are joined.
func (m *MultiSink) Publish(ctx context.Context, report notify.Report) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}
