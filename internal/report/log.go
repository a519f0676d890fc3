package report

import (
	"context"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

// LogSink writes a summary line per cycle and a warning per failed dispatch.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements notify.ReportSink.
func (s *LogSink) Publish(_ context.Context, report notify.Report) error {
	switch {
	case report.ResourceNotFound:
		s.logger.Warn().
			Str("cycle_id", report.CycleID).
			Str("resource_id", report.ResourceID).
			Msg("notification skipped: resource not found")
		return nil
	case report.NoRecipients:
		s.logger.Info().
			Str("cycle_id", report.CycleID).
			Str("resource_id", report.ResourceID).
			Msg("notification skipped: no recipients")
		return nil
	}

	for _, recipient := range report.Recipients {
		if recipient.ErrorCategory != "" {
			s.logger.Warn().
				Str("cycle_id", report.CycleID).
				Str("user_id", recipient.UserID).
				Str("error_category", string(recipient.ErrorCategory)).
				Msg("recipient not notified")
		}
		for _, outcome := range recipient.Outcomes() {
			if outcome.Success {
				continue
			}
			s.logger.Warn().
				Str("cycle_id", report.CycleID).
				Str("user_id", recipient.UserID).
				Str("channel", string(outcome.Channel)).
				Str("state", string(outcome.State)).
				Str("error_category", string(outcome.ErrorCategory)).
				Str("diagnostic", outcome.Diagnostic).
				Msg("delivery failed")
		}
	}

	event := s.logger.Info()
	if report.Failed > 0 {
		event = s.logger.Warn()
	}
	event.
		Str("cycle_id", report.CycleID).
		Str("resource_id", report.ResourceID).
		Int("recipients", report.Total).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", report.Duration()).
		Msg("notification cycle finished")
	return nil
}
