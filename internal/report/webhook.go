package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/nholik/watch-notifier/internal/poster"
	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"resource_id":"{{ .Report.ResourceID }}","succeeded":{{ .Report.Succeeded }},"failed":{{ .Report.Failed }},"report":{{ toJson .Report }}}`

// WebhookPayload is the template context for webhook deliveries.
type WebhookPayload struct {
	Report      notify.Report
	GeneratedAt time.Time
}

// WebhookSink forwards every report to a generic webhook.
type WebhookSink struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *poster.Poster
}

// NewWebhookSink creates a webhook sink with the provided template. It
// returns nil without error when webhookURL is empty.
func NewWebhookSink(logger zerolog.Logger, webhookURL string, tmpl string, timing poster.Timing) (*WebhookSink, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookSink{
		logger:   logger,
		template: parsed,
		poster:   poster.New(logger, "webhook", webhookURL, "application/json", nil, timing),
	}, nil
}

// Publish implements notify.ReportSink.
func (s *WebhookSink) Publish(ctx context.Context, report notify.Report) error {
	if s == nil {
		return nil
	}

	if err := s.poster.WaitForRateLimit(ctx, report.ResourceID); err != nil {
		return err
	}

	payload := WebhookPayload{
		Report:      report,
		GeneratedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	if err := s.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	if err := s.poster.PostWithRetry(ctx, buf.Bytes()); err != nil {
		return err
	}

	s.logger.Debug().
		Str("resource_id", report.ResourceID).
		Int("recipients", report.Total).
		Msg("webhook report sent")

	return nil
}
