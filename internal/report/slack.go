package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/nholik/watch-notifier/internal/poster"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxRecipients  = slackMaxBlocks - slackReservedBlocks
)

// AlertPolicy decides which reports raise a Slack alert.
type AlertPolicy string

const (
	// AlertAnyFailure alerts when any recipient failed or the resource is missing.
	AlertAnyFailure AlertPolicy = "any-failure"
	// AlertAllFailed alerts only when no recipient was reached.
	AlertAllFailed AlertPolicy = "all-failed"
)

// ParseAlertPolicy validates a policy name.
func ParseAlertPolicy(value string) (AlertPolicy, error) {
	switch AlertPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", AlertAnyFailure:
		return AlertAnyFailure, nil
	case AlertAllFailed:
		return AlertAllFailed, nil
	default:
		return "", fmt.Errorf("unknown alert policy %q", value)
	}
}

// Matches reports whether the policy alerts on report.
func (p AlertPolicy) Matches(report notify.Report) bool {
	if report.ResourceNotFound {
		return p == AlertAnyFailure
	}
	if p == AlertAllFailed {
		return report.AllFailed()
	}
	return report.Failed > 0
}

// SlackSink posts failing reports to a Slack incoming webhook.
type SlackSink struct {
	logger zerolog.Logger
	policy AlertPolicy
	timing poster.Timing
	poster *poster.Poster
}

// SlackOption customizes SlackSink behavior.
type SlackOption func(*SlackSink)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackSink) {
		s.timing.RateInterval = rateInterval
		s.timing.RateBurst = rateBurst
		s.timing.BackoffInitial = backoffInitial
		s.timing.BackoffMax = backoffMax
		s.timing.BackoffMaxElapsed = backoffMaxElapsed
	}
}

// WithAlertPolicy selects which reports are posted.
func WithAlertPolicy(policy AlertPolicy) SlackOption {
	return func(s *SlackSink) {
		s.policy = policy
	}
}

// NewSlackSink creates a Slack sink, or nil when the webhook is empty.
func NewSlackSink(logger zerolog.Logger, webhookURL string, opts ...SlackOption) *SlackSink {
	if webhookURL == "" {
		logger.Info().Msg("slack webhook not configured; alerts disabled")
		return nil
	}

	sink := &SlackSink{
		logger: logger,
		policy: AlertAnyFailure,
		timing: poster.DefaultTiming,
	}
	for _, opt := range opts {
		opt(sink)
	}
	sink.poster = poster.New(logger, "slack", webhookURL, "application/json", nil, sink.timing)

	return sink
}

// Publish implements notify.ReportSink.
func (s *SlackSink) Publish(ctx context.Context, report notify.Report) error {
	if s == nil || !s.policy.Matches(report) {
		return nil
	}
	if err := s.poster.WaitForRateLimit(ctx, report.ResourceID); err != nil {
		return err
	}

	messages := buildSlackMessages(report)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := s.poster.PostWithRetry(ctx, payload); err != nil {
			return err
		}
	}

	s.logger.Debug().
		Str("resource_id", report.ResourceID).
		Int("failed", report.Failed).
		Int("messages", len(messages)).
		Msg("slack alert sent")

	return nil
}

func failedRecipients(report notify.Report) []notify.RecipientReport {
	failed := make([]notify.RecipientReport, 0, report.Failed)
	for _, recipient := range report.Recipients {
		if !recipient.Success {
			failed = append(failed, recipient)
		}
	}
	return failed
}

func buildSlackMessages(report notify.Report) []slack.WebhookMessage {
	failed := failedRecipients(report)
	if len(failed) == 0 {
		return []slack.WebhookMessage{buildSlackMessage(report, nil, 1, 1)}
	}

	total := len(failed)
	chunkTotal := (total + slackMaxRecipients - 1) / slackMaxRecipients
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxRecipients {
		end := min(i+slackMaxRecipients, total)
		partIndex := (i / slackMaxRecipients) + 1
		messages = append(messages, buildSlackMessage(report, failed[i:end], partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(report notify.Report, failed []notify.RecipientReport, partIndex int, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("Resource %s: %d/%d recipient(s) failed", report.ResourceID, report.Failed, report.Total)
	if report.ResourceNotFound {
		summary = fmt.Sprintf("Resource %s: not found, nobody notified", report.ResourceID)
	}
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Cycle: `%s`", report.CycleID), false, false),
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	context := slack.NewContextBlock("", contextElements...)

	blocks := []slack.Block{header, context}
	for _, recipient := range failed {
		blocks = append(blocks, buildRecipientBlock(recipient))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildRecipientBlock(recipient notify.RecipientReport) slack.Block {
	title := fmt.Sprintf("*%s*", recipient.UserID)
	if recipient.ErrorCategory != "" {
		title = fmt.Sprintf("*%s*: `%s`", recipient.UserID, recipient.ErrorCategory)
	}
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	outcomes := recipient.Outcomes()
	fields := make([]*slack.TextBlockObject, 0, len(outcomes))
	for _, outcome := range outcomes {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", formatOutcome(outcome), false, false))
	}
	if len(fields) == 0 {
		fields = nil
	}

	return slack.NewSectionBlock(text, fields, nil)
}

func formatOutcome(outcome notify.Outcome) string {
	label := string(outcome.ErrorCategory)
	if label == "" {
		label = string(outcome.State)
	}
	line := fmt.Sprintf("*%s:*\n`%s`", outcome.Channel, label)
	if outcome.Diagnostic != "" {
		line += "\n" + truncate(outcome.Diagnostic, 200)
	}
	return line
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "…"
}
