package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/nholik/watch-notifier/internal/poster"
	"github.com/rs/zerolog"
)

// DefaultPushEndpoint is the messaging platform push API.
const DefaultPushEndpoint = "https://api.line.me/v2/bot/message/push"

const pushMaxTextRunes = 5000

// DefaultPushRate and DefaultPushBurst keep well under the platform's
// per-channel push quota.
const (
	DefaultPushRate  = 100
	DefaultPushBurst = 100
)

// ErrNotSent marks a push that was refused before any request left the
// process, such as a rate limiter wait that would outlive the deadline.
var ErrNotSent = errors.New("push not sent")

// PushClient delivers a text message to one platform user.
type PushClient interface {
	Push(ctx context.Context, to, body string) error
}

type pushPayload struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// HTTPPushClient calls the platform push endpoint with a bearer token. All
// pushes share one rate limiter.
type HTTPPushClient struct {
	logger zerolog.Logger
	poster *poster.Poster
}

// PushOption customizes HTTPPushClient.
type PushOption func(*pushOptions)

type pushOptions struct {
	endpoint string
	timing   poster.Timing
}

// WithPushEndpoint overrides the push API URL.
func WithPushEndpoint(endpoint string) PushOption {
	return func(o *pushOptions) {
		if endpoint != "" {
			o.endpoint = endpoint
		}
	}
}

// WithPushRate limits pushes to perSecond requests with the given burst.
// A perSecond of zero disables limiting.
func WithPushRate(perSecond, burst int) PushOption {
	return func(o *pushOptions) {
		if perSecond <= 0 {
			o.timing.RateInterval = 0
		} else {
			o.timing.RateInterval = time.Second / time.Duration(perSecond)
		}
		if burst > 0 {
			o.timing.RateBurst = burst
		}
	}
}

// WithPushTiming overrides timing parameters (primarily for testing).
func WithPushTiming(timeout, rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) PushOption {
	return func(o *pushOptions) {
		o.timing = poster.Timing{
			Timeout:           timeout,
			RateInterval:      rateInterval,
			RateBurst:         rateBurst,
			BackoffInitial:    backoffInitial,
			BackoffMax:        backoffMax,
			BackoffMaxElapsed: backoffMaxElapsed,
		}
	}
}

// NewHTTPPushClient builds a push client. The access token is required.
func NewHTTPPushClient(logger zerolog.Logger, accessToken string, opts ...PushOption) (*HTTPPushClient, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("push access token must not be empty")
	}
	timing := poster.DefaultTiming
	timing.RateInterval = time.Second / DefaultPushRate
	timing.RateBurst = DefaultPushBurst
	options := pushOptions{endpoint: DefaultPushEndpoint, timing: timing}
	for _, opt := range opts {
		opt(&options)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+accessToken)

	return &HTTPPushClient{
		logger: logger,
		poster: poster.New(logger, "push", options.endpoint, "application/json", headers, options.timing),
	}, nil
}

// Push implements PushClient.
func (c *HTTPPushClient) Push(ctx context.Context, to, body string) error {
	if err := c.poster.WaitForRateLimit(ctx, "push"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSent, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSent, err)
	}

	payload, err := json.Marshal(pushPayload{
		To:       to,
		Messages: []pushMessage{{Type: "text", Text: truncateRunes(body, pushMaxTextRunes)}},
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	if err := c.poster.PostWithRetry(ctx, payload); err != nil {
		return err
	}

	c.logger.Debug().Int("bytes", len(payload)).Msg("push message sent")
	return nil
}

// MessagingSender adapts a PushClient to notify.ChannelSender.
type MessagingSender struct {
	client  PushClient
	markers []string
}

// NewMessagingSender wraps client. Nil markers select DefaultNotOptedInMarkers.
func NewMessagingSender(client PushClient, markers []string) *MessagingSender {
	return &MessagingSender{client: client, markers: markers}
}

// Send implements notify.ChannelSender.
func (s *MessagingSender) Send(ctx context.Context, address string, msg notify.Message) notify.Outcome {
	err := s.client.Push(ctx, address, msg.Body)
	return Classify(notify.ChannelMessaging, err, s.markers)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
