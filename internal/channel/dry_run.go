package channel

import (
	"context"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

// DryRun logs dispatches without delivering them.
type DryRun struct {
	logger  zerolog.Logger
	channel notify.Channel
	inner   notify.ChannelSender
}

// NewDryRun returns a sender that suppresses delivery and logs instead.
func NewDryRun(logger zerolog.Logger, channel notify.Channel, inner notify.ChannelSender) *DryRun {
	return &DryRun{logger: logger, channel: channel, inner: inner}
}

// Send implements notify.ChannelSender.
func (d *DryRun) Send(_ context.Context, address string, msg notify.Message) notify.Outcome {
	d.logger.Info().
		Str("channel", string(d.channel)).
		Str("address", address).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.Body)).
		Msg("[DRY-RUN] Would send")
	return notify.Delivered(d.channel)
}

// Unconfigured fails every dispatch on a channel with no client credentials.
type Unconfigured struct {
	channel notify.Channel
}

// NewUnconfigured logs once and returns a sender that always fails.
func NewUnconfigured(logger zerolog.Logger, channel notify.Channel, reason string) *Unconfigured {
	if reason != "" {
		logger.Info().Str("channel", string(channel)).Msg(reason)
	}
	return &Unconfigured{channel: channel}
}

// Send implements notify.ChannelSender.
func (u *Unconfigured) Send(context.Context, string, notify.Message) notify.Outcome {
	return notify.Failed(u.channel, notify.CategoryTransportFailure, "channel not configured")
}
