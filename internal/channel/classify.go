package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/nholik/watch-notifier/internal/notify"
)

// DefaultNotOptedInMarkers are provider error fragments meaning the recipient
// has not authorized delivery on that channel. Matching is case-insensitive.
var DefaultNotOptedInMarkers = []string{
	"not a friend",
	"hasn't added",
	"has not added",
	"not opted in",
	"not-opted-in",
	"blocked the",
	"marked as inactive",
	"inactive recipient",
	"unsubscribed",
}

// Classify converts a client error into a failed outcome for channel. A
// request that never left the process is cancelled; a context error after
// that is a transport failure.
func Classify(channel notify.Channel, err error, markers []string) notify.Outcome {
	if err == nil {
		return notify.Delivered(channel)
	}
	diagnostic := err.Error()
	if errors.Is(err, ErrNotSent) {
		return notify.Failed(channel, notify.CategoryCancelled, diagnostic)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return notify.Failed(channel, notify.CategoryTransportFailure, diagnostic)
	}
	if markers == nil {
		markers = DefaultNotOptedInMarkers
	}
	lowered := strings.ToLower(diagnostic)
	for _, marker := range markers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return notify.Failed(channel, notify.CategoryNotOptedIn, diagnostic)
		}
	}
	return notify.Failed(channel, notify.CategoryTransportFailure, diagnostic)
}
