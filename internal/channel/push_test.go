package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

const testUserID = "U4af4980629a1b2c3d4e5f60718293a4b"

func newTestPushClient(t *testing.T, url string) *HTTPPushClient {
	t.Helper()
	client, err := NewHTTPPushClient(zerolog.Nop(), "token-123",
		WithPushEndpoint(url),
		WithPushTiming(time.Second, time.Millisecond, 10, time.Millisecond, 2*time.Millisecond, 20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewHTTPPushClient error: %v", err)
	}
	return client
}

func TestHTTPPushClientSendsPayload(t *testing.T) {
	var got pushPayload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	sender := NewMessagingSender(newTestPushClient(t, server.URL), nil)
	outcome := sender.Send(context.Background(), testUserID, notify.Message{Subject: "ignored", Body: "page changed"})

	if !outcome.Success || outcome.Channel != notify.ChannelMessaging {
		t.Fatalf("expected delivered messaging outcome, got %+v", outcome)
	}
	if auth != "Bearer token-123" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	if got.To != testUserID || len(got.Messages) != 1 || got.Messages[0].Text != "page changed" || got.Messages[0].Type != "text" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHTTPPushClientNotFriendIsClassified(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Failed to send messages: the user hasn't added the bot as a friend"}`))
	}))
	defer server.Close()

	sender := NewMessagingSender(newTestPushClient(t, server.URL), nil)
	outcome := sender.Send(context.Background(), testUserID, notify.Message{Body: "hi"})

	if outcome.Success {
		t.Fatalf("expected failure")
	}
	if outcome.ErrorCategory != notify.CategoryNotOptedIn {
		t.Fatalf("expected %s, got %s (%s)", notify.CategoryNotOptedIn, outcome.ErrorCategory, outcome.Diagnostic)
	}
	if !strings.Contains(outcome.Diagnostic, "400") {
		t.Fatalf("expected status in diagnostic, got %q", outcome.Diagnostic)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no retries for 4xx, got %d calls", got)
	}
}

func TestHTTPPushClientServerErrorIsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sender := NewMessagingSender(newTestPushClient(t, server.URL), nil)
	outcome := sender.Send(context.Background(), testUserID, notify.Message{Body: "hi"})

	if outcome.Success || outcome.ErrorCategory != notify.CategoryTransportFailure {
		t.Fatalf("expected transport failure, got %+v", outcome)
	}
}

func TestNewHTTPPushClientRequiresToken(t *testing.T) {
	if _, err := NewHTTPPushClient(zerolog.Nop(), "  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestTruncateRunes(t *testing.T) {
	long := strings.Repeat("あ", pushMaxTextRunes+10)
	got := truncateRunes(long, pushMaxTextRunes)
	if n := len([]rune(got)); n != pushMaxTextRunes {
		t.Fatalf("expected %d runes, got %d", pushMaxTextRunes, n)
	}
	if truncateRunes("short", pushMaxTextRunes) != "short" {
		t.Fatalf("expected short text unchanged")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want notify.ErrorCategory
	}{
		{name: "nil", err: nil, want: ""},
		{name: "not opted in", err: errors.New("provider: recipient NOT OPTED IN"), want: notify.CategoryNotOptedIn},
		{name: "postmark inactive", err: errors.New("postmark error: 406 - You tried to send to a recipient that has been marked as inactive."), want: notify.CategoryNotOptedIn},
		{name: "network", err: errors.New("dial tcp: connection refused"), want: notify.CategoryTransportFailure},
		{name: "cancelled in flight", err: context.Canceled, want: notify.CategoryTransportFailure},
		{name: "never sent", err: fmt.Errorf("%w: rate: Wait(n=1) would exceed context deadline", ErrNotSent), want: notify.CategoryCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(notify.ChannelEmail, tt.err, nil)
			if got.ErrorCategory != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got.ErrorCategory, tt.want)
			}
			if (tt.err == nil) != got.Success {
				t.Fatalf("unexpected success flag %v for %v", got.Success, tt.err)
			}
		})
	}
}

func TestClassifyCustomMarkers(t *testing.T) {
	got := Classify(notify.ChannelMessaging, errors.New("code 4031: consent missing"), []string{"consent missing"})
	if got.ErrorCategory != notify.CategoryNotOptedIn {
		t.Fatalf("expected custom marker to classify, got %s", got.ErrorCategory)
	}
}

func TestHTTPPushClientConcurrentPushesBeyondBurst(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewHTTPPushClient(zerolog.Nop(), "token-123",
		WithPushEndpoint(server.URL),
		WithPushRate(200, 2),
	)
	if err != nil {
		t.Fatalf("NewHTTPPushClient error: %v", err)
	}
	sender := NewMessagingSender(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const pushes = 20
	outcomes := make([]notify.Outcome, pushes)
	var wg sync.WaitGroup
	for i := 0; i < pushes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = sender.Send(ctx, testUserID, notify.Message{Body: "hi"})
		}(i)
	}
	wg.Wait()

	for i, outcome := range outcomes {
		if !outcome.Success {
			t.Fatalf("push %d failed: %+v", i, outcome)
		}
	}
	if got := atomic.LoadInt32(&calls); got != pushes {
		t.Fatalf("expected %d requests, got %d", pushes, got)
	}
}

func TestHTTPPushClientRateLimitRefusalIsCancelled(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewHTTPPushClient(zerolog.Nop(), "token-123",
		WithPushEndpoint(server.URL),
		WithPushTiming(time.Second, time.Hour, 1, time.Millisecond, 2*time.Millisecond, 20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewHTTPPushClient error: %v", err)
	}
	sender := NewMessagingSender(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if outcome := sender.Send(ctx, testUserID, notify.Message{Body: "first"}); !outcome.Success {
		t.Fatalf("expected first push to succeed, got %+v", outcome)
	}
	outcome := sender.Send(ctx, testUserID, notify.Message{Body: "second"})
	if outcome.Success || outcome.ErrorCategory != notify.CategoryCancelled {
		t.Fatalf("expected cancelled outcome, got %+v", outcome)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected refused push to skip the network, got %d calls", got)
	}
}

func TestNewHTTPPushClientDefaultRate(t *testing.T) {
	client, err := NewHTTPPushClient(zerolog.Nop(), "token-123")
	if err != nil {
		t.Fatalf("NewHTTPPushClient error: %v", err)
	}
	timing := client.poster.Timing()
	if timing.RateInterval != time.Second/DefaultPushRate || timing.RateBurst != DefaultPushBurst {
		t.Fatalf("unexpected default push rate: %+v", timing)
	}

	unlimited, err := NewHTTPPushClient(zerolog.Nop(), "token-123", WithPushRate(0, 5))
	if err != nil {
		t.Fatalf("NewHTTPPushClient error: %v", err)
	}
	if got := unlimited.poster.Timing(); got.RateInterval != 0 || got.RateBurst != 5 {
		t.Fatalf("expected limiter disabled, got %+v", got)
	}
}
