package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/mrz1836/postmark"
	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

type fakePostmarkAPI struct {
	sent []postmark.Email
	resp postmark.EmailResponse
	err  error
}

func (f *fakePostmarkAPI) SendEmail(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	f.sent = append(f.sent, email)
	return f.resp, f.err
}

func TestNewPostmarkClientValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  PostmarkConfig
	}{
		{name: "missing token", cfg: PostmarkConfig{From: "alerts@example.com"}},
		{name: "missing from", cfg: PostmarkConfig{ServerToken: "token"}},
		{name: "bad from", cfg: PostmarkConfig{ServerToken: "token", From: "alerts"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPostmarkClient(tc.cfg)
			if !errors.Is(err, ErrInvalidEmailConfig) {
				t.Fatalf("expected ErrInvalidEmailConfig, got %v", err)
			}
		})
	}

	for _, from := range []string{"alerts@example.com", "Alerts <alerts@example.com>"} {
		if _, err := NewPostmarkClient(PostmarkConfig{ServerToken: "token", From: from}); err != nil {
			t.Fatalf("unexpected error for %q: %v", from, err)
		}
	}
}

func TestPostmarkClientSendsPlainText(t *testing.T) {
	api := &fakePostmarkAPI{}
	client := &PostmarkClient{api: api, cfg: PostmarkConfig{From: "alerts@example.com", Tag: "page-change"}}

	sender := NewEmailSender(client, nil)
	outcome := sender.Send(context.Background(), "user@example.com", notify.Message{Subject: "Update detected: Docs", Body: "body"})

	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if len(api.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(api.sent))
	}
	sent := api.sent[0]
	if sent.To != "user@example.com" || sent.From != "alerts@example.com" || sent.Subject != "Update detected: Docs" || sent.TextBody != "body" || sent.Tag != "page-change" {
		t.Fatalf("unexpected email: %+v", sent)
	}
}

func TestPostmarkClientInactiveRecipient(t *testing.T) {
	api := &fakePostmarkAPI{resp: postmark.EmailResponse{
		ErrorCode: 406,
		Message:   "You tried to send to a recipient that has been marked as inactive.",
	}}
	client := &PostmarkClient{api: api, cfg: PostmarkConfig{From: "alerts@example.com"}}

	outcome := NewEmailSender(client, nil).Send(context.Background(), "user@example.com", notify.Message{})
	if outcome.Success || outcome.ErrorCategory != notify.CategoryNotOptedIn {
		t.Fatalf("expected not-opted-in failure, got %+v", outcome)
	}
}

func TestPostmarkClientTransportError(t *testing.T) {
	api := &fakePostmarkAPI{err: errors.New("dial tcp: i/o timeout")}
	client := &PostmarkClient{api: api, cfg: PostmarkConfig{From: "alerts@example.com"}}

	outcome := NewEmailSender(client, nil).Send(context.Background(), "user@example.com", notify.Message{})
	if outcome.Success || outcome.ErrorCategory != notify.CategoryTransportFailure {
		t.Fatalf("expected transport failure, got %+v", outcome)
	}
	if outcome.Diagnostic == "" {
		t.Fatalf("expected provider diagnostic")
	}
}

func TestDryRunSuppressesDelivery(t *testing.T) {
	api := &fakePostmarkAPI{}
	inner := NewEmailSender(&PostmarkClient{api: api}, nil)
	dryRun := NewDryRun(zerolog.Nop(), notify.ChannelEmail, inner)

	outcome := dryRun.Send(context.Background(), "user@example.com", notify.Message{Body: "x"})
	if !outcome.Success {
		t.Fatalf("expected dry run to report delivered")
	}
	if len(api.sent) != 0 {
		t.Fatalf("expected no provider calls, got %d", len(api.sent))
	}
}

func TestUnconfiguredAlwaysFails(t *testing.T) {
	sender := NewUnconfigured(zerolog.Nop(), notify.ChannelMessaging, "push token not configured")
	outcome := sender.Send(context.Background(), testUserID, notify.Message{})
	if outcome.Success || outcome.ErrorCategory != notify.CategoryTransportFailure {
		t.Fatalf("expected failure, got %+v", outcome)
	}
}
