package notify

import (
	"context"
	"errors"
	"testing"
)

func TestResolve_DistinguishesMissingResourceFromNoSubscribers(t *testing.T) {
	resolver := NewResolver(siteDirectory(), siteDirectory())

	recipients, err := resolver.Resolve(context.Background(), "site-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("expected no recipients, got %d", len(recipients))
	}

	_, err = resolver.Resolve(context.Background(), "site-404")
	if !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestResolve_AppliesDefaultsAndFiltersInactive(t *testing.T) {
	dir := siteDirectory(
		SubscriberRow{UserID: "u1", Email: "one@example.com", AccountActive: true},
		SubscriberRow{UserID: "u2", Email: "two@example.com", AccountActive: false},
		SubscriberRow{UserID: "u3", EmailEnabled: boolPtr(false), MessagingEnabled: boolPtr(true), MessagingAddress: validUserID, AccountActive: true},
	)
	resolver := NewResolver(dir, dir)

	recipients, err := resolver.Resolve(context.Background(), "site-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recipients) != 2 {
		t.Fatalf("expected 2 active recipients, got %d", len(recipients))
	}
	if recipients[0].UserID != "u1" || !recipients[0].EmailEnabled || recipients[0].MessagingEnabled {
		t.Fatalf("expected default flags (email on, messaging off), got %+v", recipients[0])
	}
	if recipients[1].UserID != "u3" || recipients[1].EmailEnabled || !recipients[1].MessagingEnabled {
		t.Fatalf("expected explicit flags to win, got %+v", recipients[1])
	}
}
