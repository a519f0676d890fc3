package notify

import "time"

// Resource is a monitored page as seen by the delivery engine.
type Resource struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Locator string `json:"locator" yaml:"locator"`
}

// ChangeEvent describes a detected change on a resource.
type ChangeEvent struct {
	ResourceID          string `json:"resource_id"`
	Reason              string `json:"reason"`
	PreviousFingerprint string `json:"previous_fingerprint,omitempty"`
	CurrentFingerprint  string `json:"current_fingerprint,omitempty"`
}

// Recipient is a subscribed user with resolved per-channel flags.
type Recipient struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email,omitempty"`
	MessagingAddress string `json:"messaging_address,omitempty"`
	EmailEnabled     bool   `json:"email_enabled"`
	MessagingEnabled bool   `json:"messaging_enabled"`
}

// SubscriberRow is a raw row from the recipient store. Nil flags mean the
// user never set a preference.
type SubscriberRow struct {
	UserID           string
	Email            string
	EmailEnabled     *bool
	MessagingAddress string
	MessagingEnabled *bool
	AccountActive    bool
}

// Message is the composed notification shared by every channel in a cycle.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Channel names a delivery channel.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelMessaging Channel = "messaging"
)

// ErrorCategory classifies a failed or skipped delivery.
type ErrorCategory string

const (
	CategorySkippedInvalidAddress ErrorCategory = "skipped-invalid-address"
	CategoryNoChannelEnabled      ErrorCategory = "no-channel-enabled"
	CategoryNotOptedIn            ErrorCategory = "recipient-not-opted-in"
	CategoryTransportFailure      ErrorCategory = "transport-failure"
	CategoryCancelled             ErrorCategory = "cancelled"
)

// DispatchState is the terminal state of one (recipient, channel) dispatch.
type DispatchState string

const (
	StateNotEligible DispatchState = "not-eligible"
	StateSkipped     DispatchState = "skipped"
	StateDelivered   DispatchState = "delivered"
	StateFailed      DispatchState = "failed"
)

// Outcome is the result of dispatching one message over one channel.
type Outcome struct {
	Channel       Channel       `json:"channel"`
	State         DispatchState `json:"state"`
	Success       bool          `json:"success"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	Diagnostic    string        `json:"diagnostic,omitempty"`
}

// Delivered returns a successful outcome for the channel.
func Delivered(channel Channel) Outcome {
	return Outcome{Channel: channel, State: StateDelivered, Success: true}
}

// Failed returns a failed send outcome.
func Failed(channel Channel, category ErrorCategory, diagnostic string) Outcome {
	return Outcome{
		Channel:       channel,
		State:         StateFailed,
		ErrorCategory: category,
		Diagnostic:    diagnostic,
	}
}

// RecipientReport collects the outcomes for one recipient.
type RecipientReport struct {
	UserID        string        `json:"user_id"`
	Success       bool          `json:"success"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	Email         *Outcome      `json:"email,omitempty"`
	Messaging     *Outcome      `json:"messaging,omitempty"`
}

// Outcomes returns the channel outcomes that were recorded, email first.
func (r RecipientReport) Outcomes() []Outcome {
	outcomes := make([]Outcome, 0, 2)
	if r.Email != nil {
		outcomes = append(outcomes, *r.Email)
	}
	if r.Messaging != nil {
		outcomes = append(outcomes, *r.Messaging)
	}
	return outcomes
}

// Report aggregates a notification cycle.
type Report struct {
	CycleID          string            `json:"cycle_id"`
	ResourceID       string            `json:"resource_id"`
	ResourceNotFound bool              `json:"resource_not_found,omitempty"`
	NoRecipients     bool              `json:"no_recipients,omitempty"`
	Total            int               `json:"total_recipients"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	Recipients       []RecipientReport `json:"recipients"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// AnySucceeded reports whether at least one recipient got a message through.
func (r Report) AnySucceeded() bool {
	return r.Succeeded > 0
}

// AllFailed reports whether every considered recipient failed.
func (r Report) AllFailed() bool {
	return r.Total > 0 && r.Failed == r.Total
}

// Duration returns the wall time spent on the cycle.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
