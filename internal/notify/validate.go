package notify

import (
	"strings"
	"unicode"
)

const (
	// MessagingAddressPrefix is the leading character of every platform user id.
	MessagingAddressPrefix = "U"
	// MessagingAddressMinLength is the shortest trimmed user id accepted.
	MessagingAddressMinLength = 30
)

// Verdict tags an AddressValidity.
type Verdict string

const (
	VerdictValid         Verdict = "valid"
	VerdictInvalid       Verdict = "invalid"
	VerdictNotConfigured Verdict = "not-configured"
)

// InvalidReason explains an Invalid verdict.
type InvalidReason string

const (
	ReasonEmpty              InvalidReason = "empty"
	ReasonWrongPrefix        InvalidReason = "wrong-prefix"
	ReasonTooShort           InvalidReason = "too-short"
	ReasonContainsWhitespace InvalidReason = "contains-whitespace"
	ReasonMalformed          InvalidReason = "malformed"
)

// AddressValidity is the verdict for one channel address.
type AddressValidity struct {
	Verdict Verdict
	// Address is the normalized address; set only for valid verdicts.
	Address string
	// Reason is set only for invalid verdicts.
	Reason InvalidReason
}

// Valid reports whether the address may be handed to a sender.
func (v AddressValidity) Valid() bool {
	return v.Verdict == VerdictValid
}

func valid(address string) AddressValidity {
	return AddressValidity{Verdict: VerdictValid, Address: address}
}

func invalid(reason InvalidReason) AddressValidity {
	return AddressValidity{Verdict: VerdictInvalid, Reason: reason}
}

var notConfigured = AddressValidity{Verdict: VerdictNotConfigured}

// ValidateEmail checks that raw looks like a deliverable address. It is a
// sanity check for broken data, not an RFC 5322 parser.
func ValidateEmail(raw string) AddressValidity {
	if raw == "" {
		return notConfigured
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid(ReasonEmpty)
	}
	if containsSpace(trimmed) {
		return invalid(ReasonContainsWhitespace)
	}
	local, domain, ok := strings.Cut(trimmed, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return invalid(ReasonMalformed)
	}
	return valid(trimmed)
}

// ValidateMessaging checks a messaging platform user id. Surrounding
// whitespace is trimmed; whitespace inside the id is rejected.
func ValidateMessaging(raw string) AddressValidity {
	if raw == "" {
		return notConfigured
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid(ReasonEmpty)
	}
	if containsSpace(trimmed) {
		return invalid(ReasonContainsWhitespace)
	}
	if !strings.HasPrefix(trimmed, MessagingAddressPrefix) {
		return invalid(ReasonWrongPrefix)
	}
	if len(trimmed) < MessagingAddressMinLength {
		return invalid(ReasonTooShort)
	}
	return valid(trimmed)
}

// Validate dispatches to the validator for channel. Unknown channels are
// reported as not configured.
func Validate(channel Channel, raw string) AddressValidity {
	switch channel {
	case ChannelEmail:
		return ValidateEmail(raw)
	case ChannelMessaging:
		return ValidateMessaging(raw)
	default:
		return notConfigured
	}
}

func containsSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}
