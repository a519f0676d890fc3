package notify

import (
	"fmt"
	"strings"
	"time"
)

// Category is the normalized classification of a change reason.
type Category string

const (
	CategoryContentChanged     Category = "content-changed"
	CategoryKeywordAppeared    Category = "keyword-appeared"
	CategoryKeywordDisappeared Category = "keyword-disappeared"
	CategoryUnknown            Category = "unknown"
)

const fingerprintDisplayLength = 12

var categoryPhrases = map[Category]string{
	CategoryContentChanged:     "The page content has changed.",
	CategoryKeywordAppeared:    "A keyword you are watching has appeared.",
	CategoryKeywordDisappeared: "A keyword you are watching has disappeared.",
	CategoryUnknown:            "The page content was updated.",
}

var reasonAliases = map[string]Category{
	"content-changed":     CategoryContentChanged,
	"content-change":      CategoryContentChanged,
	"changed":             CategoryContentChanged,
	"diff":                CategoryContentChanged,
	"keyword-appeared":    CategoryKeywordAppeared,
	"keyword-found":       CategoryKeywordAppeared,
	"keyword-added":       CategoryKeywordAppeared,
	"keyword-disappeared": CategoryKeywordDisappeared,
	"keyword-removed":     CategoryKeywordDisappeared,
	"keyword-lost":        CategoryKeywordDisappeared,
	"keyword-missing":     CategoryKeywordDisappeared,
}

// Classify maps a free-text reason to a Category.
func Classify(reason string) Category {
	key := strings.ToLower(strings.TrimSpace(reason))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	if category, ok := reasonAliases[key]; ok {
		return category
	}
	return CategoryUnknown
}

// Phrase returns the human-readable sentence for a category.
func (c Category) Phrase() string {
	if phrase, ok := categoryPhrases[c]; ok {
		return phrase
	}
	return categoryPhrases[CategoryUnknown]
}

// Composer renders notification messages.
type Composer struct {
	now func() time.Time
}

// ComposerOption customizes a Composer.
type ComposerOption func(*Composer)

// WithClock overrides the wall clock used for the detection timestamp.
func WithClock(now func() time.Time) ComposerOption {
	return func(c *Composer) {
		c.now = now
	}
}

// NewComposer returns a Composer using the system clock.
func NewComposer(opts ...ComposerOption) *Composer {
	c := &Composer{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose renders the message for a resource change. It never fails; missing
// fields are rendered with placeholders.
func (c *Composer) Compose(resource Resource, event ChangeEvent) Message {
	name := strings.TrimSpace(resource.Name)
	if name == "" {
		name = resource.ID
	}
	if name == "" {
		name = "(unnamed page)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Update] %s\n", name)
	b.WriteString(Classify(event.Reason).Phrase())
	b.WriteByte('\n')
	if locator := strings.TrimSpace(resource.Locator); locator != "" {
		fmt.Fprintf(&b, "URL: %s\n", locator)
	}
	fmt.Fprintf(&b, "Detected at: %s", c.now().UTC().Format(time.RFC3339))
	if event.PreviousFingerprint != "" || event.CurrentFingerprint != "" {
		fmt.Fprintf(&b, "\nFingerprint: %s -> %s",
			shortFingerprint(event.PreviousFingerprint),
			shortFingerprint(event.CurrentFingerprint))
	}

	return Message{
		Subject: fmt.Sprintf("Update detected: %s", name),
		Body:    b.String(),
	}
}

func shortFingerprint(value string) string {
	if value == "" {
		return "none"
	}
	if len(value) > fingerprintDisplayLength {
		return value[:fingerprintDisplayLength]
	}
	return value
}
