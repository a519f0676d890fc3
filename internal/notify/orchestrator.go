package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 8
	defaultSinkTimeout = 10 * time.Second
)

// Orchestrator runs notification cycles: resolve, compose, dispatch, aggregate.
type Orchestrator struct {
	logger      zerolog.Logger
	resolver    *Resolver
	composer    *Composer
	email       ChannelSender
	messaging   ChannelSender
	sinks       []ReportSink
	sinkTimeout time.Duration
	workers     int
	now         func() time.Time
	newID       func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEmailSender sets the email channel sender.
func WithEmailSender(sender ChannelSender) Option {
	return func(o *Orchestrator) {
		o.email = sender
	}
}

// WithMessagingSender sets the messaging channel sender.
func WithMessagingSender(sender ChannelSender) Option {
	return func(o *Orchestrator) {
		o.messaging = sender
	}
}

// WithComposer overrides the message composer.
func WithComposer(composer *Composer) Option {
	return func(o *Orchestrator) {
		o.composer = composer
	}
}

// WithWorkers bounds how many recipients are dispatched at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithReportSinks registers collaborators that receive each finished report.
func WithReportSinks(sinks ...ReportSink) Option {
	return func(o *Orchestrator) {
		for _, sink := range sinks {
			if sink != nil {
				o.sinks = append(o.sinks, sink)
			}
		}
	}
}

// WithSinkTimeout bounds how long report sinks may run after a cycle,
// including cycles whose context was already cancelled.
func WithSinkTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sinkTimeout = d
		}
	}
}

// WithCycleIDs overrides cycle id generation.
func WithCycleIDs(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// New constructs an Orchestrator. Channels without a sender fail their
// dispatches with a transport-failure outcome.
func New(logger zerolog.Logger, resolver *Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:      logger,
		resolver:    resolver,
		composer:    NewComposer(),
		sinkTimeout: defaultSinkTimeout,
		workers:     defaultWorkers,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NotifyResourceChange runs one notification cycle for a changed resource.
// Only a missing resource or a store failure is returned as an error; every
// per-recipient problem is recorded in the report.
func (o *Orchestrator) NotifyResourceChange(ctx context.Context, resourceID string, event ChangeEvent) (Report, error) {
	report := Report{
		CycleID:    o.newID(),
		ResourceID: resourceID,
		Recipients: []RecipientReport{},
		StartedAt:  o.now().UTC(),
	}

	resource, err := o.resolver.Resource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			report.ResourceNotFound = true
			o.finish(ctx, &report)
		}
		return report, err
	}

	recipients, err := o.resolver.recipientsOf(ctx, resourceID)
	if err != nil {
		return report, err
	}
	if len(recipients) == 0 {
		report.NoRecipients = true
		o.finish(ctx, &report)
		return report, nil
	}

	if event.ResourceID == "" {
		event.ResourceID = resourceID
	}
	msg := o.composer.Compose(resource, event)

	report.Recipients = o.dispatch(ctx, recipients, msg)
	report.Total = len(report.Recipients)
	for _, recipient := range report.Recipients {
		if recipient.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	o.finish(ctx, &report)
	return report, nil
}

// dispatch fans recipients out over the worker pool. Each task writes only
// its own slot, so the result keeps resolution order.
func (o *Orchestrator) dispatch(ctx context.Context, recipients []Recipient, msg Message) []RecipientReport {
	slots := make([]RecipientReport, len(recipients))

	var group errgroup.Group
	group.SetLimit(o.workers)
	for i, recipient := range recipients {
		if ctx.Err() != nil {
			slots[i] = cancelledReport(recipient)
			continue
		}
		i, recipient := i, recipient
		group.Go(func() error {
			if ctx.Err() != nil {
				slots[i] = cancelledReport(recipient)
				return nil
			}
			slots[i] = o.NotifyRecipient(ctx, recipient, msg)
			return nil
		})
	}
	_ = group.Wait()

	return slots
}

// NotifyRecipient dispatches msg to one recipient over each enabled channel
// that has an address. Channels run concurrently.
func (o *Orchestrator) NotifyRecipient(ctx context.Context, recipient Recipient, msg Message) RecipientReport {
	result := RecipientReport{UserID: recipient.UserID}

	var wg sync.WaitGroup
	if recipient.EmailEnabled && recipient.Email != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := o.dispatchChannel(ctx, ChannelEmail, o.email, recipient.Email, msg)
			result.Email = &outcome
		}()
	}
	if recipient.MessagingEnabled && recipient.MessagingAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := o.dispatchChannel(ctx, ChannelMessaging, o.messaging, recipient.MessagingAddress, msg)
			result.Messaging = &outcome
		}()
	}
	wg.Wait()

	outcomes := result.Outcomes()
	if len(outcomes) == 0 {
		result.ErrorCategory = CategoryNoChannelEnabled
		return result
	}
	cancelled := 0
	for _, outcome := range outcomes {
		if outcome.Success {
			result.Success = true
		}
		if outcome.ErrorCategory == CategoryCancelled {
			cancelled++
		}
	}
	if !result.Success && cancelled == len(outcomes) {
		result.ErrorCategory = CategoryCancelled
	}
	return result
}

func (o *Orchestrator) dispatchChannel(ctx context.Context, channel Channel, sender ChannelSender, raw string, msg Message) Outcome {
	validity := Validate(channel, raw)
	if !validity.Valid() {
		o.logger.Debug().
			Str("channel", string(channel)).
			Str("verdict", string(validity.Verdict)).
			Str("reason", string(validity.Reason)).
			Msg("address rejected, send skipped")
		return Outcome{
			Channel:       channel,
			State:         StateSkipped,
			ErrorCategory: CategorySkippedInvalidAddress,
			Diagnostic:    skipDiagnostic(validity),
		}
	}
	if sender == nil {
		return Failed(channel, CategoryTransportFailure, "channel not configured")
	}
	if err := ctx.Err(); err != nil {
		return Failed(channel, CategoryCancelled, err.Error())
	}

	outcome := safeSend(ctx, sender, validity.Address, msg)
	outcome.Channel = channel
	if outcome.Success {
		outcome.State = StateDelivered
		outcome.ErrorCategory = ""
		return outcome
	}
	outcome.State = StateFailed
	if outcome.ErrorCategory == "" {
		outcome.ErrorCategory = CategoryTransportFailure
	}
	return outcome
}

func safeSend(ctx context.Context, sender ChannelSender, address string, msg Message) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{
				ErrorCategory: CategoryTransportFailure,
				Diagnostic:    fmt.Sprintf("sender panic: %v", r),
			}
		}
	}()
	return sender.Send(ctx, address, msg)
}

func (o *Orchestrator) finish(ctx context.Context, report *Report) {
	report.FinishedAt = o.now().UTC()

	// Sinks still run when the cycle context was cancelled, but within
	// their own deadline.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.sinkTimeout)
	defer cancel()
	for _, sink := range o.sinks {
		if err := sink.Publish(sinkCtx, *report); err != nil {
			o.logger.Warn().
				Err(err).
				Str("cycle_id", report.CycleID).
				Str("resource_id", report.ResourceID).
				Msg("report sink failed")
		}
	}
}

func cancelledReport(recipient Recipient) RecipientReport {
	return RecipientReport{
		UserID:        recipient.UserID,
		ErrorCategory: CategoryCancelled,
	}
}

func skipDiagnostic(validity AddressValidity) string {
	if validity.Verdict == VerdictInvalid {
		return "invalid address: " + string(validity.Reason)
	}
	return "address " + string(validity.Verdict)
}
