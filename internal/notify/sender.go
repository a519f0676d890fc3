package notify

import (
	"context"
	"sync"
)

// ChannelSender delivers one message to one validated address. Implementations
// must convert every transport error into a failed Outcome.
type ChannelSender interface {
	Send(ctx context.Context, address string, msg Message) Outcome
}

// SenderFunc adapts a function to ChannelSender.
type SenderFunc func(ctx context.Context, address string, msg Message) Outcome

// Send implements ChannelSender.
func (f SenderFunc) Send(ctx context.Context, address string, msg Message) Outcome {
	return f(ctx, address, msg)
}

// serializedSender allows one Send at a time for clients that are not safe
// for concurrent use.
type serializedSender struct {
	mu    sync.Mutex
	inner ChannelSender
}

// Serialize wraps a sender so calls to it never overlap. Other channels keep
// running concurrently.
func Serialize(sender ChannelSender) ChannelSender {
	if sender == nil {
		return nil
	}
	return &serializedSender{inner: sender}
}

func (s *serializedSender) Send(ctx context.Context, address string, msg Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Send(ctx, address, msg)
}

// ReportSink receives every finished report. Sink errors are logged by the
// orchestrator and never change the report.
type ReportSink interface {
	Publish(ctx context.Context, report Report) error
}
