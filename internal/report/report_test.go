package report

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nholik/watch-notifier/internal/metrics"
	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

func sampleReport() notify.Report {
	delivered := notify.Delivered(notify.ChannelEmail)
	failed := notify.Failed(notify.ChannelEmail, notify.CategoryTransportFailure, "postmark: 500")
	skipped := notify.Outcome{Channel: notify.ChannelMessaging, State: notify.StateSkipped, ErrorCategory: notify.CategorySkippedInvalidAddress, Diagnostic: "wrong-prefix"}
	return notify.Report{
		CycleID:    "cycle-1",
		ResourceID: "page-1",
		Total:      2,
		Succeeded:  1,
		Failed:     1,
		Recipients: []notify.RecipientReport{
			{UserID: "u1", Success: true, Email: &delivered},
			{UserID: "u2", Success: false, Email: &failed, Messaging: &skipped},
		},
	}
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) Publish(context.Context, notify.Report) error {
	s.calls++
	return s.err
}

func TestMultiSinkPublishesToAll(t *testing.T) {
	boom := errors.New("boom")
	first := &stubSink{err: boom}
	second := &stubSink{}

	multi := NewMultiSink(first, nil, second)
	if multi.Len() != 2 {
		t.Fatalf("expected nil sinks to be dropped, got %d", multi.Len())
	}

	err := multi.Publish(context.Background(), sampleReport())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected every sink called once, got %d and %d", first.calls, second.calls)
	}
}

func TestLogSinkWritesSummaryAndFailures(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Publish(context.Background(), sampleReport()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		`"message":"notification cycle finished"`,
		`"failed":1`,
		`"message":"delivery failed"`,
		`"error_category":"transport-failure"`,
		`"error_category":"skipped-invalid-address"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output:\n%s", want, out)
		}
	}
}

func TestLogSinkResourceNotFound(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	report := notify.Report{CycleID: "c", ResourceID: "gone", ResourceNotFound: true}
	if err := sink.Publish(context.Background(), report); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(buf.String(), "resource not found") {
		t.Fatalf("expected not-found log, got %s", buf.String())
	}
	if strings.Contains(buf.String(), "cycle finished") {
		t.Fatalf("did not expect a summary line, got %s", buf.String())
	}
}

func TestCycleStatus(t *testing.T) {
	tests := []struct {
		name   string
		report notify.Report
		want   string
	}{
		{name: "not found", report: notify.Report{ResourceNotFound: true}, want: CycleStatusResourceNotFound},
		{name: "no recipients", report: notify.Report{NoRecipients: true}, want: CycleStatusNoRecipients},
		{name: "ok", report: notify.Report{Total: 2, Succeeded: 2}, want: CycleStatusOK},
		{name: "partial", report: sampleReport(), want: CycleStatusPartial},
		{name: "all failed", report: notify.Report{Total: 2, Failed: 2}, want: CycleStatusAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CycleStatus(tt.report); got != tt.want {
				t.Fatalf("CycleStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMetricsSinkNilMetrics(t *testing.T) {
	if err := NewMetricsSink(nil).Publish(context.Background(), sampleReport()); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMetricsSinkRecordsOutcomes(t *testing.T) {
	m := metrics.New()
	if err := NewMetricsSink(m).Publish(context.Background(), sampleReport()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()
	for _, want := range []string{
		`watch_notifier_cycles_total{status="partial"} 1`,
		`watch_notifier_recipients_total{result="failed"} 1`,
		`watch_notifier_deliveries_total{category="transport-failure",channel="email",state="failed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in metrics output:\n%s", want, out)
		}
	}
}
