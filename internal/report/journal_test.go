package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

func TestJournalSink_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "journal.json")

	sink, err := NewJournalSink(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}

	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	report := sampleReport()
	report.StartedAt = started
	report.FinishedAt = started.Add(time.Second)

	if err := sink.Publish(context.Background(), report); err != nil {
		t.Fatalf("publish: %v", err)
	}
	other := notify.Report{CycleID: "cycle-2", ResourceID: "page-2", NoRecipients: true}
	if err := sink.Publish(context.Background(), other); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reopened, err := NewJournalSink(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}

	loaded, ok := reopened.Last("page-1")
	if !ok {
		t.Fatalf("expected page-1 report after reopen")
	}
	if loaded.CycleID != report.CycleID || loaded.Failed != 1 || loaded.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", loaded)
	}
	if !loaded.StartedAt.Equal(started) {
		t.Fatalf("unexpected start time: %s", loaded.StartedAt)
	}
	if len(loaded.Recipients) != 2 || loaded.Recipients[1].Email.ErrorCategory != notify.CategoryTransportFailure {
		t.Fatalf("unexpected recipients: %+v", loaded.Recipients)
	}
	if second, ok := reopened.Last("page-2"); !ok || !second.NoRecipients {
		t.Fatalf("expected page-2 report, got %+v", second)
	}
}

func TestJournalSink_LatestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	sink, err := NewJournalSink(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}

	first := sampleReport()
	second := sampleReport()
	second.CycleID = "cycle-newer"

	if err := sink.Publish(context.Background(), first); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sink.Publish(context.Background(), second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, _ := sink.Last("page-1")
	if got.CycleID != "cycle-newer" {
		t.Fatalf("expected newest report, got %s", got.CycleID)
	}
}

func TestJournalSink_MissingFile(t *testing.T) {
	sink, err := NewJournalSink(context.Background(), filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	if _, ok := sink.Last("page-1"); ok {
		t.Fatalf("expected empty journal")
	}
}

func TestJournalSink_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	sink, err := NewJournalSink(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	if _, ok := sink.Last("page-1"); ok {
		t.Fatalf("expected empty journal")
	}
	if err := sink.Publish(context.Background(), sampleReport()); err != nil {
		t.Fatalf("publish over corrupt file: %v", err)
	}
}

func TestJournalSink_CancelledContext(t *testing.T) {
	sink, err := NewJournalSink(context.Background(), filepath.Join(t.TempDir(), "journal.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Publish(ctx, sampleReport()); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	if _, ok := sink.Last(sampleReport().ResourceID); ok {
		t.Fatalf("expected unsaved report to stay out of the journal")
	}
}

func TestJournalSink_FailedSaveKeepsPreviousReport(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJournalSink(context.Background(), filepath.Join(dir, "journal.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	first := sampleReport()
	if err := sink.Publish(context.Background(), first); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A directory at the target path makes the rename fail.
	sink.path = filepath.Join(dir, "blocked")
	if err := os.MkdirAll(filepath.Join(sink.path, "child"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	second := sampleReport()
	second.CycleID = "cycle-next"
	if err := sink.Publish(context.Background(), second); err == nil {
		t.Fatalf("expected save failure")
	}

	got, ok := sink.Last(first.ResourceID)
	if !ok || got.CycleID != first.CycleID {
		t.Fatalf("expected previous report to remain, got %+v", got)
	}
}
