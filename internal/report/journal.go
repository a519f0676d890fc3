package report

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/rs/zerolog"
)

// Journal is the on-disk record of the latest report per resource.
type Journal struct {
	Reports map[string]notify.Report `json:"reports"`
}

// JournalSink persists the latest report per resource as JSON on disk.
type JournalSink struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	journal Journal
}

// NewJournalSink returns a JSON-backed journal. The existing file, if any, is
// loaded so lookups survive restarts.
func NewJournalSink(ctx context.Context, path string, logger zerolog.Logger) (*JournalSink, error) {
	sink := &JournalSink{
		path:   path,
		logger: logger,
	}
	journal, err := sink.load(ctx)
	if err != nil {
		return nil, err
	}
	sink.journal = journal
	return sink, nil
}

// Last returns the most recent report recorded for resourceID.
func (s *JournalSink) Last(resourceID string) (notify.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.journal.Reports[resourceID]
	return report, ok
}

// Publish implements notify.ReportSink. The in-memory journal only changes
// once the file has been written.
func (s *JournalSink) Publish(ctx context.Context, report notify.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Journal{Reports: make(map[string]notify.Report, len(s.journal.Reports)+1)}
	for id, existing := range s.journal.Reports {
		next.Reports[id] = existing
	}
	next.Reports[report.ResourceID] = report

	if err := s.save(ctx, next); err != nil {
		return err
	}
	s.journal = next
	return nil
}

// load reads the journal from disk. Missing or corrupt files return an empty
// journal with a warning.
func (s *JournalSink) load(ctx context.Context) (Journal, error) {
	if err := ctx.Err(); err != nil {
		return Journal{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info().Str("path", s.path).Msg("report journal missing, starting fresh")
			return Journal{Reports: map[string]notify.Report{}}, nil
		}
		return Journal{}, err
	}

	var journal Journal
	if err := json.Unmarshal(data, &journal); err != nil {
		s.logger.Warn().Str("path", s.path).Err(err).Msg("report journal corrupt, starting fresh")
		return Journal{Reports: map[string]notify.Report{}}, nil
	}
	if journal.Reports == nil {
		journal.Reports = map[string]notify.Report{}
	}
	return journal, nil
}

// save writes the journal to disk atomically.
func (s *JournalSink) save(ctx context.Context, journal Journal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".journal-*.json")
	if err != nil {
		return err
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	encoder := json.NewEncoder(tempFile)
	if err := encoder.Encode(journal); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}

	if err := os.Rename(tempFile.Name(), s.path); err != nil {
		cleanup()
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}
