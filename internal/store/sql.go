package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nholik/watch-notifier/internal/notify"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFor picks the backend from a DSN: postgres URLs use pgx, anything
// else is treated as a SQLite path or file: URI.
func DialectFor(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// PendingChange is a queued change event awaiting a notification cycle.
type PendingChange struct {
	ID        string
	Event     notify.ChangeEvent
	CreatedAt time.Time
}

// SQLStore is the recipient directory, change queue and delivery log backed
// by SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Option customizes SQLStore.
type Option func(*SQLStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database url is required")
	}

	dialect := DialectFor(dsn)
	driver := "sqlite"
	if dialect == DialectPostgres {
		driver = "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps :memory: databases shared and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
	}

	store := New(db, dialect, opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing handle. The caller owns schema setup.
func New(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	store := &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect == DialectSQLite {
		if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// LookupResource implements notify.ResourceLookup.
func (s *SQLStore) LookupResource(ctx context.Context, resourceID string) (notify.Resource, bool, error) {
	var resource notify.Resource
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, locator FROM resources WHERE id = ?`),
		resourceID,
	).Scan(&resource.ID, &resource.Name, &resource.Locator)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Resource{}, false, nil
	}
	if err != nil {
		return notify.Resource{}, false, fmt.Errorf("query resource: %w", err)
	}
	return resource, true, nil
}

// SubscriberRows implements notify.RecipientStore. Rows come back in
// subscription order.
func (s *SQLStore) SubscriberRows(ctx context.Context, resourceID string) ([]notify.SubscriberRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT u.id, u.email, s.email_enabled, u.messaging_id, s.messaging_enabled, u.active
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.resource_id = ?
		ORDER BY s.created_at, u.id`),
		resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var result []notify.SubscriberRow
	for rows.Next() {
		var (
			row              notify.SubscriberRow
			emailEnabled     sql.NullBool
			messagingEnabled sql.NullBool
		)
		if err := rows.Scan(&row.UserID, &row.Email, &emailEnabled, &row.MessagingAddress, &messagingEnabled, &row.AccountActive); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		row.EmailEnabled = nullBoolPtr(emailEnabled)
		row.MessagingEnabled = nullBoolPtr(messagingEnabled)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return result, nil
}

// PutResource inserts or updates a resource.
func (s *SQLStore) PutResource(ctx context.Context, resource notify.Resource) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO resources (id, name, locator) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, locator = excluded.locator`),
		resource.ID, resource.Name, resource.Locator,
	)
	if err != nil {
		return fmt.Errorf("put resource %q: %w", resource.ID, err)
	}
	return nil
}

// User is a row of the users table.
type User struct {
	ID          string
	Email       string
	MessagingID string
	Active      bool
}

// PutUser inserts or updates a user.
func (s *SQLStore) PutUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, messaging_id, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, messaging_id = excluded.messaging_id, active = excluded.active`),
		user.ID, user.Email, user.MessagingID, user.Active,
	)
	if err != nil {
		return fmt.Errorf("put user %q: %w", user.ID, err)
	}
	return nil
}

// Subscribe records a subscription. Nil flags leave the preference unset.
// Re-subscribing keeps the original subscription order.
func (s *SQLStore) Subscribe(ctx context.Context, resourceID, userID string, emailEnabled, messagingEnabled *bool) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO subscriptions (resource_id, user_id, email_enabled, messaging_enabled, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resource_id, user_id) DO UPDATE SET email_enabled = excluded.email_enabled, messaging_enabled = excluded.messaging_enabled`),
		resourceID, userID, boolPtrValue(emailEnabled), boolPtrValue(messagingEnabled), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %q to %q: %w", userID, resourceID, err)
	}
	return nil
}

// EnqueueChange appends a change event to the queue and returns its id.
func (s *SQLStore) EnqueueChange(ctx context.Context, event notify.ChangeEvent) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO change_events (id, resource_id, reason, previous_fingerprint, current_fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, event.ResourceID, event.Reason, event.PreviousFingerprint, event.CurrentFingerprint, s.timestamp(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue change for %q: %w", event.ResourceID, err)
	}
	return id, nil
}

// PendingChanges returns up to limit unprocessed change events, oldest first.
func (s *SQLStore) PendingChanges(ctx context.Context, limit int) ([]PendingChange, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, resource_id, reason, previous_fingerprint, current_fingerprint, created_at
		FROM change_events
		WHERE processed_at IS NULL
		ORDER BY created_at, id
		LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending changes: %w", err)
	}
	defer rows.Close()

	var result []PendingChange
	for rows.Next() {
		var (
			change    PendingChange
			createdAt string
		)
		if err := rows.Scan(&change.ID, &change.Event.ResourceID, &change.Event.Reason,
			&change.Event.PreviousFingerprint, &change.Event.CurrentFingerprint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		change.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		result = append(result, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return result, nil
}

// MarkChangeProcessed closes a change event with a short outcome summary.
func (s *SQLStore) MarkChangeProcessed(ctx context.Context, id string, outcome string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE change_events SET processed_at = ?, outcome = ? WHERE id = ? AND processed_at IS NULL`),
		s.timestamp(), outcome, id,
	)
	if err != nil {
		return fmt.Errorf("mark change %q processed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark change %q processed: not pending", id)
	}
	return nil
}

// Publish implements notify.ReportSink by appending one delivery_log row per
// recorded channel outcome. A recipient with no outcome gets a single row
// with an empty channel carrying its error category.
func (s *SQLStore) Publish(ctx context.Context, report notify.Report) error {
	if len(report.Recipients) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivery log: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO delivery_log (id, cycle_id, resource_id, user_id, channel, state, error_category, diagnostic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare delivery log: %w", err)
	}
	defer stmt.Close()

	createdAt := s.timestamp()
	for _, recipient := range report.Recipients {
		outcomes := recipient.Outcomes()
		if len(outcomes) == 0 {
			outcomes = []notify.Outcome{{
				State:         notify.StateNotEligible,
				ErrorCategory: recipient.ErrorCategory,
			}}
		}
		for _, outcome := range outcomes {
			if _, err := stmt.ExecContext(ctx,
				uuid.NewString(), report.CycleID, report.ResourceID, recipient.UserID,
				string(outcome.Channel), string(outcome.State), string(outcome.ErrorCategory), outcome.Diagnostic, createdAt,
			); err != nil {
				return fmt.Errorf("insert delivery log: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delivery log: %w", err)
	}
	return nil
}

// DeliveryLogEntry is a row of the delivery log.
type DeliveryLogEntry struct {
	CycleID       string
	ResourceID    string
	UserID        string
	Channel       notify.Channel
	State         notify.DispatchState
	ErrorCategory notify.ErrorCategory
	Diagnostic    string
}

// DeliveryLog returns the delivery rows written for a cycle.
func (s *SQLStore) DeliveryLog(ctx context.Context, cycleID string) ([]DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT cycle_id, resource_id, user_id, channel, state, error_category, diagnostic
		FROM delivery_log
		WHERE cycle_id = ?
		ORDER BY user_id, channel`),
		cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var result []DeliveryLogEntry
	for rows.Next() {
		var entry DeliveryLogEntry
		if err := rows.Scan(&entry.CycleID, &entry.ResourceID, &entry.UserID, &entry.Channel,
			&entry.State, &entry.ErrorCategory, &entry.Diagnostic); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *SQLStore) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullBoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func boolPtrValue(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
