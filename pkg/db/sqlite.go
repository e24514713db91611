package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/msgstore"
)

const sqliteLogPrefix = "db:sqlite"

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore backs the event store and the dead-letter store with a single
// SQLite file. Use ":memory:" for a private in-memory database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ eventstore.Backend = (*SQLiteStore)(nil)
	_ msgstore.Backend   = (*SQLiteStore)(nil)
)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%s - path is required", sqliteLogPrefix)
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s - open %s: %w", sqliteLogPrefix, path, err)
	}
	// Every pooled connection to ":memory:" would be a separate database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s - ping %s: %w", sqliteLogPrefix, path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s - apply schema: %w", sqliteLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Opened %s", sqliteLogPrefix, path))
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Clear deletes all rows, keeping the schema.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	for _, table := range clearTables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("%s - clear %s: %w", sqliteLogPrefix, table, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code&0xff == sqlite3.SQLITE_CONSTRAINT
}

// AppendEvent inserts one event. A duplicate (aggregate, version) pair is a VERSION_CONFLICT.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev eventstore.DomainEvent) error {
	r, err := toEventRow(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO comms_events (event_id, name, event_type, aggregate_id, aggregate_type, version, sequence,
		                           correlation_id, causation_id, source, priority, tags, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.Name, r.Type, r.AggregateID, r.AggregateType, r.Version, r.Sequence,
		r.CorrelationID, r.CausationID, r.Source, r.Priority, string(r.Tags), string(r.Payload), r.OccurredAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return commserr.Newf(commserr.CodeVersionConflict, "event %s conflicts with a stored event", r.EventID)
		}
		return fmt.Errorf("%s - append event %s: %w", sqliteLogPrefix, r.EventID, err)
	}
	return nil
}

// LoadEvents returns an aggregate's events in version order.
func (s *SQLiteStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64, limit int) ([]eventstore.DomainEvent, error) {
	return s.QueryEvents(ctx, eventstore.Filter{AggregateID: aggregateID, FromVersion: fromVersion, ToVersion: toVersion, Limit: limit})
}

// QueryEvents returns events matching f in append order.
func (s *SQLiteStore) QueryEvents(ctx context.Context, f eventstore.Filter) ([]eventstore.DomainEvent, error) {
	q, args := eventQuery(f, question, func(arg string) string {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(comms_events.tags) WHERE json_each.value = %s)", arg)
	})
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - query events: %w", sqliteLogPrefix, err)
	}
	defer rows.Close()

	var out []eventstore.DomainEvent
	for rows.Next() {
		var (
			r          eventRow
			payload    sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&r.EventID, &r.Name, &r.Type, &r.AggregateID, &r.AggregateType, &r.Version, &r.Sequence,
			&r.CorrelationID, &r.CausationID, &r.Source, &r.Priority, &r.Tags, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("%s - scan event: %w", sqliteLogPrefix, err)
		}
		if payload.Valid {
			r.Payload = []byte(payload.String)
		}
		r.OccurredAt = time.Unix(0, occurredAt)
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate events: %w", sqliteLogPrefix, err)
	}
	return out, nil
}

// LatestVersion returns the highest stored version of an aggregate, 0 when none.
func (s *SQLiteStore) LatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM comms_events WHERE aggregate_id = ?`, aggregateID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("%s - latest version of %s: %w", sqliteLogPrefix, aggregateID, err)
	}
	return v, nil
}

// SaveSnapshot replaces the aggregate's snapshot unless a newer one is stored.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO comms_snapshots (aggregate_id, version, data, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (aggregate_id) DO UPDATE SET
		   version = excluded.version, data = excluded.data, created_at = excluded.created_at
		 WHERE comms_snapshots.version <= excluded.version`,
		snap.AggregateID, snap.Version, string(data), snap.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%s - save snapshot of %s: %w", sqliteLogPrefix, snap.AggregateID, err)
	}
	return nil
}

// LoadSnapshot returns nil when the aggregate has no snapshot.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, aggregateID string) (*eventstore.Snapshot, error) {
	var (
		version   int64
		data      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data, created_at FROM comms_snapshots WHERE aggregate_id = ?`, aggregateID).
		Scan(&version, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - load snapshot of %s: %w", sqliteLogPrefix, aggregateID, err)
	}
	return decodeSnapshot(aggregateID, version, []byte(data), time.Unix(0, createdAt))
}

// SaveDeadLetter upserts a dead letter by key.
func (s *SQLiteStore) SaveDeadLetter(ctx context.Context, dl msgstore.DeadLetter) error {
	r, err := toDeadLetterRow(dl)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO comms_dead_letters (key, message_id, destination, attempts, code, reason, message, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   attempts = excluded.attempts, code = excluded.code, reason = excluded.reason,
		   message = excluded.message, failed_at = excluded.failed_at`,
		r.Key, r.MessageID, r.Destination, r.Attempts, r.Code, r.Reason, string(r.Message), r.FailedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%s - save dead letter %s: %w", sqliteLogPrefix, r.Key, err)
	}
	return nil
}

// DeleteDeadLetter removes a dead letter; a missing key is not an error.
func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comms_dead_letters WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%s - delete dead letter %s: %w", sqliteLogPrefix, key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteDeadLetter(row rowScanner) (*msgstore.DeadLetter, error) {
	var (
		r        deadLetterRow
		msg      sql.NullString
		failedAt int64
	)
	if err := row.Scan(&r.Key, &r.MessageID, &r.Destination, &r.Attempts, &r.Code, &r.Reason, &msg, &failedAt); err != nil {
		return nil, err
	}
	if msg.Valid {
		r.Message = []byte(msg.String)
	}
	r.FailedAt = time.Unix(0, failedAt)
	dl, err := r.deadLetter()
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// GetDeadLetter returns nil when key is unknown.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, key string) (*msgstore.DeadLetter, error) {
	dl, err := scanSQLiteDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM comms_dead_letters WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - get dead letter %s: %w", sqliteLogPrefix, key, err)
	}
	return dl, nil
}

// ListDeadLetters returns the newest dead letters first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]msgstore.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM comms_dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list dead letters: %w", sqliteLogPrefix, err)
	}
	defer rows.Close()

	var out []msgstore.DeadLetter
	for rows.Next() {
		dl, err := scanSQLiteDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("%s - scan dead letter: %w", sqliteLogPrefix, err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}
