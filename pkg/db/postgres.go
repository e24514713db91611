package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/msgstore"
)

const pgLogPrefix = "db:postgres"

const pgUniqueViolation = "23505"

// PostgresStore backs the event store and the dead-letter store with Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ eventstore.Backend = (*PostgresStore)(nil)
	_ msgstore.Backend   = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store over an open pool. Migrations must already be applied.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendEvent inserts one event. A duplicate (aggregate, version) pair is a VERSION_CONFLICT.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev eventstore.DomainEvent) error {
	r, err := toEventRow(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO comms_events (event_id, name, event_type, aggregate_id, aggregate_type, version, sequence,
		                           correlation_id, causation_id, source, priority, tags, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.EventID, r.Name, r.Type, r.AggregateID, r.AggregateType, r.Version, r.Sequence,
		r.CorrelationID, r.CausationID, r.Source, r.Priority, r.Tags, r.Payload, r.OccurredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return commserr.Newf(commserr.CodeVersionConflict, "event %s conflicts with a stored event", r.EventID)
		}
		return fmt.Errorf("%s - append event %s: %w", pgLogPrefix, r.EventID, err)
	}
	return nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, q string, args ...interface{}) ([]eventstore.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - query events: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []eventstore.DomainEvent
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(&r.EventID, &r.Name, &r.Type, &r.AggregateID, &r.AggregateType, &r.Version, &r.Sequence,
			&r.CorrelationID, &r.CausationID, &r.Source, &r.Priority, &r.Tags, &r.Payload, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("%s - scan event: %w", pgLogPrefix, err)
		}
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate events: %w", pgLogPrefix, err)
	}
	return out, nil
}

// LoadEvents returns an aggregate's events in version order.
func (s *PostgresStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64, limit int) ([]eventstore.DomainEvent, error) {
	return s.QueryEvents(ctx, eventstore.Filter{AggregateID: aggregateID, FromVersion: fromVersion, ToVersion: toVersion, Limit: limit})
}

// QueryEvents returns events matching f in append order.
func (s *PostgresStore) QueryEvents(ctx context.Context, f eventstore.Filter) ([]eventstore.DomainEvent, error) {
	q, args := eventQuery(f, dollar, func(arg string) string {
		return fmt.Sprintf("tags @> jsonb_build_array(%s::text)", arg)
	})
	slog.Debug(fmt.Sprintf("%s - QueryEvents %s", pgLogPrefix, q))
	return s.queryEvents(ctx, q, args...)
}

// LatestVersion returns the highest stored version of an aggregate, 0 when none.
func (s *PostgresStore) LatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM comms_events WHERE aggregate_id = $1`, aggregateID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("%s - latest version of %s: %w", pgLogPrefix, aggregateID, err)
	}
	return v, nil
}

// SaveSnapshot replaces the aggregate's snapshot unless a newer one is stored.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO comms_snapshots (aggregate_id, version, data, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_id) DO UPDATE SET
		   version = EXCLUDED.version, data = EXCLUDED.data, created_at = EXCLUDED.created_at
		 WHERE comms_snapshots.version <= EXCLUDED.version`,
		snap.AggregateID, snap.Version, data, snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%s - save snapshot of %s: %w", pgLogPrefix, snap.AggregateID, err)
	}
	return nil
}

// LoadSnapshot returns nil when the aggregate has no snapshot.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, aggregateID string) (*eventstore.Snapshot, error) {
	var (
		version   int64
		data      []byte
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, data, created_at FROM comms_snapshots WHERE aggregate_id = $1`, aggregateID).
		Scan(&version, &data, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - load snapshot of %s: %w", pgLogPrefix, aggregateID, err)
	}
	return decodeSnapshot(aggregateID, version, data, createdAt)
}

// SaveDeadLetter upserts a dead letter by key.
func (s *PostgresStore) SaveDeadLetter(ctx context.Context, dl msgstore.DeadLetter) error {
	r, err := toDeadLetterRow(dl)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO comms_dead_letters (key, message_id, destination, attempts, code, reason, message, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO UPDATE SET
		   attempts = EXCLUDED.attempts, code = EXCLUDED.code, reason = EXCLUDED.reason,
		   message = EXCLUDED.message, failed_at = EXCLUDED.failed_at`,
		r.Key, r.MessageID, r.Destination, r.Attempts, r.Code, r.Reason, r.Message, r.FailedAt)
	if err != nil {
		return fmt.Errorf("%s - save dead letter %s: %w", pgLogPrefix, r.Key, err)
	}
	return nil
}

// DeleteDeadLetter removes a dead letter; a missing key is not an error.
func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM comms_dead_letters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%s - delete dead letter %s: %w", pgLogPrefix, key, err)
	}
	return nil
}

const deadLetterColumns = `key, message_id, destination, attempts, code, reason, message, failed_at`

func scanDeadLetter(row pgx.Row) (*msgstore.DeadLetter, error) {
	var r deadLetterRow
	if err := row.Scan(&r.Key, &r.MessageID, &r.Destination, &r.Attempts, &r.Code, &r.Reason, &r.Message, &r.FailedAt); err != nil {
		return nil, err
	}
	dl, err := r.deadLetter()
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// GetDeadLetter returns nil when key is unknown.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, key string) (*msgstore.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM comms_dead_letters WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - get dead letter %s: %w", pgLogPrefix, key, err)
	}
	return dl, nil
}

// ListDeadLetters returns the newest dead letters first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]msgstore.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+deadLetterColumns+` FROM comms_dead_letters ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list dead letters: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []msgstore.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("%s - scan dead letter: %w", pgLogPrefix, err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}
