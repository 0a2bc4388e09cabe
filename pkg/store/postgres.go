package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/pushkit/pkg/event"
)

// PostgresConfig configures the PostgreSQL-backed store.
type PostgresConfig struct {
	ConnectionString string        `env:"PUSHKIT_PG_CONN_URL,required"`              // ConnectionString is the connection string to the database.
	MaxOpenConns     int32         `env:"PUSHKIT_PG_MAX_OPEN_CONNS" envDefault:"10"` // MaxOpenConns is the maximum number of open connections.
	MaxIdleConns     int32         `env:"PUSHKIT_PG_MAX_IDLE_CONNS" envDefault:"5"`  // MaxIdleConns is the maximum number of idle connections.
	RetryAttempts    int           `env:"PUSHKIT_PG_RETRY_ATTEMPTS" envDefault:"3"`  // RetryAttempts is the number of retry attempts to connect.
	RetryInterval    time.Duration `env:"PUSHKIT_PG_RETRY_INTERVAL" envDefault:"5s"` // RetryInterval is the interval between retry attempts.
}

// Schema is the DDL the PostgresStore expects. Apply it with your migration
// tooling of choice.
const Schema = `
CREATE TABLE IF NOT EXISTS pushkit_events (
	id           UUID PRIMARY KEY,
	event_type   TEXT        NOT NULL,
	payload      JSONB       NOT NULL DEFAULT '{}',
	target       TEXT        NOT NULL DEFAULT '',
	priority     SMALLINT    NOT NULL DEFAULT 0,
	persistent   BOOLEAN     NOT NULL DEFAULT TRUE,
	status       TEXT        NOT NULL DEFAULT 'queued',
	attempt      INT         NOT NULL DEFAULT 0,
	read         BOOLEAN     NOT NULL DEFAULT FALSE,
	read_at      TIMESTAMPTZ,
	delivered_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pushkit_events_target_idx  ON pushkit_events (target, created_at);
CREATE INDEX IF NOT EXISTS pushkit_events_expires_idx ON pushkit_events (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS pushkit_event_reads (
	event_id  UUID NOT NULL REFERENCES pushkit_events (id) ON DELETE CASCADE,
	recipient TEXT NOT NULL,
	read_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (event_id, recipient)
);
`

// PostgresStore persists events in PostgreSQL via a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres establishes a PostgreSQL connection pool with retry logic.
// Linear backoff between attempts avoids hammering a database that is still
// starting up alongside the service.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConnString, err)
	}
	connConfig.MaxConns = cfg.MaxOpenConns
	connConfig.MinConns = cfg.MaxIdleConns

	for i := 0; i < cfg.RetryAttempts; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, connConfig)
		if err != nil {
			time.Sleep(time.Duration(i+1) * cfg.RetryInterval)
			continue
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			time.Sleep(time.Duration(i+1) * cfg.RetryInterval)
			continue
		}

		return &PostgresStore{pool: pool}, nil
	}

	return nil, ErrFailedToOpenConnection
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies the database connection. Used by readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Persist(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pushkit_events
			(id, event_type, payload, target, priority, persistent, status, attempt, read, read_at, delivered_at, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			read = EXCLUDED.read,
			read_at = EXCLUDED.read_at,
			delivered_at = EXCLUDED.delivered_at`,
		ev.ID, ev.Type, payload, ev.Target, ev.Priority, ev.Persistent,
		ev.Status, ev.Attempt, ev.Read, ev.ReadAt, ev.DeliveredAt,
		ev.CreatedAt, ev.ExpiresAt,
	)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

const eventColumns = `id, event_type, payload, target, priority, persistent, status, attempt, read, read_at, delivered_at, created_at, expires_at`

func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		ev      event.Event
		payload []byte
	)
	err := row.Scan(&ev.ID, &ev.Type, &payload, &ev.Target, &ev.Priority,
		&ev.Persistent, &ev.Status, &ev.Attempt, &ev.Read, &ev.ReadAt,
		&ev.DeliveredAt, &ev.CreatedAt, &ev.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("store: unmarshal payload: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM pushkit_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *PostgresStore) fetchVisible(ctx context.Context, recipient string, since *time.Time) ([]event.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM pushkit_events e
		WHERE (e.target = $1 OR e.target = '')
		  AND e.status <> 'expired'
		  AND (e.expires_at IS NULL OR e.expires_at > now())
		  AND NOT (e.target = $1 AND e.read)
		  AND NOT EXISTS (
			SELECT 1 FROM pushkit_event_reads r
			WHERE r.event_id = e.id AND r.recipient = $1
		  )`
	args := []any{recipient}
	if since != nil {
		query += ` AND e.created_at > $2`
		args = append(args, *since)
	}
	query += ` ORDER BY e.created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) FetchUnreadSince(ctx context.Context, recipient string, since time.Time) ([]event.Event, error) {
	return s.fetchVisible(ctx, recipient, &since)
}

func (s *PostgresStore) ListPending(ctx context.Context, recipient string) ([]event.Event, error) {
	return s.fetchVisible(ctx, recipient, nil)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pushkit_events
		SET status = 'delivered', delivered_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, recipient string, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	// Targeted events flip their own read flag; broadcast events record a
	// per-recipient read row instead.
	if _, err := s.pool.Exec(ctx, `
		UPDATE pushkit_events
		SET read = TRUE, read_at = now(), status = 'read'
		WHERE id = ANY($1) AND target = $2`, ids, recipient); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO pushkit_event_reads (event_id, recipient)
		SELECT id, $2 FROM pushkit_events WHERE id = ANY($1) AND target = ''
		ON CONFLICT DO NOTHING`, ids, recipient); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pushkit_events SET status = 'expired' WHERE id = $1`, id)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeRead(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pushkit_events
		WHERE read AND read_at IS NOT NULL AND read_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pushkit_events
		WHERE status = 'expired' OR (expires_at IS NOT NULL AND expires_at < now())`)
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}
