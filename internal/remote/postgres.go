package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swent-agendapp/eventsync/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
    org_id            TEXT        NOT NULL,
    id                TEXT        NOT NULL,
    title             TEXT        NOT NULL DEFAULT '',
    description       TEXT        NOT NULL DEFAULT '',
    start_time        TIMESTAMPTZ NOT NULL,
    end_time          TIMESTAMPTZ NOT NULL,
    location          TEXT        NOT NULL DEFAULT '',
    personal_notes    TEXT        NOT NULL DEFAULT '',
    participants      TEXT[]      NOT NULL DEFAULT '{}',
    presence          JSONB       NOT NULL DEFAULT '{}',
    category          TEXT        NOT NULL DEFAULT '',
    recurrence_status TEXT        NOT NULL DEFAULT '',
    version           BIGINT      NOT NULL,
    storage_status    SMALLINT    NOT NULL,
    deleted           BOOLEAN     NOT NULL DEFAULT FALSE,
    PRIMARY KEY (org_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_org_range ON events (org_id, start_time, end_time);
`

const pgColumns = `org_id, id, title, description, start_time, end_time, location,
	personal_notes, participants, presence, category, recurrence_status,
	version, storage_status, deleted`

const (
	pgMaxConns        = 10
	pgMinConns        = 1
	pgMaxConnLifetime = 10 * time.Minute
	pgMaxConnIdleTime = 5 * time.Minute
)

// PostgresStore is the remote event store backed by a shared Postgres
// database.
type PostgresStore struct {
	pool         *pgxpool.Pool
	readAttempts int

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewPostgresPool parses databaseURL and sizes the pool. Connections are
// established lazily, so an unreachable server is not an error here.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	cfg.MaxConns = pgMaxConns
	cfg.MinConns = pgMinConns
	cfg.MaxConnLifetime = pgMaxConnLifetime
	cfg.MaxConnIdleTime = pgMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps a pool. The schema is applied by the first operation
// that reaches the server, or explicitly with [PostgresStore.Migrate].
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, readAttempts: defaultReadAttempts}
}

// Migrate applies the schema DDL idempotently.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	return s.migrateLocked(ctx)
}

// Ping checks that the server answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("pinging postgres", err)
	}
	return nil
}

func (s *PostgresStore) migrateLocked(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return unavailable("applying postgres schema", err)
	}
	s.schemaReady = true
	return nil
}

// ensureSchema migrates once, retrying on later calls until it succeeds.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	return s.migrateLocked(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// NewID mints an identifier accepted by every store.
func (s *PostgresStore) NewID(_ context.Context, _ string) (string, error) {
	return uuid.NewString(), nil
}

func (s *PostgresStore) Insert(ctx context.Context, orgID string, ev *model.Event) error {
	q := `INSERT INTO events (` + pgColumns + `)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	      ON CONFLICT (org_id, id) DO NOTHING`

	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, q, append([]any{orgID, ev.ID}, pgArgs(ev)...)...)
	if err != nil {
		return unavailable("inserting event", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inserting event %q in %q: %w", ev.ID, orgID, model.ErrDuplicateID)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, orgID, id string, ev *model.Event) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("beginning update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deleted bool
	err = tx.QueryRow(ctx,
		`SELECT deleted FROM events WHERE org_id = $1 AND id = $2 FOR UPDATE`,
		orgID, id).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("updating event %q in %q: %w", id, orgID, model.ErrNotFound)
	}
	if err != nil {
		return unavailable("locking event", err)
	}
	if deleted {
		return fmt.Errorf("updating event %q in %q: %w", id, orgID, model.ErrInvalidState)
	}

	const q = `UPDATE events SET
	               title = $3, description = $4, start_time = $5, end_time = $6,
	               location = $7, personal_notes = $8, participants = $9,
	               presence = $10, category = $11, recurrence_status = $12,
	               version = $13, storage_status = $14, deleted = $15
	           WHERE org_id = $1 AND id = $2`
	if _, err := tx.Exec(ctx, q, append([]any{orgID, id}, pgArgs(ev)...)...); err != nil {
		return unavailable("updating event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("committing update", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, orgID, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE org_id = $1 AND id = $2 AND NOT deleted`,
		orgID, id)
	if err != nil {
		return unavailable("deleting event", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deleting event %q in %q: %w", id, orgID, model.ErrNotFound)
	}
	return nil
}

// GetByID returns the event or (nil, nil) when it does not exist.
func (s *PostgresStore) GetByID(ctx context.Context, orgID, id string) (*model.Event, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var ev *model.Event
	err := Retry(ctx, s.readAttempts, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+pgColumns+` FROM events WHERE org_id = $1 AND id = $2`, orgID, id)
		var err error
		ev, err = scanPgEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			ev = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, unavailable("reading event", err)
	}
	return ev, nil
}

func (s *PostgresStore) GetAll(ctx context.Context, orgID string) ([]*model.Event, error) {
	return s.list(ctx,
		`SELECT `+pgColumns+` FROM events
		 WHERE org_id = $1 AND NOT deleted
		 ORDER BY start_time, id`, orgID)
}

func (s *PostgresStore) GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error) {
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}
	return s.list(ctx,
		`SELECT `+pgColumns+` FROM events
		 WHERE org_id = $1 AND NOT deleted AND start_time <= $2 AND end_time >= $3
		 ORDER BY start_time, id`, orgID, end.UTC(), start.UTC())
}

func (s *PostgresStore) list(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var events []*model.Event
	err := Retry(ctx, s.readAttempts, func() error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			ev, err := scanPgEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable("listing events", err)
	}
	return events, nil
}

// pgArgs returns the payload parameters in column order, starting at title.
func pgArgs(ev *model.Event) []any {
	participants := ev.Participants
	if participants == nil {
		participants = []string{}
	}
	presence := ev.Presence
	if presence == nil {
		presence = map[string]bool{}
	}
	return []any{
		ev.Title,
		ev.Description,
		model.StoredTime(ev.StartTime),
		model.StoredTime(ev.EndTime),
		ev.Location,
		ev.PersonalNotes,
		participants,
		presence,
		ev.Category,
		string(ev.RecurrenceStatus),
		ev.Version,
		int16(ev.StorageStatus),
		ev.Deleted,
	}
}

func scanPgEvent(row pgx.Row) (*model.Event, error) {
	var ev model.Event
	var recurrence string
	var status int16
	err := row.Scan(
		&ev.OrganizationID,
		&ev.ID,
		&ev.Title,
		&ev.Description,
		&ev.StartTime,
		&ev.EndTime,
		&ev.Location,
		&ev.PersonalNotes,
		&ev.Participants,
		&ev.Presence,
		&ev.Category,
		&recurrence,
		&ev.Version,
		&status,
		&ev.Deleted,
	)
	if err != nil {
		return nil, err
	}
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	ev.RecurrenceStatus = model.RecurrenceStatus(recurrence)
	ev.StorageStatus = model.StorageStatus(status)
	return &ev, nil
}
