// Package local manages the on-device SQLite cache of event records.
//
// The cache is always available and is the store of last resort: it enforces
// the identity and lifecycle invariants of the event contract on its own,
// independent of any remote system. Only this package may open or query the
// database. All other packages receive a [*Store] and call its methods.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/swent-agendapp/eventsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    org_id            TEXT    NOT NULL,
    id                TEXT    NOT NULL,
    title             TEXT    NOT NULL DEFAULT '',
    description       TEXT    NOT NULL DEFAULT '',
    start_us          INTEGER NOT NULL, -- unix microseconds
    end_us            INTEGER NOT NULL,
    location          TEXT    NOT NULL DEFAULT '',
    personal_notes    TEXT    NOT NULL DEFAULT '',
    participants      TEXT    NOT NULL DEFAULT '[]',
    presence          TEXT    NOT NULL DEFAULT '{}',
    category          TEXT    NOT NULL DEFAULT '',
    recurrence_status TEXT    NOT NULL DEFAULT '',
    version           INTEGER NOT NULL,
    storage_status    INTEGER NOT NULL,
    deleted           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (org_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_range ON events (org_id, start_us, end_us);

CREATE TABLE IF NOT EXISTS tombstones (
    org_id     TEXT    NOT NULL,
    id         TEXT    NOT NULL,
    deleted_at INTEGER NOT NULL,
    PRIMARY KEY (org_id, id)
);
`

const selectColumns = `
		SELECT org_id, id, title, description, start_us, end_us, location,
		       personal_notes, participants, presence, category,
		       recurrence_status, version, storage_status, deleted
		FROM events`

// Store is the SQLite-backed event cache.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the cache database:
// ~/.local/share/eventsync/events.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "eventsync", "events.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a new event. It fails with [model.ErrDuplicateID] if the
// (orgID, ev.ID) pair already exists, soft-deleted rows included. Inserting an
// id clears any tombstone left by an earlier hard delete.
func (s *Store) Insert(ctx context.Context, orgID string, ev *model.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO events
			    (org_id, id, title, description, start_us, end_us, location,
			     personal_notes, participants, presence, category,
			     recurrence_status, version, storage_status, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, id) DO NOTHING`

		args, err := rowArgs(ev)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q, append([]any{orgID, ev.ID}, args...)...)
		if err != nil {
			return fmt.Errorf("inserting event %q: %w", ev.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("inserting event %q: %w", ev.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("inserting event %q in %q: %w", ev.ID, orgID, model.ErrDuplicateID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE org_id = ? AND id = ?`, orgID, ev.ID); err != nil {
			return fmt.Errorf("clearing tombstone for %q: %w", ev.ID, err)
		}
		return nil
	})
}

// Update replaces the stored event with ev. The stored id is always id; the
// version is not compared (last writer wins). It fails with
// [model.ErrNotFound] if absent and [model.ErrInvalidState] if the stored row
// is soft-deleted.
func (s *Store) Update(ctx context.Context, orgID, id string, ev *model.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := liveRow(ctx, tx, orgID, id, model.ErrInvalidState); err != nil {
			return fmt.Errorf("updating event %q in %q: %w", id, orgID, err)
		}

		const q = `
			UPDATE events SET
			    title = ?, description = ?, start_us = ?, end_us = ?,
			    location = ?, personal_notes = ?, participants = ?,
			    presence = ?, category = ?, recurrence_status = ?,
			    version = ?, storage_status = ?, deleted = ?
			WHERE org_id = ? AND id = ?`

		args, err := rowArgs(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, append(args, orgID, id)...); err != nil {
			return fmt.Errorf("updating event %q: %w", id, err)
		}
		return nil
	})
}

// Delete physically removes the event and records a tombstone. It fails with
// [model.ErrNotFound] if the id is absent or soft-deleted.
func (s *Store) Delete(ctx context.Context, orgID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := liveRow(ctx, tx, orgID, id, model.ErrNotFound); err != nil {
			return fmt.Errorf("deleting event %q in %q: %w", id, orgID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE org_id = ? AND id = ?`, orgID, id); err != nil {
			return fmt.Errorf("deleting event %q: %w", id, err)
		}
		const q = `
			INSERT INTO tombstones (org_id, id, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT(org_id, id) DO UPDATE SET deleted_at = excluded.deleted_at`
		if _, err := tx.ExecContext(ctx, q, orgID, id, s.now().UTC().UnixMicro()); err != nil {
			return fmt.Errorf("recording tombstone for %q: %w", id, err)
		}
		return nil
	})
}

// GetByID returns the event with the given id, or (nil, nil) if no such event
// exists. Soft-deleted events are returned with Deleted set.
func (s *Store) GetByID(ctx context.Context, orgID, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE org_id = ? AND id = ?`, orgID, id)
	return scanEvent(row)
}

// GetAll returns every non-deleted event of the organization.
func (s *Store) GetAll(ctx context.Context, orgID string) ([]*model.Event, error) {
	const where = ` WHERE org_id = ? AND deleted = 0 ORDER BY start_us, id`
	return s.query(ctx, selectColumns+where, orgID)
}

// GetBetween returns the non-deleted events whose interval intersects
// [start, end], inclusive at both ends. It fails with [model.ErrInvalidRange]
// if start is after end.
func (s *Store) GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error) {
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}
	const where = `
		WHERE org_id = ? AND deleted = 0 AND start_us <= ? AND end_us >= ?
		ORDER BY start_us, id`
	return s.query(ctx, selectColumns+where, orgID, end.UnixMicro(), start.UnixMicro())
}

// Tombstones lists the hard deletes of the organization that have not yet been
// confirmed by the remote store.
func (s *Store) Tombstones(ctx context.Context, orgID string) ([]model.Tombstone, error) {
	const q = `SELECT org_id, id, deleted_at FROM tombstones WHERE org_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying tombstones for %q: %w", orgID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Tombstone
	for rows.Next() {
		var ts model.Tombstone
		var deletedAt int64
		if err := rows.Scan(&ts.OrganizationID, &ts.ID, &deletedAt); err != nil {
			return nil, fmt.Errorf("scanning tombstone row: %w", err)
		}
		ts.DeletedAt = time.UnixMicro(deletedAt).UTC()
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ClearTombstone forgets a hard delete once the remote store has confirmed it.
// Clearing an unknown tombstone is a no-op.
func (s *Store) ClearTombstone(ctx context.Context, orgID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE org_id = ? AND id = ?`, orgID, id); err != nil {
		return fmt.Errorf("clearing tombstone for %q: %w", id, err)
	}
	return nil
}

// Summary counts the cache contents of one organization.
type Summary struct {
	Live       int // non-deleted events
	LocalOnly  int // non-deleted events not yet confirmed remotely
	SoftDelete int // events carrying the deleted marker
	Tombstones int // hard deletes awaiting remote confirmation
}

// Summarize returns the cache counts for orgID.
func (s *Store) Summarize(ctx context.Context, orgID string) (Summary, error) {
	const q = `
		SELECT
		    COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN deleted = 0 AND (storage_status & ?) = 0 THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0),
		    (SELECT COUNT(*) FROM tombstones WHERE org_id = ?)
		FROM events WHERE org_id = ?`
	var sum Summary
	err := s.db.QueryRowContext(ctx, q, int(model.StatusRemote), orgID, orgID).
		Scan(&sum.Live, &sum.LocalOnly, &sum.SoftDelete, &sum.Tombstones)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing cache for %q: %w", orgID, err)
	}
	return sum, nil
}

// IsEmpty reports whether the cache holds no events for orgID.
func (s *Store) IsEmpty(ctx context.Context, orgID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE org_id = ?`, orgID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking if cache is empty: %w", err)
	}
	return count == 0, nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// liveRow checks that (orgID, id) exists and is not soft-deleted. A missing
// row yields ErrNotFound; a soft-deleted one yields deletedErr.
func liveRow(ctx context.Context, tx *sql.Tx, orgID, id string, deletedErr error) error {
	var deleted bool
	err := tx.QueryRowContext(ctx, `SELECT deleted FROM events WHERE org_id = ? AND id = ?`, orgID, id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up event: %w", err)
	}
	if deleted {
		return deletedErr
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// rowArgs returns the payload columns in schema order, starting at title.
func rowArgs(ev *model.Event) ([]any, error) {
	participants, err := json.Marshal(nonNilSlice(ev.Participants))
	if err != nil {
		return nil, fmt.Errorf("encoding participants of %q: %w", ev.ID, err)
	}
	presence, err := json.Marshal(nonNilMap(ev.Presence))
	if err != nil {
		return nil, fmt.Errorf("encoding presence of %q: %w", ev.ID, err)
	}
	return []any{
		ev.Title,
		ev.Description,
		ev.StartTime.UnixMicro(),
		ev.EndTime.UnixMicro(),
		ev.Location,
		ev.PersonalNotes,
		string(participants),
		string(presence),
		ev.Category,
		string(ev.RecurrenceStatus),
		ev.Version,
		int(ev.StorageStatus),
		ev.Deleted,
	}, nil
}

// scanner matches both *sql.Row and *sql.Rows so scanEvent can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*model.Event, error) {
	var ev model.Event
	var startUS, endUS int64
	var participants, presence, recurrence string
	var status int

	err := s.Scan(
		&ev.OrganizationID,
		&ev.ID,
		&ev.Title,
		&ev.Description,
		&startUS,
		&endUS,
		&ev.Location,
		&ev.PersonalNotes,
		&participants,
		&presence,
		&ev.Category,
		&recurrence,
		&ev.Version,
		&status,
		&ev.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.StartTime = time.UnixMicro(startUS).UTC()
	ev.EndTime = time.UnixMicro(endUS).UTC()
	ev.RecurrenceStatus = model.RecurrenceStatus(recurrence)
	ev.StorageStatus = model.StorageStatus(status)
	if err := json.Unmarshal([]byte(participants), &ev.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants of %q: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(presence), &ev.Presence); err != nil {
		return nil, fmt.Errorf("decoding presence of %q: %w", ev.ID, err)
	}
	return &ev, nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}
