// Package sync implements the offline-first synchronization engine for
// organization-scoped calendar events. Every read and write is attempted
// against the authoritative remote store first and falls back to the local
// cache when the remote is unreachable; reconciliation brings the two back
// in line using per-event version numbers.
//
// The package contains two main components:
//
//   - [Engine] exposes the store contract upward and runs reconciliation.
//   - [Poller] synchronizes a fixed set of organizations on an interval.
package sync

import (
	"context"
	"time"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// Store is the contract shared by the local cache, the remote store, and the
// engine itself. Lookups return (nil, nil) for unknown ids.
type Store interface {
	Insert(ctx context.Context, orgID string, ev *model.Event) error
	Update(ctx context.Context, orgID, id string, ev *model.Event) error
	Delete(ctx context.Context, orgID, id string) error
	GetByID(ctx context.Context, orgID, id string) (*model.Event, error)
	GetAll(ctx context.Context, orgID string) ([]*model.Event, error)
	GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error)
}

// LocalStore is the on-device cache. Implemented by [local.Store].
type LocalStore interface {
	Store
	Tombstones(ctx context.Context, orgID string) ([]model.Tombstone, error)
	ClearTombstone(ctx context.Context, orgID, id string) error
}

// RemoteStore is the authoritative shared store. Implemented by
// [remote.PostgresStore] and [remote.RedisStore].
type RemoteStore interface {
	Store
	NewID(ctx context.Context, orgID string) (string, error)
}
