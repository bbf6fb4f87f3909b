package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Backend is a remote event store that owns a network connection.
type Backend interface {
	io.Closer

	Ping(ctx context.Context) error
	NewID(ctx context.Context, orgID string) (string, error)
	Insert(ctx context.Context, orgID string, ev *model.Event) error
	Update(ctx context.Context, orgID, id string, ev *model.Event) error
	Delete(ctx context.Context, orgID, id string) error
	GetByID(ctx context.Context, orgID, id string) (*model.Event, error)
	GetAll(ctx context.Context, orgID string) ([]*model.Event, error)
	GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error)
}

var (
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*RedisStore)(nil)
)

// Options selects and locates the remote backend.
type Options struct {
	Driver string
	URL    string

	// DialTimeout bounds the startup ping and migration.
	DialTimeout time.Duration
}

// Open builds the configured backend. Connections are made lazily: when the
// server cannot be reached yet, the failed ping is logged and the backend is
// returned anyway so callers can run from their local cache. The Postgres
// schema is applied by the first operation that reaches the server.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Backend, error) {
	var backend Backend
	switch opts.Driver {
	case DriverPostgres:
		pool, err := NewPostgresPool(ctx, opts.URL)
		if err != nil {
			return nil, err
		}
		backend = NewPostgresStore(pool)

	case DriverRedis:
		client, err := NewRedisClient(opts.URL)
		if err != nil {
			return nil, err
		}
		backend = NewRedisStore(client)

	default:
		return nil, fmt.Errorf("unknown remote driver %q", opts.Driver)
	}

	pctx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	if err := backend.Ping(pctx); err != nil {
		logger.Warn("remote store unreachable, continuing from the local cache",
			"driver", opts.Driver, "error", err)
		return backend, nil
	}
	if pg, ok := backend.(*PostgresStore); ok {
		if err := pg.Migrate(pctx); err != nil {
			logger.Warn("applying postgres schema failed, retrying on first use", "error", err)
			return backend, nil
		}
	}
	logger.Info("remote store ready", "driver", opts.Driver)
	return backend, nil
}
