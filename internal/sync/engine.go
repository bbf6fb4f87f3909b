package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/swent-agendapp/eventsync/internal/model"
)

const (
	otelScope            = "eventsync/sync"
	spanReconcile        = "sync.reconcile"
	metricRemoteFailures = "eventsync.remote.failures"
	metricPulled         = "eventsync.reconcile.pulled"
	metricPushed         = "eventsync.reconcile.pushed"
	metricRepaired       = "eventsync.reconcile.repaired"
	metricPushFailed     = "eventsync.reconcile.push_failed"

	// DefaultRemoteTimeout bounds each remote call unless overridden.
	DefaultRemoteTimeout = 10 * time.Second
)

// Engine is the store the application talks to. It tries the remote store
// first on every operation, degrades to the local cache on failure, and
// reconciles the two on every successful collection read. Create one with
// [NewEngine].
type Engine struct {
	local  LocalStore
	remote RemoteStore

	sink          ErrorSink
	log           *slog.Logger
	remoteTimeout time.Duration
	now           func() time.Time

	// flights collapses concurrent full synchronizations of one organization.
	flights singleflight.Group

	// OTel instruments, never nil (no-op until telemetry is set up).
	tracer            trace.Tracer
	cntRemoteFailures metric.Int64Counter
	cntPulled         metric.Int64Counter
	cntPushed         metric.Int64Counter
	cntRepaired       metric.Int64Counter
	cntPushFailed     metric.Int64Counter
}

// Option configures an [Engine].
type Option func(*Engine)

// WithErrorSink installs the callback notified of every failed remote attempt.
func WithErrorSink(sink ErrorSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger sets the engine logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithRemoteTimeout bounds every remote call.
func WithRemoteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.remoteTimeout = d
		}
	}
}

// WithClock overrides the time source used by the worked-hours reports.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires an engine over the given stores.
func NewEngine(local LocalStore, remote RemoteStore, opts ...Option) *Engine {
	e := &Engine{
		local:         local,
		remote:        remote,
		log:           slog.Default(),
		remoteTimeout: DefaultRemoteTimeout,
		now:           time.Now,
		tracer:        otel.Tracer(otelScope),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			e.log.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	e.cntRemoteFailures = mustCounter(metricRemoteFailures, "Number of failed remote store attempts")
	e.cntPulled = mustCounter(metricPulled, "Number of events pulled from the remote store")
	e.cntPushed = mustCounter(metricPushed, "Number of events pushed to the remote store")
	e.cntRepaired = mustCounter(metricRepaired, "Number of storage statuses repaired")
	e.cntPushFailed = mustCounter(metricPushFailed, "Number of failed pushes during reconcile")
	return e
}

// NewID mints an event id from the remote store. There is no local fallback:
// a locally minted id could collide across devices.
func (e *Engine) NewID(ctx context.Context, orgID string) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	id, err := e.remote.NewID(rctx, orgID)
	if err != nil {
		return "", fmt.Errorf("minting event id for %q: %w", orgID, asUnavailable(err))
	}
	return id, nil
}

// Insert stores a new event. A remote failure is reported to the sink and the
// event is kept locally tagged {LOCAL}; only local and validation failures are
// returned.
func (e *Engine) Insert(ctx context.Context, orgID string, ev *model.Event) error {
	if err := model.CheckTenant(orgID, ev); err != nil {
		return err
	}

	rec := ev.WithStatus(model.StatusSynced)
	out := attemptErr(ctx, e, InsertFailed, func(ctx context.Context) error {
		return e.remote.Insert(ctx, orgID, rec)
	})
	if !out.OK() {
		rec.StorageStatus = model.StatusLocal
	}

	if err := e.local.Insert(context.WithoutCancel(ctx), orgID, rec); err != nil {
		return fmt.Errorf("inserting event locally: %w", err)
	}
	return nil
}

// Update replaces an event. The local copy always adopts the attempted
// content; it is tagged {LOCAL} when the remote attempt failed so the next
// reconcile pushes it.
func (e *Engine) Update(ctx context.Context, orgID, id string, ev *model.Event) error {
	if err := model.CheckTenant(orgID, ev); err != nil {
		return err
	}

	rec := ev.WithStatus(model.StatusSynced)
	rec.ID = id
	out := attemptErr(ctx, e, UpdateFailed, func(ctx context.Context) error {
		return e.remote.Update(ctx, orgID, id, rec)
	})
	if !out.OK() {
		rec.StorageStatus = model.StatusLocal
	}

	if err := e.local.Update(context.WithoutCancel(ctx), orgID, id, rec); err != nil {
		return fmt.Errorf("updating event locally: %w", err)
	}
	return nil
}

// Delete removes an event from both stores. The local delete always runs and
// its failure (unknown or already deleted id) is returned. When the remote
// delete failed the local tombstone is kept for the next reconcile.
func (e *Engine) Delete(ctx context.Context, orgID, id string) error {
	out := attemptErr(ctx, e, DeleteFailed, func(ctx context.Context) error {
		return e.remote.Delete(ctx, orgID, id)
	})

	lctx := context.WithoutCancel(ctx)
	if err := e.local.Delete(lctx, orgID, id); err != nil {
		return fmt.Errorf("deleting event locally: %w", err)
	}
	if out.OK() {
		if err := e.local.ClearTombstone(lctx, orgID, id); err != nil {
			return err
		}
	}
	return nil
}

// GetByID reads through the remote store. A remote hit refreshes the local
// copy unless the local copy is newer or soft-deleted; the newer of the two is
// returned. On remote failure the local copy is returned.
func (e *Engine) GetByID(ctx context.Context, orgID, id string) (*model.Event, error) {
	out := attempt(ctx, e, GetFailed, func(ctx context.Context) (*model.Event, error) {
		return e.remote.GetByID(ctx, orgID, id)
	})

	lctx := context.WithoutCancel(ctx)
	loc, err := e.local.GetByID(lctx, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("reading event locally: %w", err)
	}
	if !out.OK() || out.Value == nil {
		return loc, nil
	}

	rem := out.Value.WithStatus(model.StatusSynced)
	switch {
	case loc == nil:
		tombstoned, err := e.isTombstoned(lctx, orgID, id)
		if err != nil {
			return nil, err
		}
		if tombstoned {
			return nil, nil
		}
		if err := e.local.Insert(lctx, orgID, rem); err != nil {
			return nil, fmt.Errorf("caching event locally: %w", err)
		}
		return rem, nil

	case loc.Deleted:
		return loc, nil

	case rem.Version < loc.Version:
		return loc, nil

	default:
		if needsRefresh(loc, rem) {
			if err := e.local.Update(lctx, orgID, id, rem); err != nil {
				return nil, fmt.Errorf("refreshing event locally: %w", err)
			}
		}
		return rem, nil
	}
}

// GetAll returns the organization's remote records once the local cache has
// been reconciled against them, or the local records when the remote store is
// unreachable.
func (e *Engine) GetAll(ctx context.Context, orgID string) ([]*model.Event, error) {
	res, err := e.syncAll(ctx, orgID)
	if errors.Is(err, errRemoteRead) {
		events, err := e.local.GetAll(context.WithoutCancel(ctx), orgID)
		if err != nil {
			return nil, fmt.Errorf("listing events locally: %w", err)
		}
		return events, nil
	}
	if err != nil {
		return nil, err
	}
	return cloneAll(res.results), nil
}

// GetBetween returns the remote events intersecting [start, end] after
// reconciling them with the local records in the same range.
func (e *Engine) GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error) {
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}

	out := attempt(ctx, e, GetFailed, func(ctx context.Context) ([]*model.Event, error) {
		return e.remote.GetBetween(ctx, orgID, start, end)
	})

	lctx := context.WithoutCancel(ctx)
	if !out.OK() {
		events, err := e.local.GetBetween(lctx, orgID, start, end)
		if err != nil {
			return nil, fmt.Errorf("listing events locally: %w", err)
		}
		return events, nil
	}

	_, results, err := e.reconcile(ctx, orgID, out.Value, rangeScope(start, end))
	if err != nil {
		return nil, err
	}
	// A pushed local copy may lie outside the window.
	inRange := results[:0]
	for _, ev := range results {
		if ev.Overlaps(start, end) {
			inRange = append(inRange, ev)
		}
	}
	return inRange, nil
}

// Synchronize pulls the organization's remote collection and reconciles the
// local cache against it. A remote failure is reported to the sink and
// returned wrapped with model.ErrRemoteUnavailable.
func (e *Engine) Synchronize(ctx context.Context, orgID string) (Stats, error) {
	res, err := e.syncAll(ctx, orgID)
	if err != nil {
		return Stats{}, fmt.Errorf("synchronizing %q: %w", orgID, err)
	}
	return res.stats, nil
}

// errRemoteRead marks a syncAll failure caused by the remote read, after the
// failure has been reported.
var errRemoteRead = fmt.Errorf("remote read failed: %w", model.ErrRemoteUnavailable)

type syncResult struct {
	stats   Stats
	results []*model.Event
}

// syncAll runs one full remote read plus reconcile. Concurrent callers for the
// same organization share a single pass, and therefore a single sink report.
func (e *Engine) syncAll(ctx context.Context, orgID string) (syncResult, error) {
	v, err, _ := e.flights.Do(orgID, func() (any, error) {
		out := attempt(ctx, e, GetFailed, func(ctx context.Context) ([]*model.Event, error) {
			return e.remote.GetAll(ctx, orgID)
		})
		if !out.OK() {
			return syncResult{}, fmt.Errorf("%w: %w", errRemoteRead, out.Err)
		}
		stats, results, err := e.reconcile(ctx, orgID, out.Value, fullScope())
		if err != nil {
			return syncResult{}, err
		}
		return syncResult{stats: stats, results: results}, nil
	})
	if err != nil {
		return syncResult{}, err
	}
	return v.(syncResult), nil
}

func (e *Engine) isTombstoned(ctx context.Context, orgID, id string) (bool, error) {
	tombs, err := e.local.Tombstones(ctx, orgID)
	if err != nil {
		return false, fmt.Errorf("listing tombstones: %w", err)
	}
	for _, t := range tombs {
		if t.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// needsRefresh reports whether writing rem over loc would change anything.
func needsRefresh(loc, rem *model.Event) bool {
	return loc.Version != rem.Version ||
		loc.StorageStatus != rem.StorageStatus ||
		loc.ContentHash() != rem.ContentHash()
}

func cloneAll(events []*model.Event) []*model.Event {
	out := make([]*model.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}
