package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// action describes a single decision the reconciler takes for one event.
type action int

const (
	actionNone        action = iota
	actionPull               // remote is newer or unknown locally → overwrite local
	actionPush               // local is newer → push to remote
	actionRepair             // same version → mark local copy {LOCAL, REMOTE}
	actionPushDelete         // local soft-delete is newer → push the deleted marker
	actionKeepDeleted        // local soft-delete is terminal → leave it alone
)

func (a action) String() string {
	switch a {
	case actionNone:
		return "none"
	case actionPull:
		return "pull"
	case actionPush:
		return "push"
	case actionRepair:
		return "repair"
	case actionPushDelete:
		return "push_delete"
	case actionKeepDeleted:
		return "keep_deleted"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Stats tracks the work performed in a single reconcile pass.
type Stats struct {
	Pulled     int
	Pushed     int
	Repaired   int
	PushFailed int
	Deleted    int // local hard deletes propagated to the remote store
	Unchanged  int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Pulled += o.Pulled
	s.Pushed += o.Pushed
	s.Repaired += o.Repaired
	s.PushFailed += o.PushFailed
	s.Deleted += o.Deleted
	s.Unchanged += o.Unchanged
}

// Writes is the number of store mutations the pass performed.
func (s Stats) Writes() int {
	return s.Pulled + s.Pushed + s.Repaired + s.Deleted
}

// scope selects the local records a pass reconciles against. A full scope
// covers the whole organization; a ranged scope only the records
// intersecting [start, end].
type scope struct {
	full       bool
	start, end time.Time
}

func fullScope() scope { return scope{full: true} }

func rangeScope(start, end time.Time) scope {
	return scope{start: start, end: end}
}

func (sc scope) load(ctx context.Context, local LocalStore, orgID string) ([]*model.Event, error) {
	if sc.full {
		return local.GetAll(ctx, orgID)
	}
	return local.GetBetween(ctx, orgID, sc.start, sc.end)
}

// Reconcile brings the local cache of orgID in line with remoteRecords, the
// complete remote collection of the organization. It returns the pass
// statistics and the live remote records, each tagged with the stores that
// hold its version after the pass. Local-only records are pushed but not
// returned.
// Running it twice with the same inputs performs no writes the second time.
func (e *Engine) Reconcile(ctx context.Context, orgID string, remoteRecords []*model.Event) (Stats, []*model.Event, error) {
	return e.reconcile(ctx, orgID, remoteRecords, fullScope())
}

// reconcile runs one pass, recording a trace span and metrics.
func (e *Engine) reconcile(ctx context.Context, orgID string, remoteRecords []*model.Event, sc scope) (Stats, []*model.Event, error) {
	ctx, span := e.tracer.Start(ctx, spanReconcile, trace.WithAttributes(
		attribute.String("sync.org_id", orgID),
		attribute.Bool("sync.full", sc.full),
	))
	defer span.End()

	stats, results, err := e.runReconcile(ctx, orgID, remoteRecords, sc)

	mctx := context.WithoutCancel(ctx)
	if stats.Pulled > 0 {
		e.cntPulled.Add(mctx, int64(stats.Pulled))
	}
	if stats.Pushed > 0 {
		e.cntPushed.Add(mctx, int64(stats.Pushed))
	}
	if stats.Repaired > 0 {
		e.cntRepaired.Add(mctx, int64(stats.Repaired))
	}
	if stats.PushFailed > 0 {
		e.cntPushFailed.Add(mctx, int64(stats.PushFailed))
	}

	span.SetAttributes(
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.repaired", stats.Repaired),
		attribute.Int("sync.push_failed", stats.PushFailed),
		attribute.Int("sync.deleted", stats.Deleted),
	)
	if err != nil {
		span.RecordError(err)
		return stats, nil, err
	}

	e.log.Info("reconcile complete",
		"org", orgID,
		"full", sc.full,
		"pulled", stats.Pulled,
		"pushed", stats.Pushed,
		"repaired", stats.Repaired,
		"push_failed", stats.PushFailed,
		"deleted", stats.Deleted,
		"unchanged", stats.Unchanged,
	)
	return stats, results, nil
}

func (e *Engine) runReconcile(ctx context.Context, orgID string, remoteRecords []*model.Event, sc scope) (Stats, []*model.Event, error) {
	var stats Stats
	lctx := context.WithoutCancel(ctx)

	localRecords, err := sc.load(lctx, e.local, orgID)
	if err != nil {
		return stats, nil, fmt.Errorf("loading local events for %q: %w", orgID, err)
	}
	tombs, err := e.local.Tombstones(lctx, orgID)
	if err != nil {
		return stats, nil, fmt.Errorf("loading tombstones for %q: %w", orgID, err)
	}

	localByID := make(map[string]*model.Event, len(localRecords))
	for _, ev := range localRecords {
		localByID[ev.ID] = ev
	}
	tombstoned := make(map[string]bool, len(tombs))
	for _, t := range tombs {
		tombstoned[t.ID] = true
	}

	seen := make(map[string]bool, len(remoteRecords))
	results := make([]*model.Event, 0, len(remoteRecords))
	keep := func(ev *model.Event) {
		if ev != nil {
			results = append(results, ev)
		}
	}

	// 1. Every id the remote store knows about.
	for _, rem := range remoteRecords {
		if rem == nil || seen[rem.ID] {
			continue
		}
		seen[rem.ID] = true

		if tombstoned[rem.ID] {
			if !e.propagateDelete(ctx, orgID, rem.ID, &stats) && !rem.Deleted {
				keep(rem.WithStatus(model.StatusRemote))
			}
			continue
		}

		loc, ok := localByID[rem.ID]
		if !ok {
			// Outside the scope, soft-deleted, or genuinely unknown.
			if loc, err = e.local.GetByID(lctx, orgID, rem.ID); err != nil {
				return stats, nil, fmt.Errorf("reading local event %q: %w", rem.ID, err)
			}
		}

		ev, err := e.apply(ctx, orgID, rem, loc, &stats)
		if err != nil {
			return stats, nil, err
		}
		keep(remoteResult(rem, ev))
	}

	// 2. Local records the remote read did not return.
	for _, loc := range localRecords {
		if seen[loc.ID] {
			continue
		}

		if sc.full {
			_, err = e.push(ctx, orgID, loc, &stats)
		} else {
			err = e.reconcileOutOfScope(ctx, orgID, loc, &stats)
		}
		if err != nil {
			return stats, nil, err
		}
	}

	// 3. A full read that no longer returns a tombstoned id confirms the
	// remote delete.
	if sc.full {
		for _, t := range tombs {
			if seen[t.ID] {
				continue
			}
			if err := e.local.ClearTombstone(lctx, orgID, t.ID); err != nil {
				return stats, nil, err
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartTime.Equal(results[j].StartTime) {
			return results[i].StartTime.Before(results[j].StartTime)
		}
		return results[i].ID < results[j].ID
	})
	return stats, results, nil
}

// remoteResult tags a remote record with the stores holding that exact
// version once ev, the local copy after reconcile, has been written. A
// successful push returns the pushed copy, which is what the remote now holds.
// Records deleted remotely, or by this pass, are dropped.
func remoteResult(rem, ev *model.Event) *model.Event {
	switch {
	case rem.Deleted || ev == nil:
		return nil
	case ev.Deleted:
		return rem.WithStatus(model.StatusRemote)
	case ev.Version == rem.Version:
		return rem.WithStatus(model.StatusSynced)
	case ev.Version > rem.Version && ev.StorageStatus == model.StatusSynced:
		return ev.Clone()
	default:
		return rem.WithStatus(model.StatusRemote)
	}
}

// reconcileOutOfScope handles a local record missing from a ranged remote
// read. The remote copy may have moved out of the range, so it is looked up
// before anything is pushed.
func (e *Engine) reconcileOutOfScope(ctx context.Context, orgID string, loc *model.Event, stats *Stats) error {
	out := attempt(ctx, e, GetFailed, func(ctx context.Context) (*model.Event, error) {
		return e.remote.GetByID(ctx, orgID, loc.ID)
	})
	var err error
	switch {
	case !out.OK():
		stats.Unchanged++
	case out.Value == nil:
		_, err = e.push(ctx, orgID, loc, stats)
	default:
		_, err = e.apply(ctx, orgID, out.Value, loc, stats)
	}
	return err
}

// decide picks the action for an event known remotely. loc is nil when the
// event is unknown locally.
func decide(rem, loc *model.Event) action {
	switch {
	case loc == nil && rem.Deleted:
		return actionNone
	case loc == nil:
		return actionPull
	case loc.Deleted && loc.Version > rem.Version:
		return actionPushDelete
	case loc.Deleted:
		return actionKeepDeleted
	case rem.Version > loc.Version:
		return actionPull
	case rem.Version < loc.Version:
		return actionPush
	case loc.StorageStatus != model.StatusSynced:
		return actionRepair
	default:
		return actionNone
	}
}

// apply decides and executes the action for one remote event and returns the
// resulting local copy.
func (e *Engine) apply(ctx context.Context, orgID string, rem, loc *model.Event, stats *Stats) (*model.Event, error) {
	act := decide(rem, loc)
	e.log.Debug("reconcile decision", "org", orgID, "id", rem.ID, "action", act.String(),
		"remote_version", rem.Version, "local_version", versionOf(loc))

	lctx := context.WithoutCancel(ctx)
	switch act {
	case actionPull:
		rec := rem.WithStatus(model.StatusSynced)
		rec.OrganizationID = orgID
		if loc == nil {
			if err := e.local.Insert(lctx, orgID, rec); err != nil {
				return nil, fmt.Errorf("pulling event %q: %w", rem.ID, err)
			}
		} else if err := e.local.Update(lctx, orgID, rem.ID, rec); err != nil {
			return nil, fmt.Errorf("pulling event %q: %w", rem.ID, err)
		}
		stats.Pulled++
		return rec, nil

	case actionPush:
		return e.push(ctx, orgID, loc, stats)

	case actionRepair:
		if loc.ContentHash() != rem.ContentHash() {
			e.log.Debug("equal versions with different content", "org", orgID, "id", rem.ID)
		}
		rec := loc.WithStatus(model.StatusSynced)
		if err := e.local.Update(lctx, orgID, loc.ID, rec); err != nil {
			return nil, fmt.Errorf("repairing status of %q: %w", loc.ID, err)
		}
		stats.Repaired++
		return rec, nil

	case actionPushDelete:
		if e.pushDelete(ctx, orgID, loc, stats) {
			return nil, nil
		}
		return loc, nil

	default:
		stats.Unchanged++
		return loc, nil
	}
}

// push sends a live local record to the remote store as one logical attempt:
// update, falling back to insert when the remote has no copy. When the remote
// copy was soft-deleted at a version not lower than ours, the deletion is
// adopted locally instead. A failed push leaves the record tagged {LOCAL}.
func (e *Engine) push(ctx context.Context, orgID string, loc *model.Event, stats *Stats) (*model.Event, error) {
	rec := loc.WithStatus(model.StatusSynced)
	out := attempt(ctx, e, UpdateFailed, func(ctx context.Context) (*model.Event, error) {
		err := e.remote.Update(ctx, orgID, rec.ID, rec)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return nil, e.remote.Insert(ctx, orgID, rec)
		case errors.Is(err, model.ErrInvalidState):
			cur, gerr := e.remote.GetByID(ctx, orgID, rec.ID)
			if gerr != nil {
				return nil, gerr
			}
			if cur != nil && cur.Version >= rec.Version {
				return cur, nil
			}
		}
		return nil, err
	})

	lctx := context.WithoutCancel(ctx)
	switch {
	case !out.OK():
		stats.PushFailed++
		if loc.StorageStatus == model.StatusLocal {
			return loc, nil
		}
		downgraded := loc.WithStatus(model.StatusLocal)
		if err := e.local.Update(lctx, orgID, loc.ID, downgraded); err != nil {
			return nil, fmt.Errorf("tagging %q local-only: %w", loc.ID, err)
		}
		return downgraded, nil

	case out.Value != nil:
		adopted := out.Value.WithStatus(model.StatusSynced)
		adopted.OrganizationID = orgID
		if err := e.local.Update(lctx, orgID, loc.ID, adopted); err != nil {
			return nil, fmt.Errorf("adopting remote delete of %q: %w", loc.ID, err)
		}
		stats.Pulled++
		return adopted, nil

	default:
		if loc.StorageStatus != model.StatusSynced {
			if err := e.local.Update(lctx, orgID, loc.ID, rec); err != nil {
				return nil, fmt.Errorf("marking %q synced: %w", loc.ID, err)
			}
		}
		stats.Pushed++
		return rec, nil
	}
}

// pushDelete sends a local soft-delete to the remote store. A remote copy that
// is already gone or deleted counts as delivered. The local row is terminal
// and is not rewritten.
func (e *Engine) pushDelete(ctx context.Context, orgID string, loc *model.Event, stats *Stats) bool {
	rec := loc.WithStatus(model.StatusSynced)
	out := attemptErr(ctx, e, UpdateFailed, func(ctx context.Context) error {
		err := e.remote.Update(ctx, orgID, loc.ID, rec)
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidState) {
			return nil
		}
		return err
	})
	if !out.OK() {
		stats.PushFailed++
		return false
	}
	stats.Pushed++
	return true
}

// propagateDelete retries the remote delete of a locally hard-deleted id. The
// tombstone is kept until a full remote read no longer returns the id.
func (e *Engine) propagateDelete(ctx context.Context, orgID, id string, stats *Stats) bool {
	out := attemptErr(ctx, e, DeleteFailed, func(ctx context.Context) error {
		err := e.remote.Delete(ctx, orgID, id)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	})
	if !out.OK() {
		stats.PushFailed++
		return false
	}
	stats.Deleted++
	return true
}

func versionOf(ev *model.Event) int64 {
	if ev == nil {
		return 0
	}
	return ev.Version
}
