package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// Plan is a dry run of one full reconcile pass: what a pass would do for each
// event, computed without writing to either store.
type Plan struct {
	OrgID string

	Pull       []*model.Event // remote copies that would overwrite or fill the cache
	Push       []*model.Event // local copies that would be sent to the remote store
	Repair     []*model.Event // local copies whose status would be fixed
	PushDelete []*model.Event // local soft-deletes that would be sent
	Tombstoned []string       // remote ids whose local hard delete would be retried
	Unchanged  int
}

// Empty reports whether the pass would change nothing.
func (p Plan) Empty() bool {
	return len(p.Pull)+len(p.Push)+len(p.Repair)+len(p.PushDelete)+len(p.Tombstoned) == 0
}

// Plan reads the remote collection of orgID and classifies every event the way
// [Engine.Synchronize] would, without executing anything. A remote failure is
// reported to the sink and returned.
func (e *Engine) Plan(ctx context.Context, orgID string) (Plan, error) {
	plan := Plan{OrgID: orgID}

	out := attempt(ctx, e, GetFailed, func(ctx context.Context) ([]*model.Event, error) {
		return e.remote.GetAll(ctx, orgID)
	})
	if !out.OK() {
		return plan, fmt.Errorf("planning %q: %w", orgID, out.Err)
	}

	lctx := context.WithoutCancel(ctx)
	localRecords, err := e.local.GetAll(lctx, orgID)
	if err != nil {
		return plan, fmt.Errorf("loading local events for %q: %w", orgID, err)
	}
	tombs, err := e.local.Tombstones(lctx, orgID)
	if err != nil {
		return plan, fmt.Errorf("loading tombstones for %q: %w", orgID, err)
	}

	localByID := make(map[string]*model.Event, len(localRecords))
	for _, ev := range localRecords {
		localByID[ev.ID] = ev
	}
	tombstoned := make(map[string]bool, len(tombs))
	for _, t := range tombs {
		tombstoned[t.ID] = true
	}

	seen := make(map[string]bool, len(out.Value))
	for _, rem := range out.Value {
		if rem == nil || seen[rem.ID] {
			continue
		}
		seen[rem.ID] = true

		if tombstoned[rem.ID] {
			plan.Tombstoned = append(plan.Tombstoned, rem.ID)
			continue
		}
		loc, ok := localByID[rem.ID]
		if !ok {
			if loc, err = e.local.GetByID(lctx, orgID, rem.ID); err != nil {
				return plan, fmt.Errorf("reading local event %q: %w", rem.ID, err)
			}
		}

		switch decide(rem, loc) {
		case actionPull:
			plan.Pull = append(plan.Pull, rem)
		case actionPush:
			plan.Push = append(plan.Push, loc)
		case actionRepair:
			plan.Repair = append(plan.Repair, loc)
		case actionPushDelete:
			plan.PushDelete = append(plan.PushDelete, loc)
		default:
			plan.Unchanged++
		}
	}
	for _, loc := range localRecords {
		if !seen[loc.ID] {
			plan.Push = append(plan.Push, loc)
		}
	}
	return plan, nil
}

// EmptyChecker reports whether the local cache holds anything for an
// organization. Implemented by [local.Store].
type EmptyChecker interface {
	IsEmpty(ctx context.Context, orgID string) (bool, error)
}

// Bootstrap performs the first synchronization of organizations whose local
// cache is empty. It prints the plan and, with user confirmation, runs the
// pass.
type Bootstrap struct {
	engine *Engine
	cache  EmptyChecker
	log    *slog.Logger
	reader io.Reader // for confirmation prompt (os.Stdin in production)
	writer io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap. reader and writer control the
// confirmation prompt I/O.
func NewBootstrap(engine *Engine, cache EmptyChecker, logger *slog.Logger, reader io.Reader, writer io.Writer) *Bootstrap {
	return &Bootstrap{
		engine: engine,
		cache:  cache,
		log:    logger,
		reader: reader,
		writer: writer,
	}
}

// Run bootstraps every organization in orgIDs whose cache is empty. Returns
// true if a pass was executed, false if skipped or declined.
func (b *Bootstrap) Run(ctx context.Context, orgIDs []string) (bool, error) {
	pending, err := b.Pending(ctx, orgIDs)
	if err != nil {
		return false, err
	}

	var plans []Plan
	for _, orgID := range pending {
		plan, err := b.engine.Plan(ctx, orgID)
		if err != nil {
			return false, err
		}
		plans = append(plans, plan)
	}
	if len(plans) == 0 {
		return false, nil
	}

	b.log.Info("empty local cache detected, starting first-run bootstrap", "organizations", len(plans))
	b.printSummary(plans)

	if !b.confirm() {
		b.log.Info("bootstrap cancelled by user")
		return false, nil
	}

	for _, plan := range plans {
		if _, err := b.engine.Synchronize(ctx, plan.OrgID); err != nil {
			return false, fmt.Errorf("executing bootstrap: %w", err)
		}
	}

	b.log.Info("bootstrap complete")
	return true, nil
}

// Pending returns the organizations of orgIDs whose local cache is empty.
func (b *Bootstrap) Pending(ctx context.Context, orgIDs []string) ([]string, error) {
	var pending []string
	for _, orgID := range orgIDs {
		empty, err := b.cache.IsEmpty(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("checking local cache for %q: %w", orgID, err)
		}
		if !empty {
			b.log.Debug("local cache is not empty, skipping bootstrap", "org", orgID)
			continue
		}
		pending = append(pending, orgID)
	}
	return pending, nil
}

// printSummary writes a human-readable summary of the plans.
func (b *Bootstrap) printSummary(plans []Plan) {
	var totalPull, totalPush int

	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Bootstrap Summary ---\n\n")

	for _, p := range plans {
		totalPull += len(p.Pull)
		totalPush += len(p.Push)

		_, _ = fmt.Fprintf(b.writer, "Organization %q:\n", p.OrgID)
		_, _ = fmt.Fprintf(b.writer, "  Pull from remote: %d\n", len(p.Pull))
		for _, ev := range p.Pull {
			_, _ = fmt.Fprintf(b.writer, "    ← %s (%s)\n", ev.Title, ev.StartTime.Format("2006-01-02 15:04"))
		}
		if len(p.Push) > 0 {
			_, _ = fmt.Fprintf(b.writer, "  Push to remote: %d\n", len(p.Push))
			for _, ev := range p.Push {
				_, _ = fmt.Fprintf(b.writer, "    → %s (%s)\n", ev.Title, ev.StartTime.Format("2006-01-02 15:04"))
			}
		}
		_, _ = fmt.Fprintln(b.writer)
	}

	_, _ = fmt.Fprintf(b.writer, "Total: %d to pull, %d to push\n", totalPull, totalPush)
}

// confirm reads a y/n response from the reader.
func (b *Bootstrap) confirm() bool {
	_, _ = fmt.Fprintf(b.writer, "Proceed with sync? [y/N] ")
	scanner := bufio.NewScanner(b.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}
