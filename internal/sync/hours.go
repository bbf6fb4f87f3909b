package sync

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// WorkedHours is one user's total over a reporting window.
type WorkedHours struct {
	UserID string
	Hours  float64
}

// CalculateWorkedHoursPast sums, per participant, the events in [start, end]
// that have already ended and at which the participant was marked present.
// Participants who were never present are reported with zero hours.
func (e *Engine) CalculateWorkedHoursPast(ctx context.Context, orgID string, start, end time.Time) ([]WorkedHours, error) {
	now := e.now()
	return e.workedHours(ctx, orgID, start, end,
		func(ev *model.Event) bool { return ev.EndTime.Before(now) },
		func(ev *model.Event, user string) bool { return ev.Presence[user] },
	)
}

// CalculateWorkedHoursFuture sums, per participant, the events in
// [start, end] that have not started yet.
func (e *Engine) CalculateWorkedHoursFuture(ctx context.Context, orgID string, start, end time.Time) ([]WorkedHours, error) {
	now := e.now()
	return e.workedHours(ctx, orgID, start, end,
		func(ev *model.Event) bool { return ev.StartTime.After(now) },
		func(*model.Event, string) bool { return true },
	)
}

// workedHours reads the reconciled collection (local on remote failure) and
// adds the part of each selected event that falls inside [start, end].
func (e *Engine) workedHours(
	ctx context.Context,
	orgID string,
	start, end time.Time,
	selectEvent func(*model.Event) bool,
	counts func(ev *model.Event, user string) bool,
) ([]WorkedHours, error) {
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}

	events, err := e.GetAll(ctx, orgID)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]time.Duration)
	for _, ev := range events {
		if !ev.Overlaps(start, end) || !selectEvent(ev) {
			continue
		}
		d := clipped(ev, start, end)
		// Participants is a set; a repeated id still counts once.
		participants := slices.Clone(ev.Participants)
		slices.Sort(participants)
		for _, user := range slices.Compact(participants) {
			if _, ok := totals[user]; !ok {
				totals[user] = 0
			}
			if counts(ev, user) {
				totals[user] += d
			}
		}
	}

	out := make([]WorkedHours, 0, len(totals))
	for user, d := range totals {
		out = append(out, WorkedHours{UserID: user, Hours: d.Hours()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// clipped returns the duration of ev inside [start, end].
func clipped(ev *model.Event, start, end time.Time) time.Duration {
	from, to := ev.StartTime, ev.EndTime
	if from.Before(start) {
		from = start
	}
	if to.After(end) {
		to = end
	}
	if to.Before(from) {
		return 0
	}
	return to.Sub(from)
}
