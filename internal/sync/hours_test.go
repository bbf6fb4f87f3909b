package sync

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/swent-agendapp/eventsync/internal/model"
)

func hoursFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, WithClock(func() time.Time { return day.Add(12 * time.Hour) }))

	past1 := newEvent("p1", "Morning shift", 1, 9, 10)
	past2 := newEvent("p2", "Late morning", 1, 10, 11)
	past2.Presence = map[string]bool{"alice": true, "bob": true}
	ongoing := newEvent("now", "Lunch cover", 1, 11, 13)
	future := newEvent("f1", "Afternoon", 1, 14, 16)
	future.Participants = []string{"bob", "carol"}

	for _, ev := range []*model.Event{past1, past2, ongoing, future} {
		f.remote.put(ev)
	}
	return f
}

func TestCalculateWorkedHoursPast(t *testing.T) {
	f := hoursFixture(t)

	got, err := f.engine.CalculateWorkedHoursPast(context.Background(), testOrg, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CalculateWorkedHoursPast: %v", err)
	}
	want := []WorkedHours{{UserID: "alice", Hours: 2}, {UserID: "bob", Hours: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCalculateWorkedHoursPast_ClipsToRange(t *testing.T) {
	f := hoursFixture(t)

	got, err := f.engine.CalculateWorkedHoursPast(context.Background(), testOrg,
		day.Add(9*time.Hour+30*time.Minute), day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CalculateWorkedHoursPast: %v", err)
	}
	want := []WorkedHours{{UserID: "alice", Hours: 1.5}, {UserID: "bob", Hours: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCalculateWorkedHoursFuture(t *testing.T) {
	f := hoursFixture(t)

	got, err := f.engine.CalculateWorkedHoursFuture(context.Background(), testOrg, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CalculateWorkedHoursFuture: %v", err)
	}
	want := []WorkedHours{{UserID: "bob", Hours: 2}, {UserID: "carol", Hours: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCalculateWorkedHours_RemoteDownUsesLocal(t *testing.T) {
	f := hoursFixture(t)
	if _, err := f.engine.GetAll(context.Background(), testOrg); err != nil {
		t.Fatalf("warming cache: %v", err)
	}
	f.remote.setDown(true)

	got, err := f.engine.CalculateWorkedHoursFuture(context.Background(), testOrg, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CalculateWorkedHoursFuture: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %v, want totals from the local cache", got)
	}
	if kinds := f.sink.kinds(); !reflect.DeepEqual(kinds, []RemoteSyncError{GetFailed}) {
		t.Errorf("sink kinds = %v, want [GetFailed]", kinds)
	}
}

func TestCalculateWorkedHours_InvalidRange(t *testing.T) {
	f := hoursFixture(t)
	_, err := f.engine.CalculateWorkedHoursPast(context.Background(), testOrg, day.Add(time.Hour), day)
	if !errors.Is(err, model.ErrInvalidRange) {
		t.Fatalf("error = %v, want ErrInvalidRange", err)
	}
}

func TestCalculateWorkedHours_RepeatedParticipantCountsOnce(t *testing.T) {
	f := newFixture(t, WithClock(func() time.Time { return day.Add(12 * time.Hour) }))
	ev := newEvent("f1", "Afternoon", 1, 14, 16)
	ev.Participants = []string{"bob", "carol", "bob"}
	f.remote.put(ev)

	got, err := f.engine.CalculateWorkedHoursFuture(context.Background(), testOrg, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CalculateWorkedHoursFuture: %v", err)
	}
	want := []WorkedHours{{UserID: "bob", Hours: 2}, {UserID: "carol", Hours: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
