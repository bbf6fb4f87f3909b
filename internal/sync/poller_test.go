package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSynchronizer struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	stats Stats
}

func newFakeSynchronizer() *fakeSynchronizer {
	return &fakeSynchronizer{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeSynchronizer) Synchronize(_ context.Context, orgID string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[orgID]++
	if err := f.fail[orgID]; err != nil {
		return Stats{}, err
	}
	return f.stats, nil
}

func (f *fakeSynchronizer) count(orgID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[orgID]
}

func TestPoller_RunOnceAggregates(t *testing.T) {
	s := newFakeSynchronizer()
	s.stats = Stats{Pulled: 1, Pushed: 2}
	p := NewPoller(s, []string{"a", "b", "c"}, time.Minute, testLogger)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Pulled != 3 || stats.Pushed != 6 {
		t.Errorf("stats = %+v, want Pulled 3 Pushed 6", stats)
	}
	for _, org := range []string{"a", "b", "c"} {
		if n := s.count(org); n != 1 {
			t.Errorf("%s synchronized %d times, want 1", org, n)
		}
	}
}

func TestPoller_OneFailureDoesNotStopOthers(t *testing.T) {
	s := newFakeSynchronizer()
	boom := errors.New("boom")
	s.fail["b"] = boom
	p := NewPoller(s, []string{"a", "b", "c"}, time.Minute, testLogger)

	_, err := p.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if s.count("a") != 1 || s.count("c") != 1 {
		t.Error("healthy organizations were skipped")
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	s := newFakeSynchronizer()
	p := NewPoller(s, []string{"a"}, 10*time.Millisecond, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
	// Immediate pass plus at least one tick.
	if n := s.count("a"); n < 2 {
		t.Errorf("synchronized %d times, want at least 2", n)
	}
}

func TestPoller_WithEngine(t *testing.T) {
	f := newFixture(t)
	f.remote.put(newEvent("e1", "Standup", 1, 9, 10))
	p := NewPoller(f.engine, []string{testOrg}, time.Minute, testLogger)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Pulled != 1 || f.local.get(testOrg, "e1") == nil {
		t.Errorf("stats = %+v, want e1 pulled into the cache", stats)
	}
}
