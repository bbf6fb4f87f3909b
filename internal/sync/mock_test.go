package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// --- In-memory store -----------------------------------------------------------

// memStore implements both LocalStore and RemoteStore with the same contract
// as the real stores. Set down to make every call fail with
// model.ErrRemoteUnavailable.
type memStore struct {
	mu     sync.Mutex
	events map[string]*model.Event // key(org, id) → event
	tombs  map[string]model.Tombstone
	down   bool

	// readOnly fails inserts, updates and deletes but serves reads.
	readOnly bool

	// block makes every call wait until ctx is done.
	block bool

	writes int
	calls  map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]*model.Event),
		tombs:  make(map[string]model.Tombstone),
		calls:  make(map[string]int),
	}
}

func key(orgID, id string) string { return orgID + "/" + id }

var errDown = fmt.Errorf("dial tcp: connection refused: %w", model.ErrRemoteUnavailable)

// enter records the call and returns the injected failure, if any. The caller
// must hold m.mu.
func (m *memStore) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if m.block {
		m.mu.Unlock()
		<-ctx.Done()
		m.mu.Lock()
		return ctx.Err()
	}
	if m.down {
		return errDown
	}
	if m.readOnly && (op == "insert" || op == "update" || op == "delete") {
		return errDown
	}
	return nil
}

func (m *memStore) setDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *memStore) setReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

func (m *memStore) Insert(ctx context.Context, orgID string, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "insert"); err != nil {
		return err
	}
	k := key(orgID, ev.ID)
	if _, ok := m.events[k]; ok {
		return fmt.Errorf("insert %q: %w", ev.ID, model.ErrDuplicateID)
	}
	m.events[k] = ev.Clone()
	delete(m.tombs, k)
	m.writes++
	return nil
}

func (m *memStore) Update(ctx context.Context, orgID, id string, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "update"); err != nil {
		return err
	}
	k := key(orgID, id)
	cur, ok := m.events[k]
	if !ok {
		return fmt.Errorf("update %q: %w", id, model.ErrNotFound)
	}
	if cur.Deleted {
		return fmt.Errorf("update %q: %w", id, model.ErrInvalidState)
	}
	cp := ev.Clone()
	cp.ID = id
	m.events[k] = cp
	m.writes++
	return nil
}

func (m *memStore) Delete(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "delete"); err != nil {
		return err
	}
	k := key(orgID, id)
	cur, ok := m.events[k]
	if !ok || cur.Deleted {
		return fmt.Errorf("delete %q: %w", id, model.ErrNotFound)
	}
	delete(m.events, k)
	m.tombs[k] = model.Tombstone{OrganizationID: orgID, ID: id, DeletedAt: time.Now().UTC()}
	m.writes++
	return nil
}

func (m *memStore) GetByID(ctx context.Context, orgID, id string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "get"); err != nil {
		return nil, err
	}
	return m.events[key(orgID, id)].Clone(), nil
}

func (m *memStore) GetAll(ctx context.Context, orgID string) ([]*model.Event, error) {
	return m.list(ctx, "get_all", orgID, func(*model.Event) bool { return true })
}

func (m *memStore) GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error) {
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}
	return m.list(ctx, "get_between", orgID, func(ev *model.Event) bool { return ev.Overlaps(start, end) })
}

func (m *memStore) list(ctx context.Context, op, orgID string, keep func(*model.Event) bool) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, op); err != nil {
		return nil, err
	}
	var out []*model.Event
	for _, ev := range m.events {
		if ev.OrganizationID == orgID && !ev.Deleted && keep(ev) {
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) Tombstones(_ context.Context, orgID string) ([]model.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Tombstone
	for _, t := range m.tombs {
		if t.OrganizationID == orgID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ClearTombstone(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tombs, key(orgID, id))
	return nil
}

func (m *memStore) IsEmpty(_ context.Context, orgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.OrganizationID == orgID {
			return false, nil
		}
	}
	return true, nil
}

func (m *memStore) NewID(ctx context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "new_id"); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// put seeds an event without counting a write.
func (m *memStore) put(ev *model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[key(ev.OrganizationID, ev.ID)] = ev.Clone()
}

func (m *memStore) get(orgID, id string) *model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[key(orgID, id)].Clone()
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *memStore) tombstoned(orgID, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tombs[key(orgID, id)]
	return ok
}

// --- Recording error sink --------------------------------------------------------

type sinkCall struct {
	kind  RemoteSyncError
	cause error
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) sink(kind RemoteSyncError, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{kind: kind, cause: cause})
}

func (r *recordingSink) kinds() []RemoteSyncError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteSyncError, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.kind
	}
	return out
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
