package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/swent-agendapp/eventsync/internal/model"
)

const (
	redisKeyPrefix = "eventsync:events:"

	// redisTxAttempts bounds optimistic WATCH retries when another writer
	// touches the same organization concurrently.
	redisTxAttempts = 3
)

// RedisStore is a remote document store: one hash per organization, one JSON
// document per event. Range queries scan the organization's hash.
type RedisStore struct {
	client       *redis.Client
	readAttempts int
}

// NewRedisClient parses redisURL. The client dials lazily on first use.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisStore wraps an open client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, readAttempts: defaultReadAttempts}
}

// Ping checks that the server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("pinging redis", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewID mints an identifier accepted by every store.
func (s *RedisStore) NewID(_ context.Context, _ string) (string, error) {
	return uuid.NewString(), nil
}

func redisKey(orgID string) string {
	return redisKeyPrefix + orgID
}

func (s *RedisStore) Insert(ctx context.Context, orgID string, ev *model.Event) error {
	doc, err := encodeDoc(orgID, ev.ID, ev)
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, redisKey(orgID), ev.ID, doc).Result()
	if err != nil {
		return unavailable("inserting event", err)
	}
	if !ok {
		return fmt.Errorf("inserting event %q in %q: %w", ev.ID, orgID, model.ErrDuplicateID)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, orgID, id string, ev *model.Event) error {
	doc, err := encodeDoc(orgID, id, ev)
	if err != nil {
		return err
	}
	key := redisKey(orgID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := getDoc(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("updating event %q in %q: %w", id, orgID, model.ErrNotFound)
		}
		if cur.Deleted {
			return fmt.Errorf("updating event %q in %q: %w", id, orgID, model.ErrInvalidState)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, doc)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Delete(ctx context.Context, orgID, id string) error {
	key := redisKey(orgID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := getDoc(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.Deleted {
			return fmt.Errorf("deleting event %q in %q: %w", id, orgID, model.ErrNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, id)
			return nil
		})
		return err
	})
}

// GetByID returns the event or (nil, nil) when it does not exist.
func (s *RedisStore) GetByID(ctx context.Context, orgID, id string) (*model.Event, error) {
	var ev *model.Event
	err := Retry(ctx, s.readAttempts, func() error {
		var err error
		ev, err = getDoc(ctx, s.client, redisKey(orgID), id)
		return err
	})
	if err != nil {
		return nil, unavailable("reading event", err)
	}
	return ev, nil
}

func (s *RedisStore) GetAll(ctx context.Context, orgID string) ([]*model.Event, error) {
	return s.scan(ctx, orgID, func(*model.Event) bool { return true })
}

func (s *RedisStore) GetBetween(ctx context.Context, orgID string, start, end time.Time) ([]*model.Event, error) {
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}
	return s.scan(ctx, orgID, func(ev *model.Event) bool { return ev.Overlaps(start, end) })
}

// scan decodes every live document of orgID that passes keep, ordered like
// the SQL stores (start time, then id).
func (s *RedisStore) scan(ctx context.Context, orgID string, keep func(*model.Event) bool) ([]*model.Event, error) {
	var docs []string
	err := Retry(ctx, s.readAttempts, func() error {
		var err error
		docs, err = s.client.HVals(ctx, redisKey(orgID)).Result()
		return err
	})
	if err != nil {
		return nil, unavailable("listing events", err)
	}

	events := make([]*model.Event, 0, len(docs))
	for _, doc := range docs {
		ev, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		if ev.Deleted || !keep(ev) {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

// watch runs fn inside an optimistic WATCH transaction on key, retrying when
// a concurrent writer invalidates it.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for range redisTxAttempts {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return unavailable("redis transaction", err)
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getDoc(ctx context.Context, c hashGetter, key, id string) (*model.Event, error) {
	doc, err := c.HGet(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(doc)
}

func encodeDoc(orgID, id string, ev *model.Event) (string, error) {
	cp := ev.Clone()
	cp.OrganizationID = orgID
	cp.ID = id
	cp.StartTime = model.StoredTime(cp.StartTime)
	cp.EndTime = model.StoredTime(cp.EndTime)
	b, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encoding event %q: %w", id, err)
	}
	return string(b), nil
}

func decodeDoc(doc string) (*model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal([]byte(doc), &ev); err != nil {
		return nil, fmt.Errorf("decoding event document: %w", err)
	}
	return &ev, nil
}
