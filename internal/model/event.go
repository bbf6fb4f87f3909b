// Package model defines the event record and store errors shared by the local
// cache, the remote stores, and the sync engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// StorageStatus is the set of stores that currently hold a copy of an event.
type StorageStatus uint8

const (
	// StatusLocal marks a copy in the on-device cache.
	StatusLocal StorageStatus = 1 << iota
	// StatusRemote marks a copy in the remote authoritative store.
	StatusRemote
)

// StatusSynced is the status of an event held by both stores.
const StatusSynced = StatusLocal | StatusRemote

// Has reports whether every flag in f is set in s.
func (s StorageStatus) Has(f StorageStatus) bool {
	return s&f == f
}

// String renders the set as "{LOCAL, REMOTE}".
func (s StorageStatus) String() string {
	var parts []string
	if s.Has(StatusLocal) {
		parts = append(parts, "LOCAL")
	}
	if s.Has(StatusRemote) {
		parts = append(parts, "REMOTE")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// RecurrenceStatus describes how an event repeats. Opaque to the sync engine.
type RecurrenceStatus string

const (
	RecurrenceOneTime RecurrenceStatus = "ONE_TIME"
	RecurrenceWeekly  RecurrenceStatus = "WEEKLY"
)

// Event is the unit of synchronisation. Everything except ID, OrganizationID,
// Version, StorageStatus and Deleted is payload the engine never inspects.
type Event struct {
	// ID is unique within an organization and always minted by the remote store.
	ID string `json:"id"`

	// OrganizationID is the tenant partition key.
	OrganizationID string `json:"organization_id"`

	Title         string    `json:"title"`
	Description   string    `json:"description"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Location      string    `json:"location"`
	PersonalNotes string    `json:"personal_notes"`

	// Participants is the set of user ids taking part in the event.
	Participants []string `json:"participants"`

	// Presence records, per user id, whether the user attended.
	Presence map[string]bool `json:"presence"`

	Category         string           `json:"category"`
	RecurrenceStatus RecurrenceStatus `json:"recurrence_status"`

	// Version is set by whichever actor performs a write, conventionally a
	// millisecond timestamp. It is the only input to conflict resolution.
	Version int64 `json:"version"`

	// StorageStatus is maintained by the engine, not the caller.
	StorageStatus StorageStatus `json:"storage_status"`

	// Deleted is the soft-delete marker. A soft-deleted event cannot be updated.
	Deleted bool `json:"deleted"`
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Participants = slices.Clone(e.Participants)
	cp.Presence = maps.Clone(e.Presence)
	return &cp
}

// WithStatus returns a copy of e tagged with status s.
func (e *Event) WithStatus(s StorageStatus) *Event {
	cp := e.Clone()
	cp.StorageStatus = s
	return cp
}

// Duration returns the length of the event. Inverted intervals count as zero.
func (e *Event) Duration() time.Duration {
	if e.EndTime.Before(e.StartTime) {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Overlaps reports whether [StartTime, EndTime] intersects [start, end].
// Both boundaries are inclusive.
func (e *Event) Overlaps(start, end time.Time) bool {
	return !e.StartTime.After(end) && !e.EndTime.Before(start)
}

// ContentHash returns a SHA-256 hex digest of the payload fields. Version and
// StorageStatus are excluded; the engine uses the hash only to flag events
// whose versions match but whose content does not.
func (e *Event) ContentHash() string {
	h := sha256.New()
	for _, s := range []string{e.Title, e.Description, e.Location, e.PersonalNotes, e.Category, string(e.RecurrenceStatus)} {
		h.Write([]byte(s))
		h.Write([]byte("|"))
	}
	_, _ = fmt.Fprintf(h, "%d|%d|", e.StartTime.UnixMicro(), e.EndTime.UnixMicro())

	participants := slices.Clone(e.Participants)
	slices.Sort(participants)
	h.Write([]byte(strings.Join(participants, ",")))
	h.Write([]byte("|"))

	for _, user := range slices.Sorted(maps.Keys(e.Presence)) {
		_, _ = fmt.Fprintf(h, "%s=%t,", user, e.Presence[user])
	}
	_, _ = fmt.Fprintf(h, "|%t", e.Deleted)
	return hex.EncodeToString(h.Sum(nil))
}

// StoredTime returns t as every store keeps it: UTC with microsecond
// precision. Postgres TIMESTAMPTZ cannot hold more, and microseconds since the
// Unix epoch fit an int64 for every representable year.
func StoredTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Tombstone records a hard delete performed on the local store, so that a
// later reconcile pass retries the remote delete instead of re-creating the
// event from the remote copy.
type Tombstone struct {
	OrganizationID string
	ID             string
	DeletedAt      time.Time
}
