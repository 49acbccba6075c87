// Package store defines the persistence abstraction and the core data model
// for reservations and recordings. The default (and only) implementation is
// an in-process JSON catalogue with copy-on-write durability; see
// catalogue.go.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ---- error kinds (spec §7) ----

// Kind classifies a Store/domain-level failure so callers (chiefly the HTTP
// layer) can map it to a status code without string matching.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamMalformed   Kind = "upstream_malformed"
	KindCaptureFailed       Kind = "capture_failed"
	KindStorageIO           Kind = "storage_io"
	KindCanceled            Kind = "canceled"
	KindInternal            Kind = "internal"
)

// Error is the typed error every layer below the HTTP API returns on
// expected failure paths.
type Error struct {
	Kind  Kind
	Msg   string
	Field string // set only for KindBadRequest field-level validation errors
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewError builds a kind-tagged error.
func NewError(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// NewFieldError builds a KindBadRequest error carrying a field pointer.
func NewFieldError(field, msg string) *Error {
	return &Error{Kind: KindBadRequest, Field: field, Msg: msg}
}

// IsKind reports whether err (or something it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// ---- canonical domain types (spec §3) ----

// ServiceID is the normalised upstream service identifier (spec §6 fixed
// mapping: r1→r1, r2→r2, r3→fm).
type ServiceID string

const (
	ServiceR1 ServiceID = "r1"
	ServiceR2 ServiceID = "r2"
	ServiceFM ServiceID = "fm"
)

// BroadcastEvent is the canonical, normalised form of one upstream broadcast
// (spec §3 "BroadcastEvent (canonical form)").
type BroadcastEvent struct {
	BroadcastEventID string    `json:"broadcast_event_id"`
	RadioSeriesID    string    `json:"radio_series_id"`
	RadioEpisodeID   string    `json:"radio_episode_id,omitempty"`
	ServiceID        ServiceID `json:"service_id"`
	AreaID           string    `json:"area_id"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	DisplayName      string    `json:"display_name"`
	Description      string    `json:"description,omitempty"`
	Genres           []string  `json:"genres,omitempty"`
	DurationISO      string    `json:"duration_iso,omitempty"`
	Location         string    `json:"location,omitempty"`
	URLs             []string  `json:"urls,omitempty"`
}

// Validate enforces the BroadcastEvent invariants of spec §3: end > start,
// and (for newly created reservations) start not more than graceSeconds in
// the past. Pass graceSeconds <= 0 to skip the past-start check. The API
// calls it for new single-event reservations; SeriesWatch children are
// materialised without calling Validate.
func (e BroadcastEvent) Validate(now time.Time, graceSeconds int) error {
	if !e.End.After(e.Start) {
		return NewFieldError("event.end", "end must be after start")
	}
	if graceSeconds > 0 {
		cutoff := now.Add(-time.Duration(graceSeconds) * time.Second)
		if e.Start.Before(cutoff) {
			return NewFieldError("event.start", "start is too far in the past")
		}
	}
	return nil
}

// ReservationKind discriminates the Reservation union (spec §3).
type ReservationKind string

const (
	KindSingleEvent ReservationKind = "single_event"
	KindSeriesWatch ReservationKind = "series_watch"
)

// ReservationStatus is the lifecycle status of a SingleEvent reservation.
// SeriesWatch reservations are always logically "pending" until deleted.
type ReservationStatus string

const (
	StatusPending    ReservationStatus = "pending"
	StatusInProgress ReservationStatus = "in_progress"
	StatusDone       ReservationStatus = "done"
	StatusFailed     ReservationStatus = "failed"
	StatusCanceled   ReservationStatus = "canceled"
)

// SingleEventData holds the fields specific to a SingleEvent reservation.
type SingleEventData struct {
	Event         BroadcastEvent    `json:"event"`
	Status        ReservationStatus `json:"status"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	RecordingID   string            `json:"recording_id,omitempty"`
	ParentWatchID string            `json:"parent_watch_id,omitempty"`
}

// SeriesWatchData holds the fields specific to a SeriesWatch reservation.
type SeriesWatchData struct {
	SeriesID   string          `json:"series_id,omitempty"`
	SeriesCode string          `json:"series_code,omitempty"`
	AreaID     string          `json:"area_id,omitempty"`
	Seen       map[string]bool `json:"seen_broadcast_event_ids"`
}

// Reservation is the persisted record of either a SingleEvent or a
// SeriesWatch. Exactly one of Single/Watch is non-nil, selected by Kind;
// loading a Reservation with an unrecognised Kind is rejected (spec §9
// "Dynamic reservation payloads ... reject unknown tags").
type Reservation struct {
	ID        string          `json:"id"`
	Kind      ReservationKind `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	Single *SingleEventData `json:"single,omitempty"`
	Watch  *SeriesWatchData `json:"watch,omitempty"`
}

// Validate checks that exactly the fields appropriate for Kind are present.
func (r *Reservation) Validate() error {
	switch r.Kind {
	case KindSingleEvent:
		if r.Single == nil || r.Watch != nil {
			return NewError(KindInternal, "single_event reservation missing Single data")
		}
	case KindSeriesWatch:
		if r.Watch == nil || r.Single != nil {
			return NewError(KindInternal, "series_watch reservation missing Watch data")
		}
	default:
		return NewError(KindBadRequest, fmt.Sprintf("unknown reservation kind %q", r.Kind))
	}
	return nil
}

// Recording is the persisted record of one completed capture (spec §3).
type Recording struct {
	ID            string            `json:"id"`
	ReservationID string            `json:"reservation_id"`
	Event         BroadcastEvent    `json:"event"`
	Dir           string            `json:"dir"` // relative to the recordings root
	Metadata      map[string]string `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
	SizeBytes     int64             `json:"size_bytes"`
	DurationSecs  float64           `json:"duration_seconds"`
}

// WorkerEventType classifies a persisted capture lifecycle event (spec
// SPEC_FULL.md supplement #2, grounded on the teacher's worker_events
// table).
type WorkerEventType string

const (
	EventArming    WorkerEventType = "arming"
	EventRunning   WorkerEventType = "running"
	EventCommitted WorkerEventType = "committed"
	EventFailed    WorkerEventType = "failed"
	EventCanceled  WorkerEventType = "canceled"
)

// WorkerEvent is one persisted capture lifecycle transition for a
// reservation.
type WorkerEvent struct {
	ID            int64           `json:"id"`
	ReservationID string          `json:"reservation_id"`
	EventType     WorkerEventType `json:"event_type"`
	Message       string          `json:"message,omitempty"`
	TS            time.Time       `json:"ts"`
}

// ---- store interface (spec §4.2) ----

// Store is the persistence abstraction. All methods are context-aware and
// safe for concurrent use.
type Store interface {
	// ---- reservations ----

	// ListReservations returns all reservations ordered by created_at
	// ascending (spec §4.2).
	ListReservations(ctx context.Context) ([]*Reservation, error)

	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// PutReservation inserts or replaces a reservation. Returns
	// KindConflict if r.ID is not yet stored and another single-event
	// reservation with the same broadcast_event_id (compared on its own,
	// regardless of series) already exists in a non-terminal state (spec
	// §8 invariant 6, idempotence).
	PutReservation(ctx context.Context, r *Reservation) error

	// PutReservations inserts or replaces several reservations as one
	// logical transaction (spec §4.5: series-watch materialisation
	// "persist in one Store transaction").
	PutReservations(ctx context.Context, rs []*Reservation) error

	DeleteReservation(ctx context.Context, id string) error

	// ---- recordings ----

	ListRecordings(ctx context.Context) ([]*Recording, error)
	GetRecording(ctx context.Context, id string) (*Recording, error)
	DeleteRecording(ctx context.Context, id string) error
	UpdateRecordingMetadata(ctx context.Context, id string, patch map[string]string) (*Recording, error)

	// AtomicCommitRecording moves stagingDir into the recordings root under
	// rec.Dir and inserts rec's catalogue row in one logical transaction; on
	// any failure nothing observable changes (spec §4.2, §4.4).
	AtomicCommitRecording(ctx context.Context, rec *Recording, stagingDir string) error

	// ---- worker events (supplemental, SPEC_FULL.md) ----

	RecordWorkerEvent(ctx context.Context, reservationID string, eventType WorkerEventType, message string) error
	RecentWorkerEvents(ctx context.Context, reservationID string, limit int) ([]WorkerEvent, error)

	// RecordingsRoot returns the absolute path recordings are published
	// under, so other components (the HTTP static file server, the
	// converter) can build paths without depending on the catalogue
	// implementation.
	RecordingsRoot() string

	Close() error
}
