package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// catalogueFile is the on-disk shape of the whole catalogue: one JSON
// document holding every reservation and recording, replaced atomically on
// every mutation (spec §4.2, §9 "Catalogue durability").
type catalogueFile struct {
	Reservations []*Reservation           `json:"reservations"`
	Recordings   []*Recording             `json:"recordings"`
	WorkerEvents map[string][]WorkerEvent `json:"worker_events"`
	NextEventID  int64                    `json:"next_event_id"`
}

// Catalogue is the JSON, copy-on-write Store implementation. The whole
// catalogue lives in memory; every mutating call rewrites catalogue.json in
// full via a temp-file-then-rename, so a reader never observes a partially
// written file and a crash mid-write leaves the previous version intact
// (grounded on the renameio "pending file" pattern).
type Catalogue struct {
	mu   sync.RWMutex
	root string // data root; holds catalogue.json, recordings/, staging/

	reservations map[string]*Reservation
	recordings   map[string]*Recording
	workerEvents map[string][]WorkerEvent
	nextEventID  int64
}

const catalogueFileName = "catalogue.json"

// RecordingsDirName and StagingDirName are the fixed subdirectories of the
// data root (spec §4.4: capture writes to staging, commit moves to
// recordings).
const (
	RecordingsDirName = "recordings"
	StagingDirName    = "staging"
)

// OpenCatalogue loads (or initialises) the catalogue rooted at dataRoot,
// creating the recordings/ and staging/ subdirectories if absent, and
// removing any staging subdirectory left behind by a crash (spec §9:
// recordings never half-committed survive a restart).
func OpenCatalogue(dataRoot string) (*Catalogue, error) {
	for _, sub := range []string{"", RecordingsDirName, StagingDirName} {
		if err := os.MkdirAll(filepath.Join(dataRoot, sub), 0o755); err != nil {
			return nil, fmt.Errorf("catalogue: create %s: %w", sub, err)
		}
	}

	c := &Catalogue{
		root:         dataRoot,
		reservations: map[string]*Reservation{},
		recordings:   map[string]*Recording{},
		workerEvents: map[string][]WorkerEvent{},
	}

	raw, err := os.ReadFile(filepath.Join(dataRoot, catalogueFileName))
	switch {
	case err == nil:
		var cf catalogueFile
		if err := json.Unmarshal(raw, &cf); err != nil {
			return nil, fmt.Errorf("catalogue: parse %s: %w", catalogueFileName, err)
		}
		for _, r := range cf.Reservations {
			if err := r.Validate(); err != nil {
				return nil, fmt.Errorf("catalogue: reservation %s: %w", r.ID, err)
			}
			c.reservations[r.ID] = r
		}
		for _, rec := range cf.Recordings {
			c.recordings[rec.ID] = rec
		}
		if cf.WorkerEvents != nil {
			c.workerEvents = cf.WorkerEvents
		}
		c.nextEventID = cf.NextEventID
	case os.IsNotExist(err):
		// fresh catalogue; persist once so the file exists from the start.
		if err := c.persistLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("catalogue: read %s: %w", catalogueFileName, err)
	}

	if err := c.sweepOrphanedStaging(); err != nil {
		return nil, err
	}
	if err := c.reconcileRecordingsOnStartup(); err != nil {
		return nil, err
	}
	return c, nil
}

// reconcileRecordingsOnStartup applies the spec §4.2 startup reconciliation
// for published recordings: a directory under recordings/ with no matching
// catalogue row is orphaned (left by a crash between AtomicCommitRecording's
// rename and its persist) and is removed; a catalogue row whose directory
// is missing on disk is dangling and is dropped. Recording has no
// failed-state field of its own the way a Reservation does, so "marked
// failed" for a dangling row is equivalent here to simply removing the row
// — there is no directory left to serve and nothing useful to keep.
func (c *Catalogue) reconcileRecordingsOnStartup() error {
	root := filepath.Join(c.root, RecordingsDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("catalogue: list recordings: %w", err)
	}

	known := make(map[string]bool, len(c.recordings))
	for _, rec := range c.recordings {
		known[rec.Dir] = true
	}
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("catalogue: remove orphaned recording dir %s: %w", e.Name(), err)
		}
	}

	changed := false
	for id, rec := range c.recordings {
		if _, err := os.Stat(filepath.Join(root, rec.Dir)); os.IsNotExist(err) {
			delete(c.recordings, id)
			changed = true
		}
	}
	if changed {
		return c.persistLocked()
	}
	return nil
}

// sweepOrphanedStaging removes any leftover staging directories from a
// capture that never reached AtomicCommitRecording before the process
// died. Staging directories are always created under a fresh UUID by the
// capture worker, so anything already present at startup is abandoned.
func (c *Catalogue) sweepOrphanedStaging() error {
	staging := filepath.Join(c.root, StagingDirName)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("catalogue: sweep staging: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(staging, e.Name())); err != nil {
			return fmt.Errorf("catalogue: sweep staging %s: %w", e.Name(), err)
		}
	}
	return nil
}

// persistLocked serialises the whole catalogue and replaces catalogue.json
// atomically. c.mu must be held (read or write) by the caller.
func (c *Catalogue) persistLocked() error {
	cf := catalogueFile{
		Reservations: make([]*Reservation, 0, len(c.reservations)),
		Recordings:   make([]*Recording, 0, len(c.recordings)),
		WorkerEvents: c.workerEvents,
		NextEventID:  c.nextEventID,
	}
	for _, r := range c.reservations {
		cf.Reservations = append(cf.Reservations, r)
	}
	for _, rec := range c.recordings {
		cf.Recordings = append(cf.Recordings, rec)
	}
	sortReservationsByCreatedAt(cf.Reservations)
	sortRecordingsByCreatedAt(cf.Recordings)

	raw, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("catalogue: marshal: %w", err)
	}

	path := filepath.Join(c.root, catalogueFileName)
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("catalogue: create pending file: %w", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(raw); err != nil {
		return fmt.Errorf("catalogue: write: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("catalogue: commit: %w", err)
	}
	return nil
}

func sortReservationsByCreatedAt(rs []*Reservation) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].CreatedAt.Before(rs[j-1].CreatedAt); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

func sortRecordingsByCreatedAt(rs []*Recording) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].CreatedAt.Before(rs[j-1].CreatedAt); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// ---- reservations ----

func (c *Catalogue) ListReservations(ctx context.Context) ([]*Reservation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Reservation, 0, len(c.reservations))
	for _, r := range c.reservations {
		out = append(out, r)
	}
	sortReservationsByCreatedAt(out)
	return out, nil
}

func (c *Catalogue) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reservations[id]
	if !ok {
		return nil, NewError(KindNotFound, "reservation not found")
	}
	return r, nil
}

func (c *Catalogue) PutReservation(ctx context.Context, r *Reservation) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.reservations[r.ID]; !exists {
		if conflict := c.findConflictingSingleEventLocked(r); conflict != nil {
			return NewError(KindConflict, fmt.Sprintf("reservation %s already covers this broadcast event", conflict.ID))
		}
	}

	c.reservations[r.ID] = r
	return c.persistLocked()
}

// findConflictingSingleEventLocked implements spec §8 invariant 6: creating
// a reservation for a broadcast event that is already reserved (in a
// non-terminal state) is idempotent/conflicting, not a duplicate. c.mu must
// be held.
func (c *Catalogue) findConflictingSingleEventLocked(candidate *Reservation) *Reservation {
	if candidate.Kind != KindSingleEvent {
		return nil
	}
	for _, r := range c.reservations {
		if r.Kind != KindSingleEvent || r.ID == candidate.ID {
			continue
		}
		if r.Single.Status == StatusDone || r.Single.Status == StatusFailed || r.Single.Status == StatusCanceled {
			continue
		}
		if r.Single.Event.BroadcastEventID == candidate.Single.Event.BroadcastEventID {
			return r
		}
	}
	return nil
}

// PutReservations applies all of rs in memory, then persists once, so a
// crash mid-write never leaves only some of the batch committed.
func (c *Catalogue) PutReservations(ctx context.Context, rs []*Reservation) error {
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prior := make(map[string]*Reservation, len(rs))
	for _, r := range rs {
		prior[r.ID] = c.reservations[r.ID]
		c.reservations[r.ID] = r
	}
	if err := c.persistLocked(); err != nil {
		for id, old := range prior {
			if old == nil {
				delete(c.reservations, id)
			} else {
				c.reservations[id] = old
			}
		}
		return err
	}
	return nil
}

func (c *Catalogue) DeleteReservation(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.reservations[id]; !ok {
		return NewError(KindNotFound, "reservation not found")
	}
	delete(c.reservations, id)
	delete(c.workerEvents, id)
	return c.persistLocked()
}

// ---- recordings ----

func (c *Catalogue) ListRecordings(ctx context.Context) ([]*Recording, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Recording, 0, len(c.recordings))
	for _, r := range c.recordings {
		out = append(out, r)
	}
	sortRecordingsByCreatedAt(out)
	return out, nil
}

func (c *Catalogue) GetRecording(ctx context.Context, id string) (*Recording, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recordings[id]
	if !ok {
		return nil, NewError(KindNotFound, "recording not found")
	}
	return r, nil
}

func (c *Catalogue) DeleteRecording(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recordings[id]
	if !ok {
		return NewError(KindNotFound, "recording not found")
	}
	dir := filepath.Join(c.root, RecordingsDirName, rec.Dir)
	delete(c.recordings, id)
	if err := c.persistLocked(); err != nil {
		// re-insert on failure so the index and the filesystem stay
		// consistent with each other.
		c.recordings[id] = rec
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return NewError(KindStorageIO, fmt.Sprintf("remove recording directory: %v", err))
	}
	return nil
}

func (c *Catalogue) UpdateRecordingMetadata(ctx context.Context, id string, patch map[string]string) (*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recordings[id]
	if !ok {
		return nil, NewError(KindNotFound, "recording not found")
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	for k, v := range patch {
		if v == "" {
			delete(rec.Metadata, k)
			continue
		}
		rec.Metadata[k] = v
	}
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return rec, nil
}

// AtomicCommitRecording renames stagingDir into recordings/<rec.Dir> and adds
// rec to the index in one logical step: the directory move happens first
// (cheap, same-filesystem rename), and the catalogue is only persisted once
// it has succeeded, so a crash between the two never leaves a catalogue
// entry pointing at a missing directory. A crash after the rename but
// before the persist instead leaves an unindexed directory under
// recordings/, harmless but orphaned.
func (c *Catalogue) AtomicCommitRecording(ctx context.Context, rec *Recording, stagingDir string) error {
	dest := filepath.Join(c.root, RecordingsDirName, rec.Dir)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Rename(stagingDir, dest); err != nil {
		return NewError(KindStorageIO, fmt.Sprintf("commit recording: %v", err))
	}
	c.recordings[rec.ID] = rec
	if err := c.persistLocked(); err != nil {
		delete(c.recordings, rec.ID)
		return err
	}
	return nil
}

// ---- worker events ----

func (c *Catalogue) RecordWorkerEvent(ctx context.Context, reservationID string, eventType WorkerEventType, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextEventID++
	ev := WorkerEvent{
		ID:            c.nextEventID,
		ReservationID: reservationID,
		EventType:     eventType,
		Message:       message,
		TS:            time.Now(),
	}
	c.workerEvents[reservationID] = append(c.workerEvents[reservationID], ev)
	return c.persistLocked()
}

func (c *Catalogue) RecentWorkerEvents(ctx context.Context, reservationID string, limit int) ([]WorkerEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := c.workerEvents[reservationID]
	if limit <= 0 || limit >= len(all) {
		out := make([]WorkerEvent, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]WorkerEvent, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (c *Catalogue) RecordingsRoot() string {
	return filepath.Join(c.root, RecordingsDirName)
}

// StagingRoot returns the absolute path new captures should create their
// working directory under, before AtomicCommitRecording moves it into
// place.
func (c *Catalogue) StagingRoot() string {
	return filepath.Join(c.root, StagingDirName)
}

func (c *Catalogue) Close() error { return nil }
