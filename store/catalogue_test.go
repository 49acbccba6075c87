package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestEvent(id string) BroadcastEvent {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	return BroadcastEvent{
		BroadcastEventID: id,
		RadioSeriesID:    "series-1",
		ServiceID:        ServiceR1,
		AreaID:           "130",
		Start:            start,
		End:              start.Add(30 * time.Minute),
		DisplayName:      "Test Program",
	}
}

func newTestSingleReservation(id, eventID string) *Reservation {
	return &Reservation{
		ID:        id,
		Kind:      KindSingleEvent,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Single: &SingleEventData{
			Event:  newTestEvent(eventID),
			Status: StatusPending,
		},
	}
}

func TestOpenCatalogueCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}
	for _, sub := range []string{RecordingsDirName, StagingDirName} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", sub)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, catalogueFileName)); err != nil {
		t.Fatalf("expected catalogue.json to exist: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPutAndGetReservation(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCatalogue(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	r := newTestSingleReservation("res-1", "event-1")
	if err := c.PutReservation(ctx, r); err != nil {
		t.Fatalf("PutReservation: %v", err)
	}

	got, err := c.GetReservation(ctx, "res-1")
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.Single.Event.BroadcastEventID != "event-1" {
		t.Errorf("unexpected event id %q", got.Single.Event.BroadcastEventID)
	}
}

func TestPutReservationConflict(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCatalogue(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	if err := c.PutReservation(ctx, newTestSingleReservation("res-1", "event-1")); err != nil {
		t.Fatalf("first PutReservation: %v", err)
	}

	err = c.PutReservation(ctx, newTestSingleReservation("res-2", "event-1"))
	if !IsKind(err, KindConflict) {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestDeleteReservationNotFound(t *testing.T) {
	c, err := OpenCatalogue(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}
	err = c.DeleteReservation(context.Background(), "missing")
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestCatalogueSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c1, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}
	if err := c1.PutReservation(ctx, newTestSingleReservation("res-1", "event-1")); err != nil {
		t.Fatalf("PutReservation: %v", err)
	}

	c2, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("reopen OpenCatalogue: %v", err)
	}
	got, err := c2.GetReservation(ctx, "res-1")
	if err != nil {
		t.Fatalf("GetReservation after reload: %v", err)
	}
	if got.ID != "res-1" {
		t.Errorf("unexpected reservation after reload: %+v", got)
	}
}

func TestAtomicCommitRecording(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	staging := filepath.Join(c.StagingRoot(), "work-1")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "recording.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}

	rec := &Recording{
		ID:            "rec-1",
		ReservationID: "res-1",
		Event:         newTestEvent("event-1"),
		Dir:           "rec-1",
		CreatedAt:     time.Now(),
	}
	if err := c.AtomicCommitRecording(ctx, rec, staging); err != nil {
		t.Fatalf("AtomicCommitRecording: %v", err)
	}

	if _, err := os.Stat(filepath.Join(c.RecordingsRoot(), "rec-1", "recording.m3u8")); err != nil {
		t.Fatalf("expected committed playlist: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("expected staging directory to be gone, got err=%v", err)
	}

	got, err := c.GetRecording(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.Dir != "rec-1" {
		t.Errorf("unexpected recording dir %q", got.Dir)
	}
}

func TestSweepOrphanedStagingOnReopen(t *testing.T) {
	dir := t.TempDir()
	c1, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}
	orphan := filepath.Join(c1.StagingRoot(), "abandoned")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}

	if _, err := OpenCatalogue(dir); err != nil {
		t.Fatalf("reopen OpenCatalogue: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned staging directory to be swept, got err=%v", err)
	}
}

func TestReconcileRecordingsRemovesOrphanedDirectory(t *testing.T) {
	dir := t.TempDir()
	c1, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}
	orphan := filepath.Join(c1.RecordingsRoot(), "orphan-rec")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}

	if _, err := OpenCatalogue(dir); err != nil {
		t.Fatalf("reopen OpenCatalogue: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned recording directory to be removed, got err=%v", err)
	}
}

func TestReconcileRecordingsDropsDanglingRow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c1, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	staging := filepath.Join(c1.StagingRoot(), "work-1")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	rec := &Recording{ID: "rec-1", Dir: "rec-1", Event: newTestEvent("event-1"), CreatedAt: time.Now()}
	if err := c1.AtomicCommitRecording(ctx, rec, staging); err != nil {
		t.Fatalf("AtomicCommitRecording: %v", err)
	}

	// simulate the directory having been deleted out from under the
	// catalogue (disk failure, manual cleanup, etc).
	if err := os.RemoveAll(filepath.Join(c1.RecordingsRoot(), "rec-1")); err != nil {
		t.Fatalf("remove recording dir: %v", err)
	}

	c2, err := OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("reopen OpenCatalogue: %v", err)
	}
	if _, err := c2.GetRecording(ctx, "rec-1"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected dangling recording row to be dropped, got err=%v", err)
	}
}

func TestRecordAndListWorkerEvents(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCatalogue(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	if err := c.RecordWorkerEvent(ctx, "res-1", EventArming, "arming"); err != nil {
		t.Fatalf("RecordWorkerEvent: %v", err)
	}
	if err := c.RecordWorkerEvent(ctx, "res-1", EventRunning, "running"); err != nil {
		t.Fatalf("RecordWorkerEvent: %v", err)
	}

	events, err := c.RecentWorkerEvents(ctx, "res-1", 1)
	if err != nil {
		t.Fatalf("RecentWorkerEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventRunning {
		t.Fatalf("unexpected events: %+v", events)
	}
}
