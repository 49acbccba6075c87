package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aont/nhk-radio-recorder/clock"
	"github.com/aont/nhk-radio-recorder/store"
)

func writeFakeMuxer(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "fakemuxer.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake muxer: %v", err)
	}
	return path
}

// writeFakeSegmentMuxer writes a fake muxer script that sleeps realSeconds
// of actual wall-clock time (the commit-policy duration check measures real
// process runtime, not the injected Clock), then writes a real last
// segment file plus a playlist referencing it.
func writeFakeSegmentMuxer(t *testing.T, dir string, realSeconds float64) string {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\n"+
		"for last; do :; done\n"+
		"segdir=\"$(dirname \"$last\")/segments\"\n"+
		"mkdir -p \"$segdir\"\n"+
		"sleep %.2f\n"+
		"printf 'fake-ts-data' > \"$segdir/00000.ts\"\n"+
		"cat > \"$last\" <<'EOF'\n"+
		"#EXTM3U\n#EXTINF:6.0,\nsegments/00000.ts\n#EXT-X-ENDLIST\nEOF\n"+
		"exit 0\n", realSeconds)
	return writeFakeMuxer(t, dir, script)
}

func TestWorkerRunCommitsRecording(t *testing.T) {
	dir := t.TempDir()
	cat, err := store.OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	// scheduled window 2s -> floor = min(1s, 60s) = 1s; muxer runs 1.2s
	// real time, comfortably clearing the floor.
	muxer := writeFakeSegmentMuxer(t, dir, 1.2)

	clk := clock.NewFake(time.Now())
	w := New(cat, clk, muxer, 6, cat.StagingRoot())

	now := clk.Now()
	plan := Plan{
		RecordingID:   "rec-1",
		ReservationID: "res-1",
		Event: store.BroadcastEvent{
			BroadcastEventID: "E1",
			ServiceID:        store.ServiceR1,
			AreaID:           "tokyo",
			Start:            now,
			End:              now.Add(2 * time.Second),
			DisplayName:      "Test Program",
		},
		SourceURL: "https://example.invalid/live.m3u8",
		ArmAt:     now,
		StopAt:    now.Add(2 * time.Second),
	}

	doneCh := make(chan struct{})
	var finalState State
	var runErr error
	go func() {
		finalState, runErr = w.Run(context.Background(), plan)
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish in time")
	}

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if finalState != StateCommitted {
		t.Fatalf("expected StateCommitted, got %v", finalState)
	}

	recs, err := cat.ListRecordings(context.Background())
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "rec-1" {
		t.Fatalf("unexpected recordings: %+v", recs)
	}
}

// TestWorkerRunRejectsSubFloorCapture mirrors spec §8 scenario 5: a muxer
// that exits almost immediately on a capture scheduled far longer than the
// floor must be rejected by the commit policy, leaving no Recording and no
// staging directory behind.
func TestWorkerRunRejectsSubFloorCapture(t *testing.T) {
	dir := t.TempDir()
	cat, err := store.OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	// scheduled window 30s -> floor = min(15s, 60s) = 15s; muxer exits
	// after ~0.2s, far below that floor.
	muxer := writeFakeSegmentMuxer(t, dir, 0.2)

	clk := clock.NewFake(time.Now())
	w := New(cat, clk, muxer, 6, cat.StagingRoot())

	now := clk.Now()
	plan := Plan{
		RecordingID:   "rec-short",
		ReservationID: "res-short",
		Event: store.BroadcastEvent{
			BroadcastEventID: "E-short",
			ServiceID:        store.ServiceR1,
			AreaID:           "tokyo",
			Start:            now,
			End:              now.Add(30 * time.Second),
			DisplayName:      "Test Program",
		},
		SourceURL: "https://example.invalid/live.m3u8",
		ArmAt:     now,
		StopAt:    now.Add(30 * time.Second),
	}

	doneCh := make(chan struct{})
	var finalState State
	go func() {
		finalState, _ = w.Run(context.Background(), plan)
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish in time")
	}

	if finalState != StateFailed {
		t.Fatalf("expected StateFailed, got %v", finalState)
	}

	recs, err := cat.ListRecordings(context.Background())
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no recordings, got %+v", recs)
	}

	if _, err := os.Stat(filepath.Join(cat.StagingRoot(), "rec-short")); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir to be removed, stat err = %v", err)
	}
}

// TestWorkerRunRetriesSpawnFailure asserts that a muxer path that cannot be
// executed is retried up to the spec's 2-further-attempts bound before the
// worker gives up.
func TestWorkerRunRetriesSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	cat, err := store.OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	clk := clock.NewFake(time.Now())
	w := New(cat, clk, filepath.Join(dir, "does-not-exist"), 6, cat.StagingRoot())

	now := clk.Now()
	plan := Plan{
		RecordingID:   "rec-spawnfail",
		ReservationID: "res-spawnfail",
		Event: store.BroadcastEvent{
			BroadcastEventID: "E-spawnfail",
			ServiceID:        store.ServiceR1,
			AreaID:           "tokyo",
			Start:            now,
			End:              now.Add(5 * time.Minute),
		},
		SourceURL: "https://example.invalid/live.m3u8",
		ArmAt:     now,
		StopAt:    now.Add(5 * time.Minute),
	}

	doneCh := make(chan struct{})
	var finalState State
	go func() {
		finalState, _ = w.Run(context.Background(), plan)
		close(doneCh)
	}()

	// advance the fake clock past both spawn-retry delays so Run doesn't
	// block on real wall-clock SleepUntil waits.
	for i := 0; i < maxSpawnAttempts; i++ {
		time.Sleep(50 * time.Millisecond)
		clk.Advance(spawnRetryDelay)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish in time")
	}

	if finalState != StateFailed {
		t.Fatalf("expected StateFailed, got %v", finalState)
	}

	// each failed attempt except the last logs a retry line.
	retries := 0
	for _, line := range w.Logs() {
		if strings.HasPrefix(line, "[system] muxer spawn failed") {
			retries++
		}
	}
	if retries != maxSpawnAttempts-1 {
		t.Fatalf("expected %d spawn retries, got %d", maxSpawnAttempts-1, retries)
	}
}

func TestWorkerRunCanceled(t *testing.T) {
	dir := t.TempDir()
	cat, err := store.OpenCatalogue(dir)
	if err != nil {
		t.Fatalf("OpenCatalogue: %v", err)
	}

	script := "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30\n"
	muxer := writeFakeMuxer(t, dir, script)

	clk := clock.NewFake(time.Now())
	w := New(cat, clk, muxer, 6, cat.StagingRoot())

	now := clk.Now()
	plan := Plan{
		RecordingID:   "rec-2",
		ReservationID: "res-2",
		Event: store.BroadcastEvent{
			BroadcastEventID: "E2",
			ServiceID:        store.ServiceR1,
			AreaID:           "tokyo",
			Start:            now,
			End:              now.Add(time.Minute),
		},
		SourceURL: "https://example.invalid/live.m3u8",
		ArmAt:     now,
		StopAt:    now.Add(time.Minute),
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	var finalState State
	go func() {
		finalState, _ = w.Run(ctx, plan)
		close(doneCh)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not terminate after cancellation")
	}
	if finalState != StateCanceled {
		t.Fatalf("expected StateCanceled, got %v", finalState)
	}
}
