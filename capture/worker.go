// Package capture owns the one external muxer subprocess per active
// recording: arming at lead-in, supervising the process for the scheduled
// window, and committing (or failing) the result.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/aont/nhk-radio-recorder/clock"
	"github.com/aont/nhk-radio-recorder/store"
)

// maxLogLines bounds the in-memory ring buffer of muxer output kept per
// worker, for the live log-tail endpoint and post-mortem diagnostics.
const maxLogLines = 200

// terminationGrace is how long a worker waits after SIGTERM before
// escalating to SIGKILL.
const terminationGrace = 5 * time.Second

// maxSpawnAttempts is the initial attempt plus the 2 retries spec §4.4
// allows for MuxerSpawnFailed.
const maxSpawnAttempts = 3

// spawnRetryDelay is the pause between spawn retries.
const spawnRetryDelay = 2 * time.Second

// commitDurationFloor is the absolute ceiling on the commit-policy duration
// floor (spec §4.4: "≥ 50% of the scheduled duration or ≥ 60s, whichever is
// smaller").
const commitDurationFloor = 60 * time.Second

// State is a CapturePlan's lifecycle state (spec §4.4).
type State string

const (
	StateScheduled  State = "scheduled"
	StateArming     State = "arming"
	StateRunning    State = "running"
	StateFinalising State = "finalising"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

// Plan is everything a Worker needs to arm, run and commit one capture.
type Plan struct {
	RecordingID   string
	ReservationID string
	Event         store.BroadcastEvent
	SourceURL     string // resolved live HLS playlist URL
	ArmAt         time.Time
	StopAt        time.Time // end + tail-out
}

// Worker supervises the muxer subprocess for a single Plan. One Worker is
// used for exactly one Plan; the Scheduler creates a new Worker per
// capture.
type Worker struct {
	st             store.Store
	clk            clock.Clock
	muxerPath      string
	segmentSeconds int
	stagingRoot    string
	recordingsRoot string

	mu    sync.Mutex
	state State
	pid   int
	logs  []string
}

// New builds a Worker. stagingRoot and recordingsRoot come from the
// catalogue (store.Catalogue.StagingRoot/RecordingsRoot).
func New(st store.Store, clk clock.Clock, muxerPath string, segmentSeconds int, stagingRoot string) *Worker {
	return &Worker{
		st:             st,
		clk:            clk,
		muxerPath:      muxerPath,
		segmentSeconds: segmentSeconds,
		stagingRoot:    stagingRoot,
		recordingsRoot: st.RecordingsRoot(),
		state:          StateScheduled,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Logs returns a snapshot of the muxer's recent stderr lines.
func (w *Worker) Logs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.logs))
	copy(out, w.logs)
	return out
}

func (w *Worker) addLog(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, line)
	if len(w.logs) > maxLogLines {
		w.logs = w.logs[len(w.logs)-maxLogLines:]
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run arms, executes and finalises plan, blocking until the capture reaches
// a terminal state or ctx is cancelled. The returned error is non-nil only
// for StateFailed and StateCanceled.
func (w *Worker) Run(ctx context.Context, plan Plan) (State, error) {
	w.setState(StateArming)
	if err := w.recordPlanEvent(ctx, plan, store.EventArming, "arming"); err != nil {
		log.Printf("capture[%s]: record arming event: %v", plan.ReservationID, err)
	}

	if err := w.clk.SleepUntil(ctx, plan.ArmAt); err != nil {
		w.setState(StateCanceled)
		w.recordPlanEvent(context.Background(), plan, store.EventCanceled, "canceled while arming")
		return StateCanceled, err
	}

	stagingDir := filepath.Join(w.stagingRoot, plan.RecordingID)
	if err := os.MkdirAll(filepath.Join(stagingDir, "segments"), 0o755); err != nil {
		w.setState(StateFailed)
		w.recordPlanEvent(context.Background(), plan, store.EventFailed, fmt.Sprintf("create staging dir: %v", err))
		return StateFailed, store.NewError(store.KindStorageIO, fmt.Sprintf("create staging dir: %v", err))
	}

	w.setState(StateRunning)
	w.recordPlanEvent(ctx, plan, store.EventRunning, "muxer started")

	var elapsed time.Duration
	var spawnErr error
	for attempt := 1; attempt <= maxSpawnAttempts; attempt++ {
		elapsed, spawnErr = w.runMuxer(ctx, plan, stagingDir)
		if spawnErr == nil || ctx.Err() != nil {
			break
		}
		if attempt == maxSpawnAttempts {
			break
		}
		retryAt := w.clk.Now().Add(spawnRetryDelay)
		if !retryAt.Before(plan.StopAt) {
			break
		}
		w.addLog(fmt.Sprintf("[system] muxer spawn failed (attempt %d/%d): %v", attempt, maxSpawnAttempts, spawnErr))
		if err := w.clk.SleepUntil(ctx, retryAt); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		_ = os.RemoveAll(stagingDir)
		w.setState(StateCanceled)
		w.recordPlanEvent(context.Background(), plan, store.EventCanceled, "canceled during capture")
		return StateCanceled, ctx.Err()
	}

	if spawnErr != nil {
		_ = os.RemoveAll(stagingDir)
		w.setState(StateFailed)
		w.recordPlanEvent(context.Background(), plan, store.EventFailed, spawnErr.Error())
		return StateFailed, spawnErr
	}

	w.setState(StateFinalising)
	if err := w.finalise(plan, stagingDir, elapsed); err != nil {
		_ = os.RemoveAll(stagingDir)
		w.setState(StateFailed)
		w.recordPlanEvent(context.Background(), plan, store.EventFailed, err.Error())
		return StateFailed, err
	}

	w.setState(StateCommitted)
	w.recordPlanEvent(context.Background(), plan, store.EventCommitted, "recording committed")
	return StateCommitted, nil
}

func (w *Worker) recordPlanEvent(ctx context.Context, plan Plan, t store.WorkerEventType, msg string) error {
	return w.st.RecordWorkerEvent(ctx, plan.ReservationID, t, msg)
}

// runMuxer spawns the external muxer and supervises it until it exits on
// its own, the stop deadline is reached, or ctx is cancelled — escalating
// from SIGTERM to SIGKILL on the latter two (grounded on the direct
// exec.CommandContext supervision pattern, adapted here for manual
// graceful-then-forced termination rather than the immediate-kill default).
//
// The returned error is non-nil only for MuxerSpawnFailed (failure to
// attach stderr or start the process) — the caller retries those. A muxer
// that starts and later exits non-zero (MuxerCrashed) is not reported as an
// error here: the commit policy in finalise is the sole judge of whether
// what was captured is usable (spec §4.4 "Fails with").  elapsed is the
// real wall-clock time the muxer process ran, measured independently of
// the injected Clock since it reflects actual OS process execution, not
// the virtual schedule.
func (w *Worker) runMuxer(ctx context.Context, plan Plan, stagingDir string) (elapsed time.Duration, spawnErr error) {
	duration := plan.StopAt.Sub(w.clk.Now())
	if duration <= 0 {
		duration = time.Second
	}

	args := w.buildArgs(plan, stagingDir, duration)
	cmd := exec.Command(w.muxerPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, store.NewError(store.KindCaptureFailed, fmt.Sprintf("attach stderr: %v", err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 0, store.NewError(store.KindCaptureFailed, fmt.Sprintf("start muxer: %v", err))
	}
	w.mu.Lock()
	w.pid = cmd.Process.Pid
	w.mu.Unlock()
	w.addLog(fmt.Sprintf("[system] muxer started pid=%d", cmd.Process.Pid))

	go w.drainOutput(stderr)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	deadlineCh := make(chan struct{}, 1)
	deadlineCtx, stopDeadline := context.WithCancel(ctx)
	defer stopDeadline()
	go func() {
		if err := w.clk.SleepUntil(deadlineCtx, plan.StopAt); err == nil {
			select {
			case deadlineCh <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case err := <-waitCh:
		w.addLog(fmt.Sprintf("[system] muxer exited: %v", err))
		return time.Since(start), nil
	case <-ctx.Done():
		w.terminate(cmd, waitCh)
		return time.Since(start), nil
	case <-deadlineCh:
		w.terminate(cmd, waitCh)
		return time.Since(start), nil
	}
}

func (w *Worker) terminate(cmd *exec.Cmd, waitCh chan error) {
	w.addLog("[system] sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("capture: signal pid=%d: %v", cmd.Process.Pid, err)
	}
	select {
	case <-waitCh:
	case <-time.After(terminationGrace):
		w.addLog("[system] grace period elapsed, sending SIGKILL")
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

func (w *Worker) drainOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		w.addLog(sc.Text())
	}
}

// buildArgs constructs the ffmpeg invocation that captures plan.SourceURL
// to an HLS VOD tree under stagingDir (spec §4.4: "capture the live HLS
// stream during that window to local disk ... options to reconnect on
// network errors and tolerate short gaps, no video stream, no
// re-encoding").
func (w *Worker) buildArgs(plan Plan, stagingDir string, duration time.Duration) []string {
	return []string{
		"-y",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", plan.SourceURL,
		"-t", fmt.Sprintf("%.3f", duration.Seconds()),
		"-vn",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", w.segmentSeconds),
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(stagingDir, "segments", "%05d.ts"),
		filepath.Join(stagingDir, "recording.m3u8"),
	}
}

// finalise applies the commit policy (spec §4.4): a playlist with ≥1
// segment, a captured wall-clock duration at or above the floor, and a
// non-empty last segment file. Any failure here means the caller removes
// stagingDir and marks the reservation failed.
func (w *Worker) finalise(plan Plan, stagingDir string, elapsed time.Duration) error {
	playlist := filepath.Join(stagingDir, "recording.m3u8")
	n, err := CountSegments(playlist)
	if err != nil {
		return store.NewError(store.KindCaptureFailed, fmt.Sprintf("read playlist: %v", err))
	}
	if n == 0 {
		return store.NewError(store.KindCaptureFailed, "capture produced no segments")
	}

	floor := commitDurationFloor
	if half := plan.StopAt.Sub(plan.ArmAt) / 2; half < floor {
		floor = half
	}
	if elapsed < floor {
		return store.NewError(store.KindCaptureFailed, fmt.Sprintf("captured duration %s below floor %s", elapsed, floor))
	}

	lastSegment := filepath.Join(stagingDir, "segments", fmt.Sprintf("%05d.ts", n-1))
	info, err := os.Stat(lastSegment)
	if err != nil {
		return store.NewError(store.KindCaptureFailed, fmt.Sprintf("last segment missing: %v", err))
	}
	if info.Size() == 0 {
		return store.NewError(store.KindCaptureFailed, "last segment is empty")
	}

	if err := EnsureEndList(playlist); err != nil {
		return store.NewError(store.KindCaptureFailed, fmt.Sprintf("finalise playlist: %v", err))
	}

	size, err := dirSize(stagingDir)
	if err != nil {
		return store.NewError(store.KindStorageIO, fmt.Sprintf("measure recording size: %v", err))
	}

	rec := &store.Recording{
		ID:            plan.RecordingID,
		ReservationID: plan.ReservationID,
		Event:         plan.Event,
		Dir:           plan.RecordingID,
		Metadata:      map[string]string{},
		CreatedAt:     w.clk.Now(),
		SizeBytes:     size,
		DurationSecs:  plan.Event.End.Sub(plan.Event.Start).Seconds(),
	}

	return w.st.AtomicCommitRecording(context.Background(), rec, stagingDir)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
