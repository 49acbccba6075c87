// Package scheduler is the heart of the recorder: it owns pending-capture
// timers, polls SeriesWatch reservations against the upstream schedule,
// reconciles against Store, and enforces one active capture per
// reservation (spec §4.5).
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aont/nhk-radio-recorder/capture"
	"github.com/aont/nhk-radio-recorder/clock"
	"github.com/aont/nhk-radio-recorder/store"
	"github.com/aont/nhk-radio-recorder/upstream"
)

// Config bundles the scheduler's tunables (spec §6 "Configuration").
type Config struct {
	ReconcileInterval time.Duration
	SchedulingHorizon time.Duration
	SeriesHorizon     time.Duration
	LeadIn            time.Duration
	TailOut           time.Duration
	MuxerPath         string
	SegmentSeconds    int
	StagingRoot       string
}

// planEntry tracks one in-flight capture so the Scheduler never arms a
// second one for the same reservation (spec §4.5 "one-active-capture-per-
// target invariant") and so a deletion can cancel it.
type planEntry struct {
	cancel context.CancelFunc
	worker *capture.Worker
}

// Scheduler is the spec's Scheduler module.
type Scheduler struct {
	st  store.Store
	uc  *upstream.Client
	clk clock.Clock
	cfg Config

	mu    sync.Mutex
	plans map[string]*planEntry // keyed by reservation id

	wake chan struct{}
}

// New builds a Scheduler. Call Run to start its reconciliation loop.
func New(st store.Store, uc *upstream.Client, clk clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		st:    st,
		uc:    uc,
		clk:   clk,
		cfg:   cfg,
		plans: map[string]*planEntry{},
		wake:  make(chan struct{}, 1),
	}
}

// Notify wakes the reconciliation loop early, e.g. right after the API
// layer creates or deletes a reservation, instead of waiting out the rest
// of the current reconcile interval.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ActiveWorker returns the Worker currently capturing for reservation id,
// if one is in flight.
func (s *Scheduler) ActiveWorker(id string) (*capture.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, false
	}
	return p.worker, true
}

// CancelReservation cancels the in-flight capture for id, if any. The
// caller is responsible for also removing the reservation from Store.
func (s *Scheduler) CancelReservation(id string) {
	s.mu.Lock()
	p, ok := s.plans[id]
	s.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// Run blocks, reconciling every ReconcileInterval (or immediately on
// Notify), until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)
	for {
		next := s.clk.Now().Add(s.cfg.ReconcileInterval)
		sleepDone := make(chan struct{})
		sleepCtx, stopSleep := context.WithCancel(ctx)
		go func() {
			s.clk.SleepUntil(sleepCtx, next)
			close(sleepDone)
		}()

		select {
		case <-ctx.Done():
			stopSleep()
			return
		case <-s.wake:
			stopSleep()
		case <-sleepDone:
			stopSleep()
		}

		if ctx.Err() != nil {
			return
		}
		s.tick(ctx)
	}
}

// tick is one reconciliation pass (spec §4.5, steps 1-2).
func (s *Scheduler) tick(ctx context.Context) {
	reservations, err := s.st.ListReservations(ctx)
	if err != nil {
		log.Printf("scheduler: list reservations: %v", err)
		return
	}

	for _, r := range reservations {
		if r.Kind == store.KindSeriesWatch {
			s.pollSeriesWatch(ctx, r)
		}
	}

	// re-list: polling may have materialised new SingleEvent children.
	reservations, err = s.st.ListReservations(ctx)
	if err != nil {
		log.Printf("scheduler: re-list reservations: %v", err)
		return
	}
	for _, r := range reservations {
		if r.Kind == store.KindSingleEvent {
			s.armIfDue(ctx, r)
		}
	}
}

// pollSeriesWatch implements spec §4.5 step 2: fetch upstream events for
// the watched series, subtract the seen set, materialise new SingleEvent
// children, extend the seen set. Upstream errors are logged and skipped —
// they never mutate the watch (spec §4.5: "no reservations are mutated on
// a failed tick").
func (s *Scheduler) pollSeriesWatch(ctx context.Context, watch *store.Reservation) {
	ref := upstream.SeriesRef{SeriesCode: watch.Watch.SeriesCode, SeriesID: watch.Watch.SeriesID}
	events, err := s.uc.FetchEvents(ctx, ref, s.cfg.SeriesHorizon)
	if err != nil {
		log.Printf("scheduler: series watch %s: fetch_events: %v", watch.ID, err)
		return
	}

	seen := watch.Watch.Seen
	if seen == nil {
		seen = map[string]bool{}
	}

	now := s.clk.Now()
	var batch []*store.Reservation
	newSeen := map[string]bool{}
	for k, v := range seen {
		newSeen[k] = v
	}

	for _, ev := range events {
		if seen[ev.BroadcastEventID] {
			continue
		}
		if watch.Watch.AreaID != "" && ev.AreaID != watch.Watch.AreaID {
			continue
		}
		newSeen[ev.BroadcastEventID] = true

		child := &store.Reservation{
			ID:        uuid.NewString(),
			Kind:      store.KindSingleEvent,
			CreatedAt: now,
			UpdatedAt: now,
			Single: &store.SingleEventData{
				Event:         ev,
				Status:        store.StatusPending,
				ParentWatchID: watch.ID,
			},
		}
		batch = append(batch, child)
	}

	if len(batch) == 0 {
		return
	}

	watch.Watch.Seen = newSeen
	watch.UpdatedAt = now
	batch = append(batch, watch)

	if err := s.st.PutReservations(ctx, batch); err != nil {
		log.Printf("scheduler: series watch %s: persist children: %v", watch.ID, err)
	}
}

// armIfDue implements spec §4.5 step 1: a pending SingleEvent whose start
// falls within the scheduling horizon gets a CapturePlan and a Worker.
func (s *Scheduler) armIfDue(ctx context.Context, res *store.Reservation) {
	if res.Single.Status != store.StatusPending {
		return
	}

	s.mu.Lock()
	_, already := s.plans[res.ID]
	s.mu.Unlock()
	if already {
		return
	}

	now := s.clk.Now()
	if res.Single.Event.Start.After(now.Add(s.cfg.SchedulingHorizon)) {
		return
	}

	sourceURL, err := s.uc.FetchHLSSource(ctx, res.Single.Event.ServiceID, res.Single.Event.AreaID)
	if err != nil {
		log.Printf("scheduler: reservation %s: fetch_hls_source: %v", res.ID, err)
		return
	}

	recordingID := uuid.NewString()
	plan, ok := computeCapturePlan(recordingID, res, sourceURL, now, s.cfg.LeadIn, s.cfg.TailOut)
	if !ok {
		log.Printf("scheduler: reservation %s: remaining capture window below %s floor, marking failed", res.ID, minCaptureWindow)
		res.Single.Status = store.StatusFailed
		res.Single.ErrorMessage = "remaining capture window too short"
		res.UpdatedAt = now
		if err := s.st.PutReservation(ctx, res); err != nil {
			log.Printf("scheduler: reservation %s: mark failed: %v", res.ID, err)
		}
		return
	}
	worker := capture.New(s.st, s.clk, s.cfg.MuxerPath, s.cfg.SegmentSeconds, s.cfg.StagingRoot)

	captureCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.plans[res.ID] = &planEntry{cancel: cancel, worker: worker}
	s.mu.Unlock()

	res.Single.Status = store.StatusInProgress
	res.UpdatedAt = now
	if err := s.st.PutReservation(ctx, res); err != nil {
		log.Printf("scheduler: reservation %s: mark in_progress: %v", res.ID, err)
	}

	go s.runCapture(captureCtx, cancel, res.ID, plan, worker)
}

// runCapture drives one Worker to completion and reflects its outcome back
// onto the reservation.
func (s *Scheduler) runCapture(ctx context.Context, cancel context.CancelFunc, reservationID string, plan capture.Plan, worker *capture.Worker) {
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.plans, reservationID)
		s.mu.Unlock()
	}()

	finalState, runErr := worker.Run(ctx, plan)

	bg := context.Background()
	res, err := s.st.GetReservation(bg, reservationID)
	if err != nil {
		// reservation was deleted while the capture was in flight; nothing
		// left to update.
		return
	}
	if res.Kind != store.KindSingleEvent {
		return
	}

	switch finalState {
	case capture.StateCommitted:
		res.Single.Status = store.StatusDone
		res.Single.RecordingID = plan.RecordingID
	case capture.StateCanceled:
		res.Single.Status = store.StatusCanceled
	default:
		res.Single.Status = store.StatusFailed
		if runErr != nil {
			res.Single.ErrorMessage = runErr.Error()
		}
	}
	res.UpdatedAt = s.clk.Now()

	if err := s.st.PutReservation(bg, res); err != nil {
		log.Printf("scheduler: reservation %s: update final status: %v", reservationID, err)
	}
}
