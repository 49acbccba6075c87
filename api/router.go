// Package api exposes the recorder's HTTP/JSON surface (spec §6
// "ApiSurface"): reservation and recording CRUD, series/event lookups, and
// static HLS playback of committed recordings. Each handler is thin:
// input validation, one Store or Scheduler call, JSON response.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aont/nhk-radio-recorder/clock"
	"github.com/aont/nhk-radio-recorder/scheduler"
	"github.com/aont/nhk-radio-recorder/store"
	"github.com/aont/nhk-radio-recorder/upstream"
)

// Server holds every collaborator the HTTP handlers need.
type Server struct {
	st            store.Store
	uc            *upstream.Client
	sched         *scheduler.Scheduler
	clk           clock.Clock
	converterPath string
	eventsHorizon time.Duration
	reserveGrace  int // seconds; how far in the past a new single-event start may be
}

// New builds a Server. converterPath is the converter executable used for
// on-demand single-container conversion (spec §4.6, §6).
func New(st store.Store, uc *upstream.Client, sched *scheduler.Scheduler, clk clock.Clock, converterPath string, eventsHorizon time.Duration) *Server {
	return &Server{
		st:            st,
		uc:            uc,
		sched:         sched,
		clk:           clk,
		converterPath: converterPath,
		eventsHorizon: eventsHorizon,
		reserveGrace:  30,
	}
}

// NewRouter registers all endpoints and returns the application handler.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /series", s.listSeries)
	mux.HandleFunc("GET /series/resolve", s.resolveSeriesCode)
	mux.HandleFunc("GET /events", s.listEvents)

	mux.HandleFunc("GET /reservations", s.listReservations)
	mux.HandleFunc("POST /reservation/single-event", s.createSingleEvent)
	mux.HandleFunc("POST /reservation/watch-series", s.createWatchSeries)
	mux.HandleFunc("DELETE /reservations/{id}", s.deleteReservation)
	mux.HandleFunc("GET /reservations/{id}/logs/ws", s.liveLogWS)
	mux.HandleFunc("GET /reservations/{id}/events", s.listReservationWorkerEvents)

	mux.HandleFunc("GET /recordings", s.listRecordings)
	mux.HandleFunc("PATCH /recordings/{id}/metadata", s.patchRecordingMetadata)
	mux.HandleFunc("GET /recordings/{id}/download", s.downloadRecording)
	mux.HandleFunc("POST /recordings/bulk-download", s.bulkDownload)
	mux.HandleFunc("DELETE /recordings/{id}", s.deleteRecording)
	mux.HandleFunc("GET /recordings/{id}/recording.m3u8", s.serveHLSAsset)
	mux.HandleFunc("GET /recordings/{id}/segments/{name}", s.serveHLSAsset)

	mux.HandleFunc("GET /health", s.health)

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps a store.Kind to an HTTP status (spec §7 propagation
// policy table).
func statusForKind(k store.Kind) int {
	switch k {
	case store.KindBadRequest:
		return http.StatusBadRequest
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindConflict:
		return http.StatusConflict
	case store.KindUpstreamUnavailable, store.KindUpstreamMalformed:
		return http.StatusBadGateway
	case store.KindCaptureFailed, store.KindStorageIO, store.KindInternal:
		return http.StatusInternalServerError
	case store.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the spec §6 error envelope
// {error:{kind,message,field?}}, mapping kind to an HTTP status per §7.
func writeError(w http.ResponseWriter, err error) {
	se, ok := err.(*store.Error)
	if !ok {
		se = store.NewError(store.KindInternal, err.Error())
	}
	body := map[string]any{
		"kind":    se.Kind,
		"message": se.Msg,
	}
	if se.Field != "" {
		body["field"] = se.Field
	}
	writeJSON(w, statusForKind(se.Kind), map[string]any{"error": body})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return store.NewError(store.KindBadRequest, "invalid JSON: "+err.Error())
	}
	return nil
}

// ---- series / events ----

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.uc.ListSeries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) resolveSeriesCode(w http.ResponseWriter, r *http.Request) {
	seriesURL := r.URL.Query().Get("series_url")
	if seriesURL == "" {
		writeError(w, store.NewFieldError("series_url", "series_url is required"))
		return
	}
	code, err := s.uc.ResolveSeriesCode(r.Context(), seriesURL)
	if err != nil {
		writeError(w, err)
		return
	}
	if code == "" {
		writeError(w, store.NewError(store.KindNotFound, "no series matches series_url"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"seriesCode": code})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := upstream.SeriesRef{
		SeriesCode: q.Get("series_code"),
		SeriesURL:  q.Get("series_url"),
		SeriesID:   q.Get("series_id"),
	}
	if ref.SeriesCode == "" && ref.SeriesURL == "" && ref.SeriesID == "" {
		writeError(w, store.NewError(store.KindBadRequest, "one of series_code, series_url or series_id is required"))
		return
	}
	events, err := s.uc.FetchEvents(r.Context(), ref, s.eventsHorizon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ---- reservations ----

func (s *Server) listReservations(w http.ResponseWriter, r *http.Request) {
	reservations, err := s.st.ListReservations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

type singleEventRequest struct {
	SeriesID   string               `json:"series_id"`
	SeriesCode string               `json:"series_code"`
	Event      store.BroadcastEvent `json:"event"`
}

func (s *Server) createSingleEvent(w http.ResponseWriter, r *http.Request) {
	var body singleEventRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Event.RadioSeriesID == "" {
		body.Event.RadioSeriesID = body.SeriesID
	}
	if err := body.Event.Validate(s.clk.Now(), s.reserveGrace); err != nil {
		writeError(w, err)
		return
	}

	now := s.clk.Now()
	res := &store.Reservation{
		ID:        uuid.NewString(),
		Kind:      store.KindSingleEvent,
		CreatedAt: now,
		UpdatedAt: now,
		Single: &store.SingleEventData{
			Event:  body.Event,
			Status: store.StatusPending,
		},
	}
	if err := s.st.PutReservation(r.Context(), res); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Notify()
	writeJSON(w, http.StatusCreated, res)
}

type watchSeriesRequest struct {
	SeriesID               string   `json:"series_id"`
	SeriesCode             string   `json:"series_code"`
	AreaID                 string   `json:"area_id"`
	SeenBroadcastEventIDs  []string `json:"seen_broadcast_event_ids"`
}

func (s *Server) createWatchSeries(w http.ResponseWriter, r *http.Request) {
	var body watchSeriesRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SeriesID == "" && body.SeriesCode == "" {
		writeError(w, store.NewFieldError("series_id", "series_id or series_code is required"))
		return
	}

	seen := map[string]bool{}
	for _, id := range body.SeenBroadcastEventIDs {
		seen[id] = true
	}

	now := s.clk.Now()
	res := &store.Reservation{
		ID:        uuid.NewString(),
		Kind:      store.KindSeriesWatch,
		CreatedAt: now,
		UpdatedAt: now,
		Watch: &store.SeriesWatchData{
			SeriesID:   body.SeriesID,
			SeriesCode: body.SeriesCode,
			AreaID:     body.AreaID,
			Seen:       seen,
		},
	}
	if err := s.st.PutReservation(r.Context(), res); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Notify()
	writeJSON(w, http.StatusCreated, res)
}

// listReservationWorkerEvents returns the most recent capture lifecycle
// events recorded for a reservation (spec SPEC_FULL.md supplement #2).
func (s *Server) listReservationWorkerEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, store.NewFieldError("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := s.st.RecentWorkerEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) deleteReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sched.CancelReservation(id)
	if err := s.st.DeleteReservation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Notify()
	w.WriteHeader(http.StatusNoContent)
}

// ---- recordings ----

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := s.st.ListRecordings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordings)
}

func (s *Server) patchRecordingMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch map[string]string
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.st.UpdateRecordingMetadata(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteRecording(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- health ----

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	reservations, err := s.st.ListReservations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	pending, inProgress := 0, 0
	for _, res := range reservations {
		if res.Kind != store.KindSingleEvent {
			continue
		}
		switch res.Single.Status {
		case store.StatusPending:
			pending++
		case store.StatusInProgress:
			inProgress++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"reservations": len(reservations),
		"pending":      pending,
		"in_progress":  inProgress,
	})
}
