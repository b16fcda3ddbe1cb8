package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/inspect"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/outbox"
)

// defaultActor names operator actions that do not say who performed them.
const defaultActor = "api"

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.deps.Control.Get(ctx)
	if err != nil {
		s.internalError(w, "failed to read runtime control", err)
		return
	}
	active, err := s.deps.Dispatches.ActiveCount(ctx)
	if err != nil {
		s.internalError(w, "failed to count active dispatches", err)
		return
	}
	dispatches, err := s.deps.Dispatches.Counts(ctx)
	if err != nil {
		s.internalError(w, "failed to count dispatches", err)
		return
	}
	effects, err := s.deps.Effects.Counts(ctx)
	if err != nil {
		s.internalError(w, "failed to count effects", err)
		return
	}

	status := "ok"
	if !st.ProcessingEnabled {
		status = "paused"
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:            status,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ProcessingEnabled: st.ProcessingEnabled,
		ControlEpoch:      st.Epoch,
		ActiveDispatches:  active,
		Dispatches:        dispatches,
		Effects:           effects,
	})
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Control.Get(r.Context())
	if err != nil {
		s.internalError(w, "failed to read runtime control", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = control.PauseSoft
	}
	st, err := s.deps.Control.Pause(r.Context(), req.Mode, req.Reason, actor(req.By))
	if errors.Is(err, control.ErrInvalidMode) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "failed to pause processing", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.deps.Control.Resume(r.Context(), actor(req.By))
	if err != nil {
		s.internalError(w, "failed to resume processing", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var req ConcurrencyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.MaxConcurrentDispatches < 1 {
		s.writeError(w, http.StatusBadRequest, "max_concurrent_dispatches must be at least 1")
		return
	}
	st, err := s.deps.Control.SetMaxConcurrentDispatches(r.Context(), req.MaxConcurrentDispatches)
	if err != nil {
		s.internalError(w, "failed to set concurrency", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleListLanes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := lane.ListFilter{State: lane.State(q.Get("state")), Limit: queryInt(q, "limit")}
	if v := q.Get("paused"); v != "" {
		paused, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "paused must be a boolean")
			return
		}
		f.Paused = &paused
	}
	lanes, err := s.deps.Lanes.List(r.Context(), f)
	if err != nil {
		s.internalError(w, "failed to list lanes", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lanes": nonNil(lanes)})
}

func (s *Server) handleGetLane(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathParam(w, r, "key")
	if !ok {
		return
	}
	l, err := s.deps.Lanes.Get(r.Context(), key)
	if err != nil {
		s.storeError(w, err)
		return
	}
	pending, err := s.deps.Lanes.Messages(r.Context(), key, lane.MessagePending)
	if err != nil {
		s.internalError(w, "failed to list pending messages", err)
		return
	}
	respondJSON(w, http.StatusOK, LaneResponse{Lane: l, Pending: nonNil(pending)})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req lane.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Lanes.Enqueue(r.Context(), req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handlePauseLane(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathParam(w, r, "key")
	if !ok {
		return
	}
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	l, err := s.deps.Lanes.PauseLane(r.Context(), key, req.Reason, actor(req.By))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (s *Server) handleResumeLane(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathParam(w, r, "key")
	if !ok {
		return
	}
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	l, err := s.deps.Lanes.ResumeLane(r.Context(), key, actor(req.By))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (s *Server) handleSetLaneMode(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathParam(w, r, "key")
	if !ok {
		return
	}
	var req ModeRequest
	if !s.decode(w, r, &req) {
		return
	}
	l, err := s.deps.Lanes.SetMode(r.Context(), key, req.Mode)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Dispatches.List(r.Context(), dispatch.ListFilter{
		QueueKey: q.Get("queue_key"),
		Status:   dispatch.Status(q.Get("status")),
		Limit:    queryInt(q, "limit"),
	})
	if err != nil {
		s.internalError(w, "failed to list dispatches", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dispatches": nonNil(list)})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	report, err := inspect.Gather(r.Context(), s.sources(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + actor(req.By)
	}
	d, err := s.deps.Dispatches.RequestCancel(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handlePauseDispatch(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.deps.Dispatches.RequestPause(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleResumeDispatch(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Dispatches.ResumeDispatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleReplayDispatch(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.deps.Lanes.Replay(r.Context(), chi.URLParam(r, "id"), actor(req.By))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleMergeDispatch(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Into == "" {
		s.writeError(w, http.StatusBadRequest, "into is required")
		return
	}
	d, err := s.deps.Dispatches.Merge(r.Context(), chi.URLParam(r, "id"), req.Into)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleListEffects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Effects.List(r.Context(), outbox.ListFilter{
		DispatchID: q.Get("dispatch_id"),
		Status:     outbox.Status(q.Get("status")),
		Channel:    q.Get("channel"),
		Limit:      queryInt(q, "limit"),
	})
	if err != nil {
		s.internalError(w, "failed to list effects", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"effects": nonNil(list)})
}

func (s *Server) handleGetEffect(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Effects.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleReleaseEffect(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.deps.Effects.Release(r.Context(), chi.URLParam(r, "id"), actor(req.By))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) sources() inspect.Sources {
	return inspect.Sources{Dispatches: s.deps.Dispatches, Lanes: s.deps.Lanes, Effects: s.deps.Effects}
}

// decode reads an optional JSON body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// pathParam returns an unescaped route parameter. Lane keys contain '|'.
func (s *Server) pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || v == "" {
		s.writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return v, true
}

// storeError maps store sentinels to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, lane.ErrNotFound), errors.Is(err, outbox.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrNotMergeable),
		errors.Is(err, lane.ErrLaneBusy), errors.Is(err, outbox.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lane.ErrInvalid), errors.Is(err, lane.ErrInvalidMode):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, "request failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.writeError(w, http.StatusInternalServerError, msg)
}

func actor(by string) string {
	if by == "" {
		return defaultActor
	}
	return by
}

func queryInt(q url.Values, key string) int {
	n, _ := strconv.Atoi(q.Get(key))
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
