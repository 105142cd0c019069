package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ops-orchestrator/internal/broadcast"
	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/queue"
	"ops-orchestrator/internal/ratelimit"
	"ops-orchestrator/internal/scheduler"
	"ops-orchestrator/internal/store"
	"ops-orchestrator/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Server wires HTTP handlers for queue submission, schedule changes and the
// status subscription.
type Server struct {
	cfg      config.Config
	store    store.Store
	notifier *queue.Notifier
	limiter  ratelimit.Limiter
	status   *broadcast.Broadcaster
	actions  map[string]bool
	log      logx.Logger
	now      func() time.Time
}

// New constructs the API server. actions is the set of action names callers
// may submit or reschedule.
func New(cfg config.Config, st store.Store, n *queue.Notifier, limiter ratelimit.Limiter, status *broadcast.Broadcaster, actions []string, log logx.Logger) *Server {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		notifier: n,
		limiter:  limiter,
		status:   status,
		actions:  set,
		log:      log.Component("api"),
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Requested-By", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Handle("/ws", broadcast.NewWebSocket(s.status, s.cfg.AllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Post("/queue", s.handleEnqueue)
		r.Get("/queue", s.handleListQueue)
		r.Get("/queue/{id}", s.handleGetEntry)
		r.Get("/jobs", s.handleListJobs)
		r.Route("/jobs/{action}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Put("/schedule", s.handleSchedule)
			r.Put("/enabled", s.handleEnabled)
		})
		r.Get("/actions", s.handleActions)
		r.Get("/status/stream", s.status.ServeStream)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"statusSubscribers": s.status.Subscribers(),
	})
}

type enqueueRequest struct {
	Action       string      `json:"action"`
	Args         models.Args `json:"args"`
	RequestedBy  *string     `json:"requestedBy"`
	ScheduledFor *time.Time  `json:"scheduledFor"`
	DelaySeconds int         `json:"delaySeconds"`
}

type enqueueResponse struct {
	ID    int64             `json:"id"`
	Entry models.QueueEntry `json:"entry"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if !s.actions[req.Action] {
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delaySeconds must not be negative")
		return
	}
	if req.RequestedBy == nil || *req.RequestedBy == "" {
		if by := strings.TrimSpace(r.Header.Get("X-Requested-By")); by != "" {
			req.RequestedBy = &by
		} else {
			req.RequestedBy = nil
		}
	}

	if !s.allow(w, r, req.RequestedBy) {
		return
	}

	now := s.now()
	scheduledFor := req.ScheduledFor
	if req.DelaySeconds > 0 {
		at := now.Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduledFor = &at
	}
	// Submissions always start a fresh retry chain.
	args := req.Args.Clone()
	delete(args, models.RetryCountKey)

	jobName := req.Action
	if def, err := s.store.GetDefinition(r.Context(), req.Action); err == nil && def != nil && def.JobName != "" {
		jobName = def.JobName
	}

	entry, err := s.store.CreateEntry(r.Context(), store.CreateEntryParams{
		JobName:      jobName,
		Action:       req.Action,
		Args:         args,
		RequestedBy:  req.RequestedBy,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
	})
	if err != nil {
		s.log.Error("create queue entry failed", logx.String("action", req.Action), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.EnqueueCounter.Inc()
	if err := s.notifier.EntryCreated(r.Context(), entry.ID); err != nil {
		s.log.Warn("queue notification not sent", logx.Int64("entry_id", entry.ID), logx.Err(err))
	}
	s.log.Info("queue entry submitted", logx.Int64("entry_id", entry.ID), logx.String("action", entry.Action))
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: entry.ID, Entry: entry})
}

// allow applies the per-requester rate limit. It writes the error response
// and returns false when the request must stop.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, requestedBy *string) bool {
	if s.limiter == nil {
		return true
	}
	key := clientIP(r)
	if requestedBy != nil {
		key = "by:" + *requestedBy
	}
	allowed, wait, err := s.limiter.Take(r.Context(), key)
	if err != nil {
		s.log.Error("rate limiter failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	entries, err := s.store.ListRecentEntries(r.Context(), limit)
	if err != nil {
		s.log.Error("list queue failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "list queue failed")
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	entry, err := s.store.GetEntry(r.Context(), id)
	if err != nil {
		s.log.Error("get queue entry failed", logx.Int64("entry_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "get queue entry failed")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListDefinitions(r.Context())
	if err != nil {
		s.log.Error("list definitions failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if defs == nil {
		defs = []models.RecurringJobDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": defs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	def, err := s.store.GetDefinition(r.Context(), action)
	if err != nil {
		s.log.Error("get definition failed", logx.String("action", action), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	if def == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type scheduleRequest struct {
	ScheduleExpression string  `json:"scheduleExpression"`
	PendingArgs        *string `json:"pendingArgs"`
}

// handleSchedule rewrites a definition's schedule and, optionally, the args
// its next firing consumes. This is how a "run soon" request is made.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !s.actions[action] {
		writeError(w, http.StatusNotFound, "unknown action "+strconv.Quote(action))
		return
	}
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	expr := strings.TrimSpace(req.ScheduleExpression)
	if err := scheduler.Validate(expr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch := models.DefinitionPatch{ScheduleExpression: &expr, PendingArgs: req.PendingArgs}
	s.updateDefinition(w, r, action, patch)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleEnabled(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !s.actions[action] {
		writeError(w, http.StatusNotFound, "unknown action "+strconv.Quote(action))
		return
	}
	var req enabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.updateDefinition(w, r, action, models.DefinitionPatch{Enabled: req.Enabled})
}

func (s *Server) updateDefinition(w http.ResponseWriter, r *http.Request, action string, patch models.DefinitionPatch) {
	if err := s.store.UpsertDefinition(r.Context(), action, patch); err != nil {
		s.log.Error("update definition failed", logx.String("action", action), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "update job failed")
		return
	}
	if err := s.notifier.DefinitionsChanged(r.Context(), action); err != nil {
		s.log.Warn("definitions notification not sent", logx.String("action", action), logx.Err(err))
	}
	def, err := s.store.GetDefinition(r.Context(), action)
	if err != nil || def == nil {
		writeError(w, http.StatusInternalServerError, "reload job failed")
		return
	}
	s.log.Info("definition updated", logx.String("action", action),
		logx.String("schedule", def.ScheduleExpression), logx.Bool("enabled", def.Enabled))
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleActions(w http.ResponseWriter, _ *http.Request) {
	out := make([]string, 0, len(s.actions))
	for a := range s.actions {
		out = append(out, a)
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, map[string]any{"actions": out})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
