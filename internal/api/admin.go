package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/registry"
	"ops-orchestrator/internal/scheduler"
	"ops-orchestrator/internal/telemetry"
)

type Dispatcher interface {
	Has(action string) bool
	Dispatch(ctx context.Context, action string, args models.Args) (any, error)
}

type Snapshotter interface {
	Snapshot() []scheduler.Trigger
}

type StatusRecorder interface {
	Started(ctx context.Context, action string) error
	Finished(ctx context.Context, action string, runErr error) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Admin is the worker's local control surface: immediate dispatch, the
// scheduler's trigger table, health and metrics.
type Admin struct {
	ctx        context.Context
	dispatcher Dispatcher
	sched      Snapshotter
	recorder   StatusRecorder
	store      Pinger
	log        logx.Logger
	wg         sync.WaitGroup
}

// NewAdmin builds the admin router. Dispatched tasks run under ctx, so
// cancelling it cancels them.
func NewAdmin(ctx context.Context, d Dispatcher, sched Snapshotter, rec StatusRecorder, st Pinger, log logx.Logger) *Admin {
	return &Admin{ctx: ctx, dispatcher: d, sched: sched, recorder: rec, store: st, log: log.Component("admin")}
}

func (a *Admin) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/scheduler", a.handleScheduler)
	r.Post("/dispatch/{action}", a.handleDispatch)
	return r
}

// Wait blocks until every dispatched task has returned.
func (a *Admin) Wait() {
	a.wg.Wait()
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Admin) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"triggers": a.sched.Snapshot()})
}

// handleDispatch runs an action right away, outside the queue and its retry
// policy, and reports through the status recorder like a cron firing.
func (a *Admin) handleDispatch(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !a.dispatcher.Has(action) {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	var args models.Args
	if err := decodeJSON(w, r, &args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	log := a.log.With(logx.String("action", action))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx := a.ctx
		if err := a.recorder.Started(ctx, action); err != nil {
			log.Warn("status not recorded", logx.Err(err))
		}
		start := time.Now()
		_, runErr := registry.SafeDispatch(func() (any, error) {
			return a.dispatcher.Dispatch(ctx, action, args)
		})
		if err := a.recorder.Finished(context.WithoutCancel(ctx), action, runErr); err != nil {
			log.Warn("status not recorded", logx.Err(err))
		}
		if runErr != nil {
			log.Error("immediate dispatch failed", logx.Duration("took", time.Since(start)), logx.Err(runErr))
			return
		}
		log.Info("immediate dispatch finished", logx.Duration("took", time.Since(start)))
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"action": action, "accepted": true})
}
