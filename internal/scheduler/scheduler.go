// Package scheduler fires recurring jobs on their cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/registry"
	"ops-orchestrator/internal/telemetry"
)

// Parser accepts five-field expressions, an optional leading seconds field
// and descriptors such as @hourly or @every 5m.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a usable schedule expression.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty schedule expression")
	}
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", expr, err)
	}
	return nil
}

type Dispatcher interface {
	Dispatch(ctx context.Context, action string, args models.Args) (any, error)
}

type StatusRecorder interface {
	Started(ctx context.Context, action string) error
	Finished(ctx context.Context, action string, runErr error) error
}

type DefinitionStore interface {
	ListEnabledDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error)
	ConsumePendingArgs(ctx context.Context, action string) (string, error)
}

// Trigger describes one registered cron entry.
type Trigger struct {
	Action     string    `json:"action"`
	Expression string    `json:"scheduleExpression"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev"`
}

// Scheduler owns the cron instance and the action -> entry map.
type Scheduler struct {
	mu          sync.Mutex
	cron        *cron.Cron
	entries     map[string]cron.EntryID
	exprs       map[string]string
	fingerprint string
	initialized bool
	// actions with a firing in progress; outlives Initialize
	inflight map[string]bool

	store      DefinitionStore
	dispatcher Dispatcher
	recorder   StatusRecorder
	log        logx.Logger

	baseCtx context.Context
}

type Option func(*options)

type options struct {
	loc *time.Location
}

// WithLocation evaluates expressions in loc instead of time.Local.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

func New(st DefinitionStore, d Dispatcher, rec StatusRecorder, log logx.Logger, opts ...Option) *Scheduler {
	o := options{loc: time.Local}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	log = log.Component("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(o.loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries:    make(map[string]cron.EntryID),
		exprs:      make(map[string]string),
		inflight:   make(map[string]bool),
		store:      st,
		dispatcher: d,
		recorder:   rec,
		log:        log,
		baseCtx:    context.Background(),
	}
}

// Start begins firing triggers. Firings run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts the timer and waits for in-flight firings.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Initialize drops every existing trigger and registers one per enabled
// definition with a valid expression. Safe to call repeatedly. Returns the
// number of triggers registered.
func (s *Scheduler) Initialize(defs []models.RecurringJobDefinition) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for action, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, action)
		delete(s.exprs, action)
	}

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		sched, err := Parser.Parse(def.ScheduleExpression)
		if err != nil {
			s.log.Warn("skipping job with invalid schedule",
				logx.String("action", def.Action),
				logx.String("expression", def.ScheduleExpression),
				logx.Err(err))
			continue
		}
		if id, ok := s.entries[def.Action]; ok {
			s.cron.Remove(id)
		}
		action := def.Action
		s.entries[action] = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(action) }))
		s.exprs[action] = def.ScheduleExpression
	}

	s.fingerprint = fingerprint(defs)
	s.initialized = true
	s.log.Info("triggers initialized", logx.Int("count", len(s.entries)))
	return len(s.entries)
}

// Reload reads enabled definitions from the store and re-initializes when
// they changed since the last Initialize.
func (s *Scheduler) Reload(ctx context.Context) (bool, error) {
	defs, err := s.store.ListEnabledDefinitions(ctx)
	if err != nil {
		return false, fmt.Errorf("load enabled definitions: %w", err)
	}
	s.mu.Lock()
	unchanged := s.initialized && s.fingerprint == fingerprint(defs)
	s.mu.Unlock()
	if unchanged {
		return false, nil
	}
	s.Initialize(defs)
	return true, nil
}

// Snapshot lists registered triggers sorted by action.
func (s *Scheduler) Snapshot() []Trigger {
	s.mu.Lock()
	byID := make(map[cron.EntryID]string, len(s.entries))
	for action, id := range s.entries {
		byID[id] = action
	}
	exprs := make(map[string]string, len(s.exprs))
	for k, v := range s.exprs {
		exprs[k] = v
	}
	s.mu.Unlock()

	out := make([]Trigger, 0, len(byID))
	for _, e := range s.cron.Entries() {
		action, ok := byID[e.ID]
		if !ok {
			continue
		}
		out = append(out, Trigger{Action: action, Expression: exprs[action], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// fire runs one trigger firing. Errors and panics stop here.
//
// A firing is skipped while an earlier one for the same action is still in
// flight, including one started by a trigger that Initialize has since
// replaced. SkipIfStillRunning only covers a single cron entry.
//
// Firings are not coordinated with the queue processor: a queued entry for
// the same action can run at the same time as a cron firing.
func (s *Scheduler) fire(action string) {
	log := s.log.With(logx.String("action", action))

	s.mu.Lock()
	ctx := s.baseCtx
	busy := s.inflight[action]
	if !busy {
		s.inflight[action] = true
	}
	s.mu.Unlock()
	if busy {
		telemetry.CronFirings.WithLabelValues(action, "skipped").Inc()
		log.Warn("cron firing skipped; previous firing still running")
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.inflight, action)
		s.mu.Unlock()
	}()
	start := time.Now()

	pending, err := s.store.ConsumePendingArgs(ctx, action)
	if err != nil {
		log.Warn("pending args not read", logx.Err(err))
	}
	args := models.ParsePendingArgs(pending)

	if err := s.recorder.Started(ctx, action); err != nil {
		log.Warn("start not recorded", logx.Err(err))
	}
	_, runErr := registry.SafeDispatch(func() (any, error) {
		return s.dispatcher.Dispatch(ctx, action, args)
	})
	if err := s.recorder.Finished(ctx, action, runErr); err != nil {
		log.Warn("finish not recorded", logx.Err(err))
	}

	if runErr != nil {
		telemetry.CronFirings.WithLabelValues(action, "error").Inc()
		log.Error("cron firing failed", logx.Duration("took", time.Since(start)), logx.Err(runErr))
		return
	}
	telemetry.CronFirings.WithLabelValues(action, "ok").Inc()
	log.Info("cron firing completed", logx.Duration("took", time.Since(start)), logx.Int("args", len(args)))
}

func fingerprint(defs []models.RecurringJobDefinition) string {
	parts := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.Enabled {
			parts = append(parts, d.Action+"="+d.ScheduleExpression)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

// cronLogger routes robfig/cron's own messages into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
