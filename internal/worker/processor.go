package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/registry"
	"ops-orchestrator/internal/store"
	"ops-orchestrator/internal/telemetry"
)

var (
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrInterrupted      = errors.New("interrupted: orchestrator restarted during execution")
)

// Dispatcher runs an action. *registry.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, args models.Args) (any, error)
}

// Queue is the part of the store the processor drives.
type Queue interface {
	RunningEntries(ctx context.Context) ([]models.QueueEntry, error)
	CountEligible(ctx context.Context, now time.Time) (int64, error)
	ClaimNext(ctx context.Context, now time.Time) (*models.QueueEntry, error)
	CompleteEntry(ctx context.Context, id int64, at time.Time) error
	FailEntry(ctx context.Context, id int64, at time.Time, errText string, followUp *store.CreateEntryParams) (*models.QueueEntry, error)
}

// TickResult is the outcome of one processor tick.
type TickResult string

const (
	TickIdle      TickResult = "idle"
	TickBusy      TickResult = "busy"
	TickCompleted TickResult = "completed"
	TickFailed    TickResult = "failed"
	TickError     TickResult = "error"
)

// Processor drains the queue one entry at a time.
type Processor struct {
	cfg        config.Config
	store      Queue
	dispatcher Dispatcher
	policy     RetryPolicy
	wake       <-chan struct{}
	log        logx.Logger
	now        func() time.Time
}

func NewProcessor(cfg config.Config, st Queue, d Dispatcher, log logx.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		policy:     RetryPolicyFromConfig(cfg),
		log:        log.Component("queue"),
		now:        time.Now,
	}
}

// SetWakeup makes Run tick early whenever ch receives.
func (p *Processor) SetWakeup(ch <-chan struct{}) {
	p.wake = ch
}

// Run ticks every poll interval (and on wakeups) until ctx is cancelled.
// A tick that executes a task blocks the loop, so ticks never overlap.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("queue processor started", logx.Duration("interval", interval))
	for {
		p.tickAndLog(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *Processor) tickAndLog(ctx context.Context) {
	res, err := p.Tick(ctx)
	telemetry.QueueTicks.WithLabelValues(string(res)).Inc()
	if err != nil && ctx.Err() == nil {
		p.log.Error("queue tick failed", logx.Err(err))
	}
	if n, err := p.store.CountEligible(ctx, p.now()); err == nil {
		telemetry.QueuePending.Set(float64(n))
	}
}

// Tick runs at most one eligible entry to completion.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	running, err := p.store.RunningEntries(ctx)
	if err != nil {
		return TickError, fmt.Errorf("check running: %w", err)
	}
	if len(running) > 0 {
		return TickBusy, nil
	}

	entry, err := p.store.ClaimNext(ctx, p.now())
	if err != nil {
		return TickError, err
	}
	if entry == nil {
		return TickIdle, nil
	}
	return p.execute(ctx, *entry)
}

func (p *Processor) execute(ctx context.Context, entry models.QueueEntry) (TickResult, error) {
	log := p.log.With(logx.Int64("entry_id", entry.ID), logx.String("action", entry.Action), logx.Int("retry", entry.Args.RetryCount()))
	log.Info("queue entry started")

	start := time.Now()
	runErr := p.run(ctx, entry, log)
	telemetry.QueueExecution.Observe(time.Since(start).Seconds())

	// Finish the bookkeeping even when ctx was cancelled mid-task.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := p.store.CompleteEntry(fctx, entry.ID, p.now()); err != nil {
			return TickError, fmt.Errorf("complete entry %d: %w", entry.ID, err)
		}
		telemetry.QueueCompleted.Inc()
		log.Info("queue entry completed", logx.Duration("took", time.Since(start)))
		return TickCompleted, nil
	}
	if err := p.fail(fctx, entry, runErr, log); err != nil {
		return TickError, err
	}
	return TickFailed, nil
}

// run dispatches the entry under the execution timeout. A task that ignores
// its deadline is abandoned and reported as timed out; one cut short by
// shutdown fails with ErrInterrupted.
func (p *Processor) run(ctx context.Context, entry models.QueueEntry, log logx.Logger) error {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.ExecutionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := registry.SafeDispatch(func() (any, error) {
			return p.dispatcher.Dispatch(runCtx, entry.Action, entry.Args)
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			log.Warn("task stopped by shutdown", logx.Err(err))
			return ErrInterrupted
		}
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		log.Warn("abandoning task past its deadline", logx.Duration("timeout", p.cfg.ExecutionTimeout))
		return fmt.Errorf("%w after %s", ErrExecutionTimeout, p.cfg.ExecutionTimeout)
	}
}

func (p *Processor) fail(ctx context.Context, entry models.QueueEntry, cause error, log logx.Logger) error {
	d := p.policy.Decide(entry, cause, p.now())
	next, err := p.store.FailEntry(ctx, entry.ID, p.now(), d.Annotation, d.FollowUp)
	if err != nil {
		return fmt.Errorf("fail entry %d: %w", entry.ID, err)
	}
	telemetry.QueueFailed.WithLabelValues(string(d.Disposition)).Inc()

	fields := []logx.Field{logx.String("disposition", string(d.Disposition)), logx.Err(cause)}
	if next != nil {
		fields = append(fields, logx.Int64("retry_entry_id", next.ID), logx.Int("attempt", d.Attempt))
	}
	if d.Disposition == DispositionRetry {
		log.Warn("queue entry failed", fields...)
	} else {
		log.Error("queue entry failed terminally", fields...)
	}
	return nil
}

// Reconcile fails every entry left running by a previous process and sends
// it through the retry policy. Only safe with a single processor per store.
func (p *Processor) Reconcile(ctx context.Context) (int, error) {
	return Reconcile(ctx, p.store, p.policy, p.log, p.now())
}

// Reconcile is the standalone form used by the CLI.
func Reconcile(ctx context.Context, st Queue, policy RetryPolicy, log logx.Logger, now time.Time) (int, error) {
	running, err := st.RunningEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running: %w", err)
	}
	n := 0
	for _, entry := range running {
		d := policy.Decide(entry, ErrInterrupted, now)
		if _, err := st.FailEntry(ctx, entry.ID, now, d.Annotation, d.FollowUp); err != nil {
			if errors.Is(err, store.ErrEntryNotRunning) {
				continue
			}
			return n, fmt.Errorf("reconcile entry %d: %w", entry.ID, err)
		}
		telemetry.QueueFailed.WithLabelValues(string(d.Disposition)).Inc()
		log.Warn("stale running entry reconciled",
			logx.Int64("entry_id", entry.ID),
			logx.String("action", entry.Action),
			logx.String("disposition", string(d.Disposition)))
		n++
	}
	return n, nil
}
