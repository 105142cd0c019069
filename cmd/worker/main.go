package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "ops-orchestrator/internal/api"
	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/definitions"
	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/queue"
	"ops-orchestrator/internal/recorder"
	"ops-orchestrator/internal/registry"
	"ops-orchestrator/internal/scheduler"
	"ops-orchestrator/internal/store"
	"ops-orchestrator/internal/tasks"
	workerproc "ops-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logx.New(cfg.LogLevel, cfg.LogFormat).With(logx.String("service", "worker"))
	fatal := func(msg string, err error) {
		log.Error(msg, logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fatal("migrations", err)
	}

	loc := time.Local
	if cfg.SchedulerTimezone != "" {
		if loc, err = time.LoadLocation(cfg.SchedulerTimezone); err != nil {
			fatal("scheduler timezone", err)
		}
	}

	reg := registry.New()
	rec := recorder.New(st, log)
	if err := tasks.NewRunner(cfg, rec, log).Register(reg); err != nil {
		fatal("register tasks", err)
	}
	if cfg.TaskRunnerURL == "" {
		log.Warn("TASK_RUNNER_URL not set; every task will fail permanently")
	}

	notifier := queue.NewNotifier(cfg, log)
	defer notifier.Close()

	sched := scheduler.New(st, reg, rec, log, scheduler.WithLocation(loc))
	sched.Start(ctx)
	reload := func(ctx context.Context, reason string) {
		changed, err := sched.Reload(ctx)
		if err != nil {
			log.Error("scheduler reload failed", logx.String("reason", reason), logx.Err(err))
			return
		}
		if changed {
			log.Info("scheduler reloaded", logx.String("reason", reason), logx.Int("triggers", len(sched.Snapshot())))
		}
	}

	if cfg.DefinitionsFile != "" {
		watcher := definitions.NewWatcher(cfg.DefinitionsFile, st, func(ctx context.Context, _ []models.RecurringJobDefinition) {
			reload(ctx, "definitions file")
		}, log)
		if _, err := watcher.Apply(ctx); err != nil {
			fatal("load definitions", err)
		}
		go func() { _ = watcher.Watch(ctx) }()
	} else {
		if _, err := definitions.Seed(ctx, st, tasks.Defaults(), log); err != nil {
			fatal("seed definitions", err)
		}
	}
	reload(ctx, "startup")

	proc := workerproc.NewProcessor(cfg, st, reg, log)
	if cfg.ReconcileOnStart {
		n, err := proc.Reconcile(ctx)
		if err != nil {
			fatal("reconcile", err)
		}
		if n > 0 {
			log.Warn("reconciled interrupted entries", logx.Int("count", n))
		}
	}

	sub, err := notifier.Listen(ctx)
	if err != nil {
		log.Warn("redis notifications unavailable; polling only", logx.Err(err))
	}
	proc.SetWakeup(sub.Queue)
	go func() {
		resync := cfg.DefinitionsResync
		if resync <= 0 {
			resync = time.Minute
		}
		ticker := time.NewTicker(resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case action := <-sub.Definitions:
				reload(ctx, "definitions changed: "+action)
			case <-ticker.C:
				reload(ctx, "resync")
			}
		}
	}()

	admin := api.NewAdmin(ctx, reg, sched, rec, st, log)
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: admin.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server stopped", logx.Err(err))
		}
	}()

	log.Info("worker started",
		logx.String("store", cfg.StoreDriver),
		logx.Duration("poll", cfg.PollInterval),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Duration("retry_delay", cfg.RetryDelay),
		logx.String("admin", cfg.AdminAddr))
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("queue processor stopped", logx.Err(err))
	}

	sched.Stop()
	admin.Wait()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = adminServer.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
