package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "ops-orchestrator/internal/api"
	"ops-orchestrator/internal/broadcast"
	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/queue"
	"ops-orchestrator/internal/ratelimit"
	"ops-orchestrator/internal/store"
	"ops-orchestrator/internal/tasks"
)

func main() {
	cfg := config.Load()
	log := logx.New(cfg.LogLevel, cfg.LogFormat).With(logx.String("service", "api"))
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

	notifier := queue.NewNotifier(cfg, log)
	defer notifier.Close()
	if err := notifier.Ping(ctx); err != nil {
		log.Warn("redis unavailable; notifications and shared rate limits will fail", logx.Err(err))
	}
	limiter := ratelimit.New(cfg, notifier.Client())

	status := broadcast.New(st, cfg.StatusInterval, cfg.StatusQueueLimit, log)
	server := api.New(cfg, st, notifier, limiter, status, tasks.Actions(), log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Status streams end when ctx does, so Shutdown is not held open by them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Info("api listening", logx.String("addr", httpServer.Addr), logx.String("store", cfg.StoreDriver), logx.Bool("redis", cfg.RedisEnabled()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
