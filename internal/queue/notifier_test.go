package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
)

func TestNotifierDeliversSignals(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	n := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logx.Nop())
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := n.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := n.EntryCreated(ctx, 42); err != nil {
		t.Fatalf("publish entry: %v", err)
	}
	select {
	case <-sub.Queue:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue signal not delivered")
	}

	if err := n.DefinitionsChanged(ctx, "sendKPI"); err != nil {
		t.Fatalf("publish definitions: %v", err)
	}
	select {
	case action := <-sub.Definitions:
		if action != "sendKPI" {
			t.Fatalf("action = %q", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("definitions signal not delivered")
	}

	cancel()
	select {
	case _, ok := <-sub.Queue:
		if ok {
			// a coalesced leftover signal is fine; the next read must see close
			<-sub.Queue
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	n := NewNotifier(config.Config{}, logx.Nop())
	if n != nil {
		t.Fatalf("expected nil notifier without REDIS_ADDR")
	}
	ctx := context.Background()
	if err := n.EntryCreated(ctx, 1); err != nil {
		t.Fatalf("nil EntryCreated: %v", err)
	}
	if err := n.DefinitionsChanged(ctx, "x"); err != nil {
		t.Fatalf("nil DefinitionsChanged: %v", err)
	}
	sub, err := n.Listen(ctx)
	if err != nil || sub.Queue != nil || sub.Definitions != nil {
		t.Fatalf("nil Listen = %+v, %v", sub, err)
	}
	if n.Client() != nil || n.Ping(ctx) != nil || n.Close() != nil {
		t.Fatalf("nil notifier accessors should be no-ops")
	}
}
