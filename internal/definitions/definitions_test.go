package definitions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/store"
)

const sample = `
jobs:
  - action: sendKPI
    jobName: Send KPI
    schedule: "0 7 * * 1-5"
  - action: exportDatabase
    schedule: "@daily"
    enabled: false
`

func TestParse(t *testing.T) {
	defs, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d definitions", len(defs))
	}
	if d := defs[0]; d.Action != "sendKPI" || d.JobName != "Send KPI" || !d.Enabled || d.ScheduleExpression != "0 7 * * 1-5" {
		t.Fatalf("first = %+v", d)
	}
	if d := defs[1]; d.JobName != "exportDatabase" || d.Enabled {
		t.Fatalf("second = %+v", d)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "jobs:\n  - action: a\n    schedule: '@daily'\n    cron: x\n",
		"missing action":   "jobs:\n  - schedule: '@daily'\n",
		"duplicate":        "jobs:\n  - action: a\n    schedule: '@daily'\n  - action: a\n    schedule: '@hourly'\n",
		"bad schedule":     "jobs:\n  - action: a\n    schedule: 'every tuesday'\n",
		"missing schedule": "jobs:\n  - action: a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	defs, err := Parse(nil)
	if err != nil || len(defs) != 0 {
		t.Fatalf("defs=%v err=%v", defs, err)
	}
}

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "defs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestSyncKeepsRewrittenSchedule(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	defs, _ := Parse([]byte(sample))

	n, err := Sync(ctx, st, defs, logx.Nop())
	if err != nil || n != 2 {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}

	if err := st.UpsertDefinition(ctx, "sendKPI", models.DefinitionPatch{ScheduleExpression: models.Ptr("*/5 * * * *")}); err != nil {
		t.Fatalf("rewrite schedule: %v", err)
	}
	defs[0].JobName = "KPI mail"
	n, err = Sync(ctx, st, defs, logx.Nop())
	if err != nil || n != 0 {
		t.Fatalf("resync: n=%d err=%v", n, err)
	}

	got, err := st.GetDefinition(ctx, "sendKPI")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.ScheduleExpression != "*/5 * * * *" || got.JobName != "KPI mail" {
		t.Fatalf("definition = %+v", got)
	}
}

func TestSeedKeepsOperatorChanges(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	defaults := []models.RecurringJobDefinition{
		{Action: "sendKPI", JobName: "Send KPI", ScheduleExpression: "0 7 * * 1-5", Enabled: true},
		{Action: "extractSAV", JobName: "Extract SAV", ScheduleExpression: "15 * * * *", Enabled: true},
	}
	if n, err := Seed(ctx, st, defaults, logx.Nop()); err != nil || n != 2 {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}
	if err := st.UpsertDefinition(ctx, "sendKPI", models.DefinitionPatch{
		Enabled: models.Ptr(false),
		JobName: models.Ptr("KPI mail"),
	}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// a worker restart seeds the same defaults again
	if n, err := Seed(ctx, st, defaults, logx.Nop()); err != nil || n != 0 {
		t.Fatalf("reseed: n=%d err=%v", n, err)
	}
	got, err := st.GetDefinition(ctx, "sendKPI")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Enabled || got.JobName != "KPI mail" {
		t.Fatalf("restart seeding undid operator changes: %+v", got)
	}
}

func TestWatcherApplySkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	calls := 0
	w := NewWatcher(path, st, func(context.Context, []models.RecurringJobDefinition) { calls++ }, logx.Nop())
	if ok, err := w.Apply(ctx); err != nil || !ok {
		t.Fatalf("first apply: %v %v", ok, err)
	}
	if ok, err := w.Apply(ctx); err != nil || ok {
		t.Fatalf("second apply should skip: %v %v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("onChange calls = %d", calls)
	}

	if err := os.WriteFile(path, []byte("jobs:\n  - action: a\n    schedule: nope\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Apply(ctx); err == nil || !strings.Contains(err.Error(), "schedule") {
		t.Fatalf("expected schedule error, got %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	st := newStore(t)
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	var seen []models.RecurringJobDefinition
	changed := make(chan struct{}, 4)
	w := NewWatcher(path, st, func(_ context.Context, defs []models.RecurringJobDefinition) {
		mu.Lock()
		seen = defs
		mu.Unlock()
		changed <- struct{}{}
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := w.Apply(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	<-changed

	done := make(chan struct{})
	go func() {
		_ = w.Watch(ctx)
		close(done)
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	updated := sample + "  - action: sendReport\n    schedule: \"0 18 * * *\"\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not reload")
	}
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("reloaded %d definitions", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
