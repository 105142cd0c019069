package recorder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/store"
)

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "rec.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestUpdateCreatesThenMerges(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rec := New(st, logx.Nop())

	if err := rec.Update(ctx, "x", models.DefinitionPatch{LastLog: models.Ptr("first")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := rec.Update(ctx, "x", models.DefinitionPatch{State: models.Ptr(models.JobRunning)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	defs, err := st.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected one row, got %d", len(defs))
	}
	if defs[0].LastLog != "first" || defs[0].State != models.JobRunning {
		t.Fatalf("merge lost fields: %+v", defs[0])
	}
}

func TestStartedFinishedTransitions(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rec := New(st, logx.Nop())

	if err := rec.Started(ctx, "extractSAV"); err != nil {
		t.Fatalf("started: %v", err)
	}
	def, _ := st.GetDefinition(ctx, "extractSAV")
	if def.State != models.JobRunning || def.StartedAt == nil {
		t.Fatalf("after start: %+v", def)
	}

	if err := rec.Finished(ctx, "extractSAV", errors.New("login page changed")); err != nil {
		t.Fatalf("finished: %v", err)
	}
	def, _ = st.GetDefinition(ctx, "extractSAV")
	if def.State != models.JobError || def.EndedAt == nil || def.LastRunAt == nil {
		t.Fatalf("after failure: %+v", def)
	}
	if def.LastLog != "failed: login page changed" {
		t.Fatalf("lastLog = %q", def.LastLog)
	}

	if err := rec.Finished(ctx, "extractSAV", nil); err != nil {
		t.Fatalf("finished: %v", err)
	}
	def, _ = st.GetDefinition(ctx, "extractSAV")
	if def.State != models.JobIdle {
		t.Fatalf("state = %s", def.State)
	}
}

func TestConcurrentUpdatesOnDistinctActions(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rec := New(st, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		action := fmt.Sprintf("task-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				rec.Log(ctx, action, fmt.Sprintf("step %d", j))
			}
		}()
	}
	wg.Wait()

	defs, err := st.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(defs))
	}
	for _, d := range defs {
		if d.LastLog != "step 4" {
			t.Fatalf("%s lastLog = %q", d.Action, d.LastLog)
		}
	}
}

func TestEmptyPatchIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	if err := New(st, logx.Nop()).Update(ctx, "x", models.DefinitionPatch{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if def, _ := st.GetDefinition(ctx, "x"); def != nil {
		t.Fatalf("empty patch should not create a row")
	}
}
