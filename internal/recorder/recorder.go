// Package recorder persists per-action run metadata for recurring jobs.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
)

// Upserter is the slice of the store the recorder needs.
type Upserter interface {
	UpsertDefinition(ctx context.Context, action string, patch models.DefinitionPatch) error
}

// Recorder merges status patches into the definition row for an action,
// creating the row on first use.
type Recorder struct {
	store Upserter
	log   logx.Logger
	now   func() time.Time
}

func New(st Upserter, log logx.Logger) *Recorder {
	return &Recorder{store: st, log: log.Component("recorder"), now: time.Now}
}

// Update applies patch to action's definition.
func (r *Recorder) Update(ctx context.Context, action string, patch models.DefinitionPatch) error {
	if action == "" {
		return errors.New("action is required")
	}
	if patch.Empty() {
		return nil
	}
	if err := r.store.UpsertDefinition(ctx, action, patch); err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// Log sets lastLog. Failures are logged, not returned, so task bodies can
// report progress without error plumbing.
func (r *Recorder) Log(ctx context.Context, action, line string) {
	if err := r.Update(ctx, action, models.DefinitionPatch{LastLog: &line}); err != nil {
		r.log.Warn("last log not recorded", logx.String("action", action), logx.Err(err))
	}
}

// Started marks action running.
func (r *Recorder) Started(ctx context.Context, action string) error {
	now := r.now()
	return r.Update(ctx, action, models.DefinitionPatch{
		State:     models.Ptr(models.JobRunning),
		StartedAt: &now,
	})
}

// Finished marks action idle, or error when runErr is non-nil.
func (r *Recorder) Finished(ctx context.Context, action string, runErr error) error {
	now := r.now()
	patch := models.DefinitionPatch{
		State:     models.Ptr(models.JobIdle),
		EndedAt:   &now,
		LastRunAt: &now,
	}
	if runErr != nil {
		patch.State = models.Ptr(models.JobError)
		patch.LastLog = models.Ptr("failed: " + runErr.Error())
	}
	return r.Update(ctx, action, patch)
}
