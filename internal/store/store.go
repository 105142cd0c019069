package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/models"
)

// ErrEntryNotRunning is returned when finishing an entry that is no longer running.
var ErrEntryNotRunning = errors.New("queue entry is not running")

// Store is the durable state shared by the scheduler, queue processor and API.
// Lookups of missing rows return (nil, nil).
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()

	UpsertDefinition(ctx context.Context, action string, patch models.DefinitionPatch) error
	InsertDefinition(ctx context.Context, def models.RecurringJobDefinition) (created bool, err error)
	SyncDefinition(ctx context.Context, def models.RecurringJobDefinition) (created bool, err error)
	GetDefinition(ctx context.Context, action string) (*models.RecurringJobDefinition, error)
	ListDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error)
	ListEnabledDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error)
	ConsumePendingArgs(ctx context.Context, action string) (string, error)

	CreateEntry(ctx context.Context, p CreateEntryParams) (models.QueueEntry, error)
	GetEntry(ctx context.Context, id int64) (*models.QueueEntry, error)
	ListRecentEntries(ctx context.Context, limit int) ([]models.QueueEntry, error)
	RunningEntries(ctx context.Context) ([]models.QueueEntry, error)
	CountEligible(ctx context.Context, now time.Time) (int64, error)
	ClaimNext(ctx context.Context, now time.Time) (*models.QueueEntry, error)
	CompleteEntry(ctx context.Context, id int64, at time.Time) error
	FailEntry(ctx context.Context, id int64, at time.Time, errText string, followUp *CreateEntryParams) (*models.QueueEntry, error)
}

// CreateEntryParams collects inputs required to insert a queue entry.
type CreateEntryParams struct {
	JobName      string
	Action       string
	Args         models.Args
	RequestedBy  *string
	ScheduledFor *time.Time
	CreatedAt    time.Time
}

func (p *CreateEntryParams) normalize() error {
	if strings.TrimSpace(p.Action) == "" {
		return errors.New("action is required")
	}
	if p.JobName == "" {
		p.JobName = p.Action
	}
	if p.Args == nil {
		p.Args = models.Args{}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	if p.ScheduledFor != nil {
		at := p.ScheduledFor.UTC()
		p.ScheduledFor = &at
	}
	return nil
}

// Open connects the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return NewPostgres(ctx, cfg.PostgresDSN)
	case config.DriverSQLite, "sqlite3":
		return NewSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// column is one assignment derived from a DefinitionPatch.
type column struct {
	name   string
	value  any
	update bool
}

// patchColumns flattens a patch into columns. tv converts timestamps to the
// driver's representation. When the patch has no job name, the action is
// used for new rows only.
func patchColumns(action string, p models.DefinitionPatch, tv func(time.Time) any) []column {
	cols := make([]column, 0, 10)
	if p.JobName != nil {
		cols = append(cols, column{"job_name", *p.JobName, true})
	} else {
		cols = append(cols, column{"job_name", action, false})
	}
	if p.ScheduleExpression != nil {
		cols = append(cols, column{"schedule_expression", *p.ScheduleExpression, true})
	}
	if p.Enabled != nil {
		cols = append(cols, column{"enabled", *p.Enabled, true})
	}
	if p.State != nil {
		cols = append(cols, column{"state", string(*p.State), true})
	}
	if p.LastRunAt != nil {
		cols = append(cols, column{"last_run_at", tv(*p.LastRunAt), true})
	}
	if p.StartedAt != nil {
		cols = append(cols, column{"started_at", tv(*p.StartedAt), true})
	}
	if p.EndedAt != nil {
		cols = append(cols, column{"ended_at", tv(*p.EndedAt), true})
	}
	if p.LastLog != nil {
		cols = append(cols, column{"last_log", *p.LastLog, true})
	}
	if p.PendingArgs != nil {
		cols = append(cols, column{"pending_args", *p.PendingArgs, true})
	}
	return cols
}

// upsertDefinitionSQL builds an INSERT ... ON CONFLICT (action) DO UPDATE
// statement. placeholder renders the n-th (1-based) bind parameter.
func upsertDefinitionSQL(action string, cols []column, updatedAt any, placeholder func(n int) string) (string, []any) {
	names := []string{"action"}
	values := []string{placeholder(1)}
	args := []any{action}
	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		args = append(args, c.value)
		names = append(names, c.name)
		values = append(values, placeholder(len(args)))
		if c.update {
			sets = append(sets, c.name+" = excluded."+c.name)
		}
	}
	args = append(args, updatedAt)
	names = append(names, "updated_at")
	values = append(values, placeholder(len(args)))
	sets = append(sets, "updated_at = excluded.updated_at")

	sql := "INSERT INTO recurring_jobs (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(values, ", ") +
		") ON CONFLICT (action) DO UPDATE SET " + strings.Join(sets, ", ")
	return sql, args
}

const definitionColumns = `action, job_name, schedule_expression, enabled, state, last_run_at, started_at, ended_at, last_log, pending_args, updated_at`

const entryColumns = `id, job_name, action, args, status, requested_by, created_at, scheduled_for, started_at, completed_at, error`
