package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ops-orchestrator/internal/models"
)

// Postgres wraps pgxpool for PostgreSQL persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate executes the embedded PostgreSQL migrations in order.
func (s *Postgres) Migrate(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgTime(t time.Time) any { return t.UTC() }

// UpsertDefinition merges patch into the row for action, creating it if needed.
func (s *Postgres) UpsertDefinition(ctx context.Context, action string, patch models.DefinitionPatch) error {
	sql, args := upsertDefinitionSQL(action, patchColumns(action, patch, pgTime), time.Now().UTC(), pgPlaceholder)
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert definition %s: %w", action, err)
	}
	return nil
}

// InsertDefinition creates def unless its action already has a row, which is
// left untouched.
func (s *Postgres) InsertDefinition(ctx context.Context, def models.RecurringJobDefinition) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recurring_jobs (action, job_name, schedule_expression, enabled, state, updated_at)
		VALUES ($1, $2, $3, $4, 'idle', NOW())
		ON CONFLICT (action) DO NOTHING
	`, def.Action, def.JobName, def.ScheduleExpression, def.Enabled)
	if err != nil {
		return false, fmt.Errorf("insert definition %s: %w", def.Action, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SyncDefinition inserts def when missing. Existing rows keep their schedule
// and runtime state; only job name and enabled flag follow the seed.
func (s *Postgres) SyncDefinition(ctx context.Context, def models.RecurringJobDefinition) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO recurring_jobs (action, job_name, schedule_expression, enabled, state, updated_at)
		VALUES ($1, $2, $3, $4, 'idle', NOW())
		ON CONFLICT (action) DO UPDATE
		SET job_name = EXCLUDED.job_name, enabled = EXCLUDED.enabled, updated_at = NOW()
		RETURNING (xmax = 0)
	`, def.Action, def.JobName, def.ScheduleExpression, def.Enabled).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("seed definition %s: %w", def.Action, err)
	}
	return inserted, nil
}

// GetDefinition fetches a definition by action. Returns nil, nil when absent.
func (s *Postgres) GetDefinition(ctx context.Context, action string) (*models.RecurringJobDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM recurring_jobs WHERE action = $1`, action)
	def, err := scanPgDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", action, err)
	}
	return &def, nil
}

func (s *Postgres) ListDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error) {
	return s.listDefinitions(ctx, `SELECT `+definitionColumns+` FROM recurring_jobs ORDER BY action`)
}

func (s *Postgres) ListEnabledDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error) {
	return s.listDefinitions(ctx, `SELECT `+definitionColumns+` FROM recurring_jobs WHERE enabled ORDER BY action`)
}

func (s *Postgres) listDefinitions(ctx context.Context, sql string) ([]models.RecurringJobDefinition, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []models.RecurringJobDefinition
	for rows.Next() {
		def, err := scanPgDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ConsumePendingArgs returns the stored pending args for action and clears them.
func (s *Postgres) ConsumePendingArgs(ctx context.Context, action string) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var pending string
	err = tx.QueryRow(ctx, `SELECT pending_args FROM recurring_jobs WHERE action = $1 FOR UPDATE`, action).Scan(&pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read pending args: %w", err)
	}
	if pending == "" {
		return "", nil
	}
	if _, err := tx.Exec(ctx, `UPDATE recurring_jobs SET pending_args = '', updated_at = NOW() WHERE action = $1`, action); err != nil {
		return "", fmt.Errorf("clear pending args: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return pending, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateEntry inserts a pending queue entry.
func (s *Postgres) CreateEntry(ctx context.Context, p CreateEntryParams) (models.QueueEntry, error) {
	return insertPgEntry(ctx, s.pool, p)
}

func insertPgEntry(ctx context.Context, q pgQuerier, p CreateEntryParams) (models.QueueEntry, error) {
	if err := p.normalize(); err != nil {
		return models.QueueEntry{}, err
	}
	argsJSON, err := json.Marshal(p.Args)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("marshal args: %w", err)
	}
	row := q.QueryRow(ctx, `
		INSERT INTO queue_entries (job_name, action, args, status, requested_by, created_at, scheduled_for)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		RETURNING `+entryColumns, p.JobName, p.Action, argsJSON, p.RequestedBy, p.CreatedAt, p.ScheduledFor)
	entry, err := scanPgEntry(row)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	return entry, nil
}

// GetEntry fetches a queue entry by id. Returns nil, nil when absent.
func (s *Postgres) GetEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	entry, err := scanPgEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return &entry, nil
}

// ListRecentEntries returns the newest entries first.
func (s *Postgres) ListRecentEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM queue_entries ORDER BY id DESC LIMIT $1`, limit)
}

func (s *Postgres) RunningEntries(ctx context.Context) ([]models.QueueEntry, error) {
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE status = 'running' ORDER BY id`)
}

func (s *Postgres) listEntries(ctx context.Context, sql string, args ...any) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanPgEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Postgres) CountEligible(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= $1)
	`, now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count eligible: %w", err)
	}
	return n, nil
}

// ClaimNext atomically moves the oldest eligible pending entry to running.
// It returns nil, nil when nothing is eligible or another entry is running;
// the partial unique index on running rows rejects a concurrent claimer.
func (s *Postgres) ClaimNext(ctx context.Context, now time.Time) (*models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_entries SET status = 'running', started_at = $1
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= $1)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND NOT EXISTS (SELECT 1 FROM queue_entries WHERE status = 'running')
		RETURNING `+entryColumns, now.UTC())
	entry, err := scanPgEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	return &entry, nil
}

// CompleteEntry marks a running entry completed.
func (s *Postgres) CompleteEntry(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'completed', completed_at = $2, error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("complete entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotRunning
	}
	return nil
}

// FailEntry marks a running entry failed and, in the same transaction,
// inserts followUp when it is non-nil.
func (s *Postgres) FailEntry(ctx context.Context, id int64, at time.Time, errText string, followUp *CreateEntryParams) (*models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE queue_entries SET status = 'failed', completed_at = $2, error = $3
		WHERE id = $1 AND status = 'running'
	`, id, at.UTC(), errText)
	if err != nil {
		return nil, fmt.Errorf("fail entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrEntryNotRunning
	}

	var next *models.QueueEntry
	if followUp != nil {
		entry, err := insertPgEntry(ctx, tx, *followUp)
		if err != nil {
			return nil, err
		}
		next = &entry
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func scanPgDefinition(row pgx.Row) (models.RecurringJobDefinition, error) {
	var def models.RecurringJobDefinition
	var state string
	var lastRun, started, ended pgtype.Timestamptz
	if err := row.Scan(&def.Action, &def.JobName, &def.ScheduleExpression, &def.Enabled, &state,
		&lastRun, &started, &ended, &def.LastLog, &def.PendingArgs, &def.UpdatedAt); err != nil {
		return models.RecurringJobDefinition{}, err
	}
	def.State = models.JobState(state)
	def.LastRunAt = tsPtr(lastRun)
	def.StartedAt = tsPtr(started)
	def.EndedAt = tsPtr(ended)
	return def, nil
}

func scanPgEntry(row pgx.Row) (models.QueueEntry, error) {
	var e models.QueueEntry
	var argsJSON []byte
	var status string
	var requestedBy, errText pgtype.Text
	var scheduled, started, completed pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.JobName, &e.Action, &argsJSON, &status, &requestedBy, &e.CreatedAt,
		&scheduled, &started, &completed, &errText); err != nil {
		return models.QueueEntry{}, err
	}
	if err := json.Unmarshal(argsJSON, &e.Args); err != nil {
		return models.QueueEntry{}, fmt.Errorf("unmarshal args: %w", err)
	}
	e.Status = models.EntryStatus(status)
	e.RequestedBy = textPtr(requestedBy)
	e.Error = textPtr(errText)
	e.ScheduledFor = tsPtr(scheduled)
	e.StartedAt = tsPtr(started)
	e.CompletedAt = tsPtr(completed)
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
