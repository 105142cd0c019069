package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ops-orchestrator/internal/models"
)

// SQLite is the embedded single-file backend. Timestamps are stored as
// unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; the claim relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Migrate(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteTime(t time.Time) any { return t.UnixMilli() }

func (s *SQLite) UpsertDefinition(ctx context.Context, action string, patch models.DefinitionPatch) error {
	q, args := upsertDefinitionSQL(action, patchColumns(action, patch, sqliteTime), time.Now().UnixMilli(), sqlitePlaceholder)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert definition %s: %w", action, err)
	}
	return nil
}

// InsertDefinition creates def unless its action already has a row, which is
// left untouched.
func (s *SQLite) InsertDefinition(ctx context.Context, def models.RecurringJobDefinition) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_jobs (action, job_name, schedule_expression, enabled, state, updated_at)
		VALUES (?, ?, ?, ?, 'idle', ?)
		ON CONFLICT (action) DO NOTHING
	`, def.Action, def.JobName, def.ScheduleExpression, def.Enabled, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert definition %s: %w", def.Action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert definition %s: %w", def.Action, err)
	}
	return n == 1, nil
}

func (s *SQLite) SyncDefinition(ctx context.Context, def models.RecurringJobDefinition) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM recurring_jobs WHERE action = ?`, def.Action).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recurring_jobs (action, job_name, schedule_expression, enabled, state, updated_at)
			VALUES (?, ?, ?, ?, 'idle', ?)
		`, def.Action, def.JobName, def.ScheduleExpression, def.Enabled, now)
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE recurring_jobs SET job_name = ?, enabled = ?, updated_at = ? WHERE action = ?
		`, def.JobName, def.Enabled, now, def.Action)
	}
	if err != nil {
		return false, fmt.Errorf("seed definition %s: %w", def.Action, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return exists == 0, nil
}

func (s *SQLite) GetDefinition(ctx context.Context, action string) (*models.RecurringJobDefinition, error) {
	def, err := scanSQLiteDefinition(s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM recurring_jobs WHERE action = ?`, action))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", action, err)
	}
	return &def, nil
}

func (s *SQLite) ListDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error) {
	return s.listDefinitions(ctx, `SELECT `+definitionColumns+` FROM recurring_jobs ORDER BY action`)
}

func (s *SQLite) ListEnabledDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error) {
	return s.listDefinitions(ctx, `SELECT `+definitionColumns+` FROM recurring_jobs WHERE enabled = 1 ORDER BY action`)
}

func (s *SQLite) listDefinitions(ctx context.Context, q string) ([]models.RecurringJobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []models.RecurringJobDefinition
	for rows.Next() {
		def, err := scanSQLiteDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLite) ConsumePendingArgs(ctx context.Context, action string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var pending string
	err = tx.QueryRowContext(ctx, `SELECT pending_args FROM recurring_jobs WHERE action = ?`, action).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read pending args: %w", err)
	}
	if pending == "" {
		return "", nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE recurring_jobs SET pending_args = '', updated_at = ? WHERE action = ?`,
		time.Now().UnixMilli(), action); err != nil {
		return "", fmt.Errorf("clear pending args: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return pending, nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) CreateEntry(ctx context.Context, p CreateEntryParams) (models.QueueEntry, error) {
	return insertSQLiteEntry(ctx, s.db, p)
}

func insertSQLiteEntry(ctx context.Context, q sqliteQuerier, p CreateEntryParams) (models.QueueEntry, error) {
	if err := p.normalize(); err != nil {
		return models.QueueEntry{}, err
	}
	argsJSON, err := json.Marshal(p.Args)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("marshal args: %w", err)
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO queue_entries (job_name, action, args, status, requested_by, created_at, scheduled_for)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)
		RETURNING `+entryColumns,
		p.JobName, p.Action, string(argsJSON), nullString(p.RequestedBy), p.CreatedAt.UnixMilli(), nullMillis(p.ScheduledFor))
	entry, err := scanSQLiteEntry(row)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	return entry, nil
}

func (s *SQLite) GetEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	entry, err := scanSQLiteEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return &entry, nil
}

func (s *SQLite) ListRecentEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM queue_entries ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLite) RunningEntries(ctx context.Context) ([]models.QueueEntry, error) {
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE status = 'running' ORDER BY id`)
}

func (s *SQLite) listEntries(ctx context.Context, q string, args ...any) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLite) CountEligible(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= ?)
	`, now.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count eligible: %w", err)
	}
	return n, nil
}

func (s *SQLite) ClaimNext(ctx context.Context, now time.Time) (*models.QueueEntry, error) {
	ms := now.UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_entries SET status = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= ?)
			ORDER BY created_at, id
			LIMIT 1
		)
		AND NOT EXISTS (SELECT 1 FROM queue_entries WHERE status = 'running')
		RETURNING `+entryColumns, ms, ms)
	entry, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	return &entry, nil
}

func (s *SQLite) CompleteEntry(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'completed', completed_at = ?, error = NULL
		WHERE id = ? AND status = 'running'
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("complete entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotRunning
	}
	return nil
}

func (s *SQLite) FailEntry(ctx context.Context, id int64, at time.Time, errText string, followUp *CreateEntryParams) (*models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'failed', completed_at = ?, error = ?
		WHERE id = ? AND status = 'running'
	`, at.UnixMilli(), errText, id)
	if err != nil {
		return nil, fmt.Errorf("fail entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrEntryNotRunning
	}

	var next *models.QueueEntry
	if followUp != nil {
		entry, err := insertSQLiteEntry(ctx, tx, *followUp)
		if err != nil {
			return nil, err
		}
		next = &entry
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDefinition(row sqlScanner) (models.RecurringJobDefinition, error) {
	var def models.RecurringJobDefinition
	var state string
	var lastRun, started, ended sql.NullInt64
	var updated int64
	if err := row.Scan(&def.Action, &def.JobName, &def.ScheduleExpression, &def.Enabled, &state,
		&lastRun, &started, &ended, &def.LastLog, &def.PendingArgs, &updated); err != nil {
		return models.RecurringJobDefinition{}, err
	}
	def.State = models.JobState(state)
	def.LastRunAt = millisPtr(lastRun)
	def.StartedAt = millisPtr(started)
	def.EndedAt = millisPtr(ended)
	def.UpdatedAt = time.UnixMilli(updated).UTC()
	return def, nil
}

func scanSQLiteEntry(row sqlScanner) (models.QueueEntry, error) {
	var e models.QueueEntry
	var argsJSON, status string
	var requestedBy, errText sql.NullString
	var created int64
	var scheduled, started, completed sql.NullInt64
	if err := row.Scan(&e.ID, &e.JobName, &e.Action, &argsJSON, &status, &requestedBy, &created,
		&scheduled, &started, &completed, &errText); err != nil {
		return models.QueueEntry{}, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
		return models.QueueEntry{}, fmt.Errorf("unmarshal args: %w", err)
	}
	e.Status = models.EntryStatus(status)
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.ScheduledFor = millisPtr(scheduled)
	e.StartedAt = millisPtr(started)
	e.CompletedAt = millisPtr(completed)
	if requestedBy.Valid {
		e.RequestedBy = &requestedBy.String
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	return e, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
