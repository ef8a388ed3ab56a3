package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/cmdq/internal/command/models"
)

// sqlRepository stores records in SQLite or PostgreSQL. Queries are written
// with ? placeholders and rebound per driver.
type sqlRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*sqlRepository)(nil)

func newSQLRepository(writer, reader *sqlx.DB) (*sqlRepository, error) {
	if reader == nil {
		reader = writer
	}
	repo := &sqlRepository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (r *sqlRepository) Close() error {
	return nil
}

func (r *sqlRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject_label TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		state TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		status_message TEXT NOT NULL DEFAULT '',
		captured_output TEXT NOT NULL DEFAULT '',
		captured_error TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_command_records_state ON command_records(state);
	`
	_, err := r.db.Exec(schema)
	return err
}

const selectColumns = `id, kind, subject_label, priority, state, progress_percent, status_message,
	captured_output, captured_error, exit_code, duration_ms, created_at, started_at, ended_at`

func (r *sqlRepository) SaveCommand(ctx context.Context, rec *models.StatusRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO command_records (`+selectColumns+`)
		VALUES (:id, :kind, :subject_label, :priority, :state, :progress_percent, :status_message,
			:captured_output, :captured_error, :exit_code, :duration_ms, :created_at, :started_at, :ended_at)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress_percent = excluded.progress_percent,
			status_message = excluded.status_message,
			captured_output = excluded.captured_output,
			captured_error = excluded.captured_error,
			exit_code = excluded.exit_code,
			duration_ms = excluded.duration_ms,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, rec)
	return err
}

func (r *sqlRepository) GetCommand(ctx context.Context, id string) (*models.StatusRecord, error) {
	rec := &models.StatusRecord{}
	err := r.ro.GetContext(ctx, rec, r.ro.Rebind(`SELECT `+selectColumns+` FROM command_records WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *sqlRepository) ListCommands(ctx context.Context) ([]*models.StatusRecord, error) {
	var recs []*models.StatusRecord
	if err := r.ro.SelectContext(ctx, &recs, `SELECT `+selectColumns+` FROM command_records ORDER BY created_at ASC, id ASC`); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *sqlRepository) DeleteCommand(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM command_records WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *sqlRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := sqlx.In(`DELETE FROM command_records WHERE state IN (?) AND ended_at IS NOT NULL AND ended_at < ?`,
		terminalStates(), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
