package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/orgbridge/internal/domain"
)

// PostgresSyncRunRepository implements domain.SyncRunRepository using
// PostgreSQL. Counts are stored as a JSONB blob since they are only
// ever read back whole.
type PostgresSyncRunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSyncRunRepository creates a new sync run repository
func NewPostgresSyncRunRepository(db *sql.DB, logger *slog.Logger) *PostgresSyncRunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSyncRunRepository{db: db, logger: logger}
}

// Create records the start of a run
func (r *PostgresSyncRunRepository) Create(ctx context.Context, run *domain.SyncRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, app_key, status, started_at, counts, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.AppKey, run.Status, run.StartedAt, counts, run.Error)
	if err != nil {
		r.logger.Error("failed to create sync run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// Finish records the terminal state of a run
func (r *PostgresSyncRunRepository) Finish(ctx context.Context, run *domain.SyncRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $2, finished_at = $3, counts = $4, error = $5
		WHERE id = $1 AND status = 'running'
	`, run.ID, run.Status, run.FinishedAt, counts, run.Error)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync run %s is not running", run.ID)
	}
	return nil
}

// GetByID retrieves one run
func (r *PostgresSyncRunRepository) GetByID(ctx context.Context, id string) (*domain.SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, app_key, status, started_at, finished_at, counts, error
		FROM sync_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

// ListByApp returns the most recent runs for an application
func (r *PostgresSyncRunRepository) ListByApp(ctx context.Context, appKey string, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, app_key, status, started_at, finished_at, counts, error
		FROM sync_runs
		WHERE app_key = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, appKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.SyncRun, error) {
	run := &domain.SyncRun{}
	var counts []byte
	if err := row.Scan(
		&run.ID,
		&run.AppKey,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&counts,
		&run.Error,
	); err != nil {
		return nil, err
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &run.Counts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
		}
	}
	return run, nil
}
