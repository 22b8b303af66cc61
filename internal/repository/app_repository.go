package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/yourorg/orgbridge/internal/domain"
)

// ErrNotFound is returned for lookups of records that do not exist
var ErrNotFound = errors.New("record not found")

// PostgresAppRepository implements domain.AppConfigRepository using PostgreSQL
type PostgresAppRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresAppRepository creates a new app config repository
func NewPostgresAppRepository(db *sql.DB, logger *slog.Logger) *PostgresAppRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresAppRepository{db: db, logger: logger}
}

// GetByKey retrieves one application configuration by app key
func (r *PostgresAppRepository) GetByKey(ctx context.Context, appKey string) (*domain.AppConfig, error) {
	query := `
		SELECT app_key, app_secret, agent_id, tenant_id, name,
		       callback_token, callback_aes_key, sync_root_ids,
		       mirror_accounts, created_at, updated_at
		FROM app_configs
		WHERE app_key = $1
	`

	app := &domain.AppConfig{}
	err := r.db.QueryRowContext(ctx, query, appKey).Scan(
		&app.AppKey,
		&app.AppSecret,
		&app.AgentID,
		&app.TenantID,
		&app.Name,
		&app.CallbackToken,
		&app.CallbackAESKey,
		pq.Array(&app.SyncRootIDs),
		&app.MirrorAccounts,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: app %s", ErrNotFound, appKey)
		}
		r.logger.Error("failed to get app config",
			slog.String("app_key", appKey),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to get app config: %w", err)
	}
	return app, nil
}

// List returns every configured application
func (r *PostgresAppRepository) List(ctx context.Context) ([]*domain.AppConfig, error) {
	query := `
		SELECT app_key, app_secret, agent_id, tenant_id, name,
		       callback_token, callback_aes_key, sync_root_ids,
		       mirror_accounts, created_at, updated_at
		FROM app_configs
		ORDER BY app_key
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list app configs: %w", err)
	}
	defer rows.Close()

	var apps []*domain.AppConfig
	for rows.Next() {
		app := &domain.AppConfig{}
		if err := rows.Scan(
			&app.AppKey,
			&app.AppSecret,
			&app.AgentID,
			&app.TenantID,
			&app.Name,
			&app.CallbackToken,
			&app.CallbackAESKey,
			pq.Array(&app.SyncRootIDs),
			&app.MirrorAccounts,
			&app.CreatedAt,
			&app.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan app config: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// Save upserts one application configuration by app key
func (r *PostgresAppRepository) Save(ctx context.Context, app *domain.AppConfig) error {
	query := `
		INSERT INTO app_configs (
			app_key, app_secret, agent_id, tenant_id, name,
			callback_token, callback_aes_key, sync_root_ids, mirror_accounts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_key) DO UPDATE SET
			app_secret = EXCLUDED.app_secret,
			agent_id = EXCLUDED.agent_id,
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			callback_token = EXCLUDED.callback_token,
			callback_aes_key = EXCLUDED.callback_aes_key,
			sync_root_ids = EXCLUDED.sync_root_ids,
			mirror_accounts = EXCLUDED.mirror_accounts,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		app.AppKey,
		app.AppSecret,
		app.AgentID,
		app.TenantID,
		app.Name,
		app.CallbackToken,
		app.CallbackAESKey,
		pq.Array(app.SyncRootIDs),
		app.MirrorAccounts,
	).Scan(&app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to save app config",
			slog.String("app_key", app.AppKey),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save app config: %w", err)
	}
	return nil
}
