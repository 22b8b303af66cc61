package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yourorg/orgbridge/internal/domain"
	syncpkg "github.com/yourorg/orgbridge/internal/sync"
)

// SyncWorker periodically runs a full directory sync for every
// configured application, so the local mirror converges even when
// callbacks were lost.
type SyncWorker struct {
	apps     domain.AppConfigRepository
	engine   *syncpkg.Engine
	logger   *slog.Logger
	interval time.Duration
}

// NewSyncWorker creates a new sync worker. A non-positive interval
// disables it.
func NewSyncWorker(apps domain.AppConfigRepository, engine *syncpkg.Engine, logger *slog.Logger, interval time.Duration) *SyncWorker {
	return &SyncWorker{
		apps:     apps,
		engine:   engine,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the periodic sync loop
func (w *SyncWorker) Start(ctx context.Context) {
	if w.interval <= 0 {
		w.logger.Info("periodic sync disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sync worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopped")
			return
		case <-ticker.C:
			w.syncAll(ctx)
		}
	}
}

// syncAll starts a run for every application that is not already
// syncing or missing roots.
func (w *SyncWorker) syncAll(ctx context.Context) {
	apps, err := w.apps.List(ctx)
	if err != nil {
		w.logger.Error("failed to list applications", slog.String("error", err.Error()))
		return
	}

	for _, app := range apps {
		if len(app.SyncRootIDs) == 0 {
			continue
		}
		run, err := w.engine.Start(ctx, app)
		if errors.Is(err, syncpkg.ErrSyncRunning) {
			w.logger.Info("skipping app with sync in flight", slog.String("app_key", app.AppKey))
			continue
		}
		if err != nil {
			w.logger.Error("failed to start periodic sync",
				slog.String("app_key", app.AppKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Info("periodic sync started",
			slog.String("app_key", app.AppKey),
			slog.String("run_id", run.ID),
		)
	}
}
