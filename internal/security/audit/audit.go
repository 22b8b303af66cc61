package audit

import (
	"context"
	"log/slog"
	"time"
)

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (al *Logger) LogAction(ctx context.Context, appKey, accountID, action, resource, resourceID, status, details string) {
	requestID := ""
	if reqID := ctx.Value("request_id"); reqID != nil {
		requestID = reqID.(string)
	}

	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("app_key", appKey),
		slog.String("account_id", accountID),
		slog.String("status", status),
		slog.String("details", details),
		slog.String("request_id", requestID),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogSyncStart(ctx context.Context, appKey, accountID, runID string) {
	al.LogAction(ctx, appKey, accountID, "sync_start", "sync_run", runID, "initiated", "")
}

func (al *Logger) LogSyncCancel(ctx context.Context, appKey, accountID, runID string) {
	al.LogAction(ctx, appKey, accountID, "sync_cancel", "sync_run", runID, "initiated", "")
}

func (al *Logger) LogMessageSend(ctx context.Context, appKey, accountID, taskID, status string) {
	al.LogAction(ctx, appKey, accountID, "message_send", "message", taskID, status, "")
}

func (al *Logger) LogDenied(ctx context.Context, appKey, accountID, reason string) {
	al.LogAction(ctx, appKey, accountID, "access_denied", "api", "", "denied", reason)
}
