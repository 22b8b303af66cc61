package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/repository"
	syncpkg "github.com/yourorg/orgbridge/internal/sync"
)

// SyncHandler starts, cancels and inspects directory sync runs
type SyncHandler struct {
	apps   domain.AppConfigRepository
	runs   domain.SyncRunRepository
	engine *syncpkg.Engine
	logger *slog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(apps domain.AppConfigRepository, runs domain.SyncRunRepository, engine *syncpkg.Engine, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{apps: apps, runs: runs, engine: engine, logger: logger}
}

type runResponse struct {
	ID         string            `json:"id"`
	AppKey     string            `json:"app_key"`
	Status     string            `json:"status"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at,omitempty"`
	Counts     domain.SyncCounts `json:"counts"`
	Error      string            `json:"error,omitempty"`
}

func toRunResponse(run *domain.SyncRun) runResponse {
	resp := runResponse{
		ID:        run.ID,
		AppKey:    run.AppKey,
		Status:    string(run.Status),
		StartedAt: run.StartedAt.Format(time.RFC3339),
		Counts:    run.Counts,
		Error:     run.Error,
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = run.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

// Start handles POST /api/sync/{appKey}
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	appKey := r.PathValue("appKey")
	app, err := h.apps.GetByKey(r.Context(), appKey)
	if err != nil {
		http.Error(w, `{"error":"unknown application"}`, http.StatusNotFound)
		return
	}

	run, err := h.engine.Start(r.Context(), app)
	if errors.Is(err, syncpkg.ErrSyncRunning) {
		http.Error(w, `{"error":"sync already running"}`, http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("failed to start sync", slog.String("app_key", appKey), slog.String("error", err.Error()))
		http.Error(w, `{"error":"failed to start sync"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": run.ID})
}

// Cancel handles DELETE /api/sync/runs/{runID}
func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if !h.engine.Cancel(runID) {
		http.Error(w, `{"error":"run not active"}`, http.StatusNotFound)
		return
	}
	h.logger.Info("sync run cancellation requested", slog.String("run_id", runID))
	w.WriteHeader(http.StatusAccepted)
}

// Get handles GET /api/sync/runs/{runID}
func (h *SyncHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetByID(r.Context(), r.PathValue("runID"))
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRunResponse(run))
}

// List handles GET /api/sync/runs?app_key=
func (h *SyncHandler) List(w http.ResponseWriter, r *http.Request) {
	appKey := r.URL.Query().Get("app_key")
	if appKey == "" {
		http.Error(w, `{"error":"app_key required"}`, http.StatusBadRequest)
		return
	}

	runs, err := h.runs.ListByApp(r.Context(), appKey, 50)
	if err != nil {
		h.logger.Error("failed to list sync runs", slog.String("error", err.Error()))
		http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"runs": resp})
}
