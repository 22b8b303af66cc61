package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	syncpkg "github.com/yourorg/orgbridge/internal/sync"
)

// SyncStreamHandler streams live progress of a sync run over WebSocket
type SyncStreamHandler struct {
	broadcaster *syncpkg.Broadcaster
	logger      *slog.Logger
}

// NewSyncStreamHandler creates a new sync stream handler
func NewSyncStreamHandler(broadcaster *syncpkg.Broadcaster, logger *slog.Logger) *SyncStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncStreamHandler{broadcaster: broadcaster, logger: logger}
}

var syncStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// progress updates carry no secrets; any origin may watch
		return true
	},
}

// ServeHTTP handles GET /ws/sync/{runID}
func (h *SyncStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}

	updates, cancel := h.broadcaster.Subscribe(runID)
	defer cancel()

	ws, err := syncStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	// reader goroutine notices the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(p); err != nil {
				h.logger.Debug("sync stream write failed",
					slog.String("run_id", runID),
					slog.String("error", err.Error()),
				)
				return
			}
			if p.Done {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sync finished"))
				return
			}
		}
	}
}
