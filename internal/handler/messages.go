package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/domain"
)

// MessagesHandler pushes work notifications through a configured app
type MessagesHandler struct {
	apps   domain.AppConfigRepository
	client *dingtalk.Client
	logger *slog.Logger
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(apps domain.AppConfigRepository, client *dingtalk.Client, logger *slog.Logger) *MessagesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagesHandler{apps: apps, client: client, logger: logger}
}

// Send handles POST /api/apps/{appKey}/messages
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	appKey := r.PathValue("appKey")
	app, err := h.apps.GetByKey(r.Context(), appKey)
	if err != nil {
		http.Error(w, `{"error":"unknown application"}`, http.StatusNotFound)
		return
	}

	var req struct {
		UserIDs []string        `json:"user_ids"`
		DeptIDs []string        `json:"dept_ids"`
		ToAll   bool            `json:"to_all"`
		Msg     json.RawMessage `json:"msg"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	taskID, err := h.client.SendMessage(r.Context(), app, dingtalk.SendMessageRequest{
		UserIDs: req.UserIDs,
		DeptIDs: req.DeptIDs,
		ToAll:   req.ToAll,
		Msg:     req.Msg,
	})
	if err != nil {
		h.logger.Error("failed to send message",
			slog.String("app_key", appKey),
			slog.String("error", err.Error()),
		)
		http.Error(w, `{"error":"send failed"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
}

// maxMediaBytes caps uploads at the platform's 20 MB media limit
const maxMediaBytes = 20 << 20

// UploadMedia handles POST /api/apps/{appKey}/media. The multipart form
// carries a "type" field (image, voice, file) and the "media" file part;
// the platform media ID comes back for use in message payloads.
func (h *MessagesHandler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	appKey := r.PathValue("appKey")
	app, err := h.apps.GetByKey(r.Context(), appKey)
	if err != nil {
		http.Error(w, `{"error":"unknown application"}`, http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMediaBytes)
	if err := r.ParseMultipartForm(maxMediaBytes); err != nil {
		http.Error(w, `{"error":"invalid multipart body"}`, http.StatusBadRequest)
		return
	}

	mediaType := r.FormValue("type")
	if mediaType == "" {
		mediaType = "file"
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		http.Error(w, `{"error":"media file part is required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, `{"error":"failed to read media"}`, http.StatusBadRequest)
		return
	}

	mediaID, err := h.client.UploadMedia(r.Context(), app, mediaType, content, header.Filename)
	if err != nil {
		h.logger.Error("failed to upload media",
			slog.String("app_key", appKey),
			slog.String("media_type", mediaType),
			slog.String("error", err.Error()),
		)
		http.Error(w, `{"error":"upload failed"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"media_id": mediaID})
}
