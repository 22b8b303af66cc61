package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yourorg/orgbridge/internal/callback"
	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/observability/metrics"
)

// EventSink routes a decoded callback event into the sync layer
type EventSink interface {
	ApplyEvent(ctx context.Context, app *domain.AppConfig, ev *domain.Event) error
}

// CallbackHandler receives encrypted change notifications from the
// remote platform. A rejected request gets a 4xx so the platform
// redelivers; only a fully applied event is acknowledged.
type CallbackHandler struct {
	apps   domain.AppConfigRepository
	sink   EventSink
	logger *slog.Logger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(apps domain.AppConfigRepository, sink EventSink, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{apps: apps, sink: sink, logger: logger}
}

func (h *CallbackHandler) codecFor(ctx context.Context, appKey string) (*domain.AppConfig, *callback.Codec, error) {
	app, err := h.apps.GetByKey(ctx, appKey)
	if err != nil {
		return nil, nil, err
	}
	codec, err := callback.NewCodec(app.CallbackToken, app.CallbackAESKey, app.AppKey)
	if err != nil {
		return nil, nil, err
	}
	return app, codec, nil
}

// Handshake handles GET /callback/{appKey}: the registration challenge.
// The decrypted challenge string goes back in plaintext.
func (h *CallbackHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	appKey := r.PathValue("appKey")
	q := r.URL.Query()

	_, codec, err := h.codecFor(r.Context(), appKey)
	if err != nil {
		h.logger.Warn("handshake for unknown app", slog.String("app_key", appKey))
		http.Error(w, "unknown application", http.StatusNotFound)
		return
	}

	echo := q.Get("echostr")
	if err := codec.Verify(q.Get("signature"), q.Get("timestamp"), q.Get("nonce"), echo); err != nil {
		metrics.ObserveCallbackRejection("signature")
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}
	plain, err := codec.Decrypt(echo)
	if err != nil {
		metrics.ObserveCallbackRejection("decrypt")
		http.Error(w, "decryption failed", http.StatusBadRequest)
		return
	}

	h.logger.Info("callback handshake verified", slog.String("app_key", appKey))
	w.Header().Set("Content-Type", "text/plain")
	w.Write(plain)
}

// ServeHTTP handles POST /callback/{appKey}: one encrypted event
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appKey := r.PathValue("appKey")
	q := r.URL.Query()

	app, codec, err := h.codecFor(r.Context(), appKey)
	if err != nil {
		h.logger.Warn("callback for unknown app", slog.String("app_key", appKey))
		http.Error(w, "unknown application", http.StatusNotFound)
		return
	}

	var body struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Encrypt == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ev, err := codec.Decode(q.Get("signature"), q.Get("timestamp"), q.Get("nonce"), body.Encrypt, appKey)
	if err != nil {
		switch {
		case errors.Is(err, callback.ErrSignature):
			metrics.ObserveCallbackRejection("signature")
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
		case errors.Is(err, callback.ErrTamper):
			metrics.ObserveCallbackRejection("tamper")
			http.Error(w, "app key mismatch", http.StatusUnauthorized)
		default:
			metrics.ObserveCallbackRejection("decrypt")
			http.Error(w, "decryption failed", http.StatusBadRequest)
		}
		return
	}

	if err := h.sink.ApplyEvent(r.Context(), app, ev); err != nil {
		// no ack: the platform redelivers and the applier converges
		h.logger.Error("failed to apply callback event",
			slog.String("app_key", appKey),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "event application failed", http.StatusInternalServerError)
		return
	}

	reply, err := codec.ReplySuccess()
	if err != nil {
		h.logger.Error("failed to build callback ack", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}
