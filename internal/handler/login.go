package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/login"
)

// LoginHandler drives the QR login flow over HTTP
type LoginHandler struct {
	apps      domain.AppConfigRepository
	flow      *login.Flow
	ticketTTL time.Duration
	logger    *slog.Logger
}

// NewLoginHandler creates a new login handler
func NewLoginHandler(apps domain.AppConfigRepository, flow *login.Flow, ticketTTL time.Duration, logger *slog.Logger) *LoginHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginHandler{apps: apps, flow: flow, ticketTTL: ticketTTL, logger: logger}
}

// Begin handles POST /api/login/qr
func (h *LoginHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppKey string `json:"app_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppKey == "" {
		http.Error(w, `{"error":"app_key required"}`, http.StatusBadRequest)
		return
	}

	app, err := h.apps.GetByKey(r.Context(), req.AppKey)
	if err != nil {
		http.Error(w, `{"error":"unknown application"}`, http.StatusNotFound)
		return
	}

	ticket, qrURL, err := h.flow.Begin(r.Context(), app)
	if err != nil {
		h.logger.Error("failed to issue login ticket", slog.String("error", err.Error()))
		http.Error(w, `{"error":"failed to issue ticket"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ticket_id":  ticket.ID,
		"qr_payload": qrURL,
		"expires_at": ticket.CreatedAt.Add(h.ticketTTL).Format(time.RFC3339),
	})
}

// Poll handles GET /api/login/qr/{ticketID}
func (h *LoginHandler) Poll(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.flow.Poll(r.Context(), r.PathValue("ticketID"))
	if errors.Is(err, login.ErrTicketExpired) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"state": "expired"})
		return
	}
	if err != nil {
		h.logger.Error("failed to poll login ticket", slog.String("error", err.Error()))
		http.Error(w, `{"error":"poll failed"}`, http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"state": string(ticket.State)}
	if ticket.State == login.StateConfirmed {
		resp["token"] = ticket.SessionToken
		resp["expires_at"] = ticket.SessionExpiresAt.Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Cancel handles DELETE /api/login/qr/{ticketID}
func (h *LoginHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Cancel(r.Context(), r.PathValue("ticketID")); err != nil {
		if errors.Is(err, login.ErrBadTransition) {
			http.Error(w, `{"error":"ticket already confirmed"}`, http.StatusConflict)
			return
		}
		h.logger.Error("failed to cancel login ticket", slog.String("error", err.Error()))
		http.Error(w, `{"error":"cancel failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Confirm handles GET /login/confirm: the redirect target the remote
// platform sends the member's device to after they approve the login.
// The ticket ID travels in the OAuth state parameter.
func (h *LoginHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticketID := q.Get("state")
	if ticketID == "" {
		ticketID = q.Get("ticket")
	}
	authCode := q.Get("authCode")
	if authCode == "" {
		authCode = q.Get("code")
	}
	if ticketID == "" {
		http.Error(w, `{"error":"state required"}`, http.StatusBadRequest)
		return
	}

	// A hit without an auth code means the device opened the page but the
	// member has not approved yet. Record the scan so pollers can show it.
	if authCode == "" {
		switch err := h.flow.MarkScanned(r.Context(), ticketID); {
		case errors.Is(err, login.ErrTicketExpired):
			http.Error(w, `{"error":"ticket expired"}`, http.StatusGone)
		case errors.Is(err, login.ErrBadTransition):
			http.Error(w, `{"error":"ticket not pending"}`, http.StatusConflict)
		case err != nil:
			h.logger.Error("login scan failed", slog.String("error", err.Error()))
			http.Error(w, `{"error":"scan failed"}`, http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"status": "scanned"})
		}
		return
	}

	ticket, err := h.flow.Inspect(r.Context(), ticketID)
	if err != nil {
		http.Error(w, `{"error":"ticket expired"}`, http.StatusGone)
		return
	}
	app, err := h.apps.GetByKey(r.Context(), ticket.AppKey)
	if err != nil {
		http.Error(w, `{"error":"unknown application"}`, http.StatusNotFound)
		return
	}

	_, err = h.flow.Confirm(r.Context(), app, ticketID, authCode)
	switch {
	case errors.Is(err, login.ErrUnknownIdentity):
		http.Error(w, `{"error":"no account for this identity"}`, http.StatusForbidden)
		return
	case errors.Is(err, login.ErrTicketExpired):
		http.Error(w, `{"error":"ticket expired"}`, http.StatusGone)
		return
	case errors.Is(err, login.ErrBadTransition):
		http.Error(w, `{"error":"ticket not pending"}`, http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("login confirm failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"confirm failed"}`, http.StatusBadGateway)
		return
	}

	// the session token is delivered to the polling browser, not here
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "confirmed"})
}
