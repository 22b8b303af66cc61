package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/login"
	"github.com/yourorg/orgbridge/internal/security/auth"
)

func testHandlerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memTicketStore struct {
	tickets map[string]*login.Ticket
}

func (s *memTicketStore) Put(_ context.Context, t *login.Ticket, _ time.Duration) error {
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *memTicketStore) Get(_ context.Context, id string) (*login.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, login.ErrTicketExpired
	}
	cp := *t
	return &cp, nil
}

func (s *memTicketStore) Delete(_ context.Context, id string) error {
	delete(s.tickets, id)
	return nil
}

type fakeIdentityAPI struct {
	identity *dingtalk.UserIdentity
}

func (f *fakeIdentityAPI) UserAccessToken(_ context.Context, _ *domain.AppConfig, authCode string) (string, error) {
	if authCode != "good-code" {
		return "", &dingtalk.APIError{Code: 40078, Message: "invalid code"}
	}
	return "user-token", nil
}

func (f *fakeIdentityAPI) UserInfo(context.Context, string) (*dingtalk.UserIdentity, error) {
	return f.identity, nil
}

type mappedStore struct {
	domain.Store
	accounts map[string]string
}

func (s *mappedStore) AccountForRemoteUser(_ context.Context, remoteUserID string) (string, bool, error) {
	id, ok := s.accounts[remoteUserID]
	return id, ok, nil
}

func loginFixture(t *testing.T) *http.ServeMux {
	t.Helper()
	apps := &fakeApps{apps: map[string]*domain.AppConfig{
		"app-1": {AppKey: "app-1", AppSecret: "secret"},
	}}
	flow := login.NewFlow(
		&fakeIdentityAPI{identity: &dingtalk.UserIdentity{UnionID: "union-1", Nick: "Alice"}},
		&mappedStore{accounts: map[string]string{"union-1": "acct-9"}},
		&memTicketStore{tickets: map[string]*login.Ticket{}},
		auth.NewTokenManager("test-secret", "orgbridge"),
		time.Minute, time.Hour,
		"http://localhost/login/confirm",
		testHandlerLogger(),
	)
	h := NewLoginHandler(apps, flow, time.Minute, testHandlerLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login/qr", h.Begin)
	mux.HandleFunc("GET /api/login/qr/{ticketID}", h.Poll)
	mux.HandleFunc("DELETE /api/login/qr/{ticketID}", h.Cancel)
	mux.HandleFunc("GET /login/confirm", h.Confirm)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	out := map[string]any{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestLoginLifecycleOverHTTP(t *testing.T) {
	mux := loginFixture(t)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/login/qr", `{"app_key":"app-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("begin: status %d, body %s", rec.Code, rec.Body.String())
	}
	ticketID, _ := body["ticket_id"].(string)
	if ticketID == "" {
		t.Fatal("begin: no ticket_id in response")
	}
	if qr, _ := body["qr_payload"].(string); !strings.Contains(qr, ticketID) {
		t.Errorf("qr payload should carry the ticket ID as state: %q", qr)
	}

	rec, body = doJSON(t, mux, http.MethodGet, "/api/login/qr/"+ticketID, "")
	if body["state"] != "issued" {
		t.Fatalf("expected issued state, got %v", body["state"])
	}

	// Device opened the confirm page, no approval yet
	rec, body = doJSON(t, mux, http.MethodGet, "/login/confirm?state="+ticketID, "")
	if rec.Code != http.StatusOK || body["status"] != "scanned" {
		t.Fatalf("scan: status %d, body %v", rec.Code, body)
	}
	_, body = doJSON(t, mux, http.MethodGet, "/api/login/qr/"+ticketID, "")
	if body["state"] != "scanned" {
		t.Fatalf("expected scanned state, got %v", body["state"])
	}

	rec, body = doJSON(t, mux, http.MethodGet, "/login/confirm?state="+ticketID+"&authCode=good-code", "")
	if rec.Code != http.StatusOK || body["status"] != "confirmed" {
		t.Fatalf("confirm: status %d, body %v", rec.Code, body)
	}

	// The polling browser receives the session exactly once
	_, body = doJSON(t, mux, http.MethodGet, "/api/login/qr/"+ticketID, "")
	if body["state"] != "confirmed" {
		t.Fatalf("expected confirmed state, got %v", body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("confirmed poll should carry the session token")
	}
	_, body = doJSON(t, mux, http.MethodGet, "/api/login/qr/"+ticketID, "")
	if body["state"] != "expired" {
		t.Fatalf("second poll should report expired, got %v", body)
	}
}

func TestLoginConfirmWithBadCode(t *testing.T) {
	mux := loginFixture(t)

	_, body := doJSON(t, mux, http.MethodPost, "/api/login/qr", `{"app_key":"app-1"}`)
	ticketID, _ := body["ticket_id"].(string)

	rec, _ := doJSON(t, mux, http.MethodGet, "/login/confirm?state="+ticketID+"&authCode=bad", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for rejected auth code, got %d", rec.Code)
	}

	// The ticket survives a failed exchange and can still be confirmed
	rec, _ = doJSON(t, mux, http.MethodGet, "/login/confirm?state="+ticketID+"&authCode=good-code", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected confirm to succeed after retry, got %d", rec.Code)
	}
}

func TestLoginCancelBlocksConfirm(t *testing.T) {
	mux := loginFixture(t)

	_, body := doJSON(t, mux, http.MethodPost, "/api/login/qr", `{"app_key":"app-1"}`)
	ticketID, _ := body["ticket_id"].(string)

	rec, _ := doJSON(t, mux, http.MethodDelete, "/api/login/qr/"+ticketID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/login/confirm?state="+ticketID+"&authCode=good-code", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 confirming a cancelled ticket, got %d", rec.Code)
	}
}

func TestLoginBeginUnknownApp(t *testing.T) {
	mux := loginFixture(t)

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/login/qr", `{"app_key":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown app, got %d", rec.Code)
	}
}
