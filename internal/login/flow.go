package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/observability/metrics"
	"github.com/yourorg/orgbridge/internal/security/auth"
)

// ErrUnknownIdentity is returned when the remote identity confirmed a
// login but no local account is mapped to it.
var ErrUnknownIdentity = errors.New("no local account for remote identity")

// ErrBadTransition is returned for state changes the ticket lifecycle
// does not allow, e.g. confirming a cancelled ticket.
var ErrBadTransition = errors.New("invalid ticket state transition")

const qrAuthBase = "https://login.dingtalk.com/oauth2/auth"

// IdentityAPI is the slice of the remote client the login flow needs
type IdentityAPI interface {
	UserAccessToken(ctx context.Context, app *domain.AppConfig, authCode string) (string, error)
	UserInfo(ctx context.Context, userAccessToken string) (*dingtalk.UserIdentity, error)
}

// Session is the result of a confirmed login
type Session struct {
	AccountID string
	Token     string
	ExpiresAt time.Time
}

// Flow drives QR logins: issue a short-lived ticket, render it as a QR
// target, then exchange the confirmation auth code for a local session.
type Flow struct {
	api        IdentityAPI
	store      domain.Store
	tickets    TicketStore
	sessions   *auth.TokenManager
	ticketTTL  time.Duration
	sessionTTL time.Duration
	confirmURL string
	logger     *slog.Logger
}

func NewFlow(
	api IdentityAPI,
	store domain.Store,
	tickets TicketStore,
	sessions *auth.TokenManager,
	ticketTTL, sessionTTL time.Duration,
	confirmURL string,
	logger *slog.Logger,
) *Flow {
	if ticketTTL <= 0 {
		ticketTTL = 5 * time.Minute
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Flow{
		api:        api,
		store:      store,
		tickets:    tickets,
		sessions:   sessions,
		ticketTTL:  ticketTTL,
		sessionTTL: sessionTTL,
		confirmURL: confirmURL,
		logger:     logger,
	}
}

// Begin issues a fresh ticket and the URL the QR code should encode
func (f *Flow) Begin(ctx context.Context, app *domain.AppConfig) (*Ticket, string, error) {
	t := &Ticket{
		ID:        uuid.New().String(),
		AppKey:    app.AppKey,
		State:     StateIssued,
		CreatedAt: time.Now(),
	}
	if err := f.tickets.Put(ctx, t, f.ticketTTL); err != nil {
		return nil, "", fmt.Errorf("store ticket: %w", err)
	}
	metrics.ObserveLoginTicket(string(StateIssued))
	f.logger.Info("login ticket issued", "ticket_id", t.ID, "app_key", app.AppKey)
	return t, f.qrURL(app, t), nil
}

func (f *Flow) qrURL(app *domain.AppConfig, t *Ticket) string {
	q := url.Values{}
	q.Set("client_id", app.AppKey)
	q.Set("response_type", "code")
	q.Set("scope", "openid")
	q.Set("prompt", "consent")
	q.Set("state", t.ID)
	q.Set("redirect_uri", f.confirmURL)
	return qrAuthBase + "?" + q.Encode()
}

// Inspect returns the ticket without consuming it
func (f *Flow) Inspect(ctx context.Context, ticketID string) (*Ticket, error) {
	return f.tickets.Get(ctx, ticketID)
}

// Poll reports the ticket's current state. Missing tickets read as
// expired rather than erroring. The poll that observes a confirmed
// ticket consumes it: the session token is handed out exactly once.
func (f *Flow) Poll(ctx context.Context, ticketID string) (*Ticket, error) {
	t, err := f.tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.State == StateConfirmed {
		if err := f.tickets.Delete(ctx, ticketID); err != nil {
			return nil, fmt.Errorf("consume ticket: %w", err)
		}
	}
	return t, nil
}

// MarkScanned moves an issued ticket to scanned when the QR code is
// read on the device. Scanning twice is harmless.
func (f *Flow) MarkScanned(ctx context.Context, ticketID string) error {
	t, err := f.tickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	switch t.State {
	case StateIssued, StateScanned:
	default:
		return fmt.Errorf("%w: scan on %s ticket", ErrBadTransition, t.State)
	}
	t.State = StateScanned
	if err := f.tickets.Put(ctx, t, f.ticketTTL); err != nil {
		return fmt.Errorf("store ticket: %w", err)
	}
	metrics.ObserveLoginTicket(string(StateScanned))
	return nil
}

// Confirm completes the login: the device-side approval produced a
// one-time auth code, which is exchanged for the remote identity and
// mapped to a local account. Unmapped identities fail with
// ErrUnknownIdentity and never create an account implicitly.
func (f *Flow) Confirm(ctx context.Context, app *domain.AppConfig, ticketID, authCode string) (*Session, error) {
	t, err := f.tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	switch t.State {
	case StateIssued, StateScanned:
	case StateConfirmed:
		return nil, fmt.Errorf("%w: ticket already confirmed", ErrBadTransition)
	default:
		return nil, fmt.Errorf("%w: confirm on %s ticket", ErrBadTransition, t.State)
	}

	userToken, err := f.api.UserAccessToken(ctx, app, authCode)
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}
	identity, err := f.api.UserInfo(ctx, userToken)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	accountID, ok, err := f.store.AccountForRemoteUser(ctx, identity.UnionID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	if !ok {
		// a voided ticket, not an expired one: the poller learns the
		// login was rejected instead of timing out
		t.State = StateCancelled
		if perr := f.tickets.Put(ctx, t, f.ticketTTL); perr != nil {
			f.logger.Error("failed to cancel ticket for unmapped identity",
				"ticket_id", t.ID, "error", perr)
		}
		metrics.ObserveLoginTicket(string(StateCancelled))
		f.logger.Warn("login for unmapped identity rejected",
			"ticket_id", t.ID, "union_id", identity.UnionID)
		return nil, ErrUnknownIdentity
	}

	token, err := f.sessions.GenerateToken(accountID, identity.UnionID, app.AppKey, f.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("mint session: %w", err)
	}

	expiresAt := time.Now().Add(f.sessionTTL)
	t.State = StateConfirmed
	t.AccountID = accountID
	t.SessionToken = token
	t.SessionExpiresAt = expiresAt
	if err := f.tickets.Put(ctx, t, f.ticketTTL); err != nil {
		return nil, fmt.Errorf("store ticket: %w", err)
	}

	metrics.ObserveLoginTicket(string(StateConfirmed))
	f.logger.Info("login confirmed", "ticket_id", t.ID, "account_id", accountID)
	return &Session{
		AccountID: accountID,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Cancel voids a pending ticket. Cancelling an expired ticket is a
// no-op.
func (f *Flow) Cancel(ctx context.Context, ticketID string) error {
	t, err := f.tickets.Get(ctx, ticketID)
	if errors.Is(err, ErrTicketExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.State == StateConfirmed {
		return fmt.Errorf("%w: cancel on confirmed ticket", ErrBadTransition)
	}
	t.State = StateCancelled
	if err := f.tickets.Put(ctx, t, f.ticketTTL); err != nil {
		return fmt.Errorf("store ticket: %w", err)
	}
	metrics.ObserveLoginTicket(string(StateCancelled))
	return nil
}
