package dingtalk

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/pkg/cache"
)

// Issuer performs the actual remote token issuance for an application
type Issuer interface {
	IssueToken(ctx context.Context, app *domain.AppConfig) (token string, expiresAt time.Time, err error)
}

// Tokens caches one live access token per application key. Concurrent
// callers needing a refresh share a single in-flight remote call; an
// entry is only ever replaced whole, never observed half-written.
type Tokens struct {
	cache  *cache.Cache[string]
	group  singleflight.Group
	issuer Issuer
	margin time.Duration
	logger *slog.Logger
}

type issued struct {
	token     string
	expiresAt time.Time
}

// NewTokens creates the per-application token cache. margin is how far
// before the real expiry a token stops being handed out, so mutating
// calls never run on a token about to lapse.
func NewTokens(issuer Issuer, margin time.Duration, logger *slog.Logger) *Tokens {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tokens{
		cache:  cache.New[string](),
		issuer: issuer,
		margin: margin,
		logger: logger,
	}
}

// Get returns a valid token for the application, refreshing it when the
// cached one is missing or inside the safety margin. Exactly one remote
// refresh runs per application key regardless of caller concurrency.
func (t *Tokens) Get(ctx context.Context, app *domain.AppConfig) (string, time.Time, error) {
	if token, expiresAt, ok := t.cache.Get(app.AppKey, t.margin); ok {
		return token, expiresAt, nil
	}

	v, err, _ := t.group.Do(app.AppKey, func() (interface{}, error) {
		// Another caller may have refreshed while we queued
		if token, expiresAt, ok := t.cache.Get(app.AppKey, t.margin); ok {
			return issued{token: token, expiresAt: expiresAt}, nil
		}

		token, expiresAt, err := t.issuer.IssueToken(ctx, app)
		if err != nil {
			return nil, &CredentialError{AppKey: app.AppKey, Err: err}
		}

		t.cache.Set(app.AppKey, token, expiresAt)
		t.logger.Debug("access token refreshed",
			slog.String("app_key", app.AppKey),
			slog.Time("expires_at", expiresAt),
		)
		return issued{token: token, expiresAt: expiresAt}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}

	result := v.(issued)
	return result.token, result.expiresAt, nil
}

// Invalidate drops the cached token for one application. Used after the
// remote rejects a token so the next Get performs a fresh issuance.
func (t *Tokens) Invalidate(appKey string) {
	t.cache.Delete(appKey)
	t.group.Forget(appKey)
}
