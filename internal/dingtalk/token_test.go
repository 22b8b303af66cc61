package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourorg/orgbridge/internal/domain"
)

type countingIssuer struct {
	mu     sync.Mutex
	issued atomic.Int64
	fail   map[string]error
	ttl    time.Duration
}

func (i *countingIssuer) IssueToken(_ context.Context, app *domain.AppConfig) (string, time.Time, error) {
	i.mu.Lock()
	err := i.fail[app.AppKey]
	i.mu.Unlock()
	if err != nil {
		return "", time.Time{}, err
	}
	n := i.issued.Add(1)
	ttl := i.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return fmt.Sprintf("token-%s-%d", app.AppKey, n), time.Now().Add(ttl), nil
}

func TestTokensSingleRefreshUnderConcurrency(t *testing.T) {
	issuer := &countingIssuer{}
	tokens := NewTokens(issuer, time.Minute, testLogger())
	app := &domain.AppConfig{AppKey: "app-1", AppSecret: "secret"}

	const callers = 32
	var wg sync.WaitGroup
	got := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, _, err := tokens.Get(context.Background(), app)
			got[i], errs[i] = token, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if got[i] != got[0] {
			t.Fatalf("caller %d saw token %q, caller 0 saw %q", i, got[i], got[0])
		}
	}
	if n := issuer.issued.Load(); n != 1 {
		t.Fatalf("expected exactly 1 remote issuance, got %d", n)
	}
}

func TestTokensCachedAcrossCalls(t *testing.T) {
	issuer := &countingIssuer{}
	tokens := NewTokens(issuer, time.Minute, testLogger())
	app := &domain.AppConfig{AppKey: "app-1"}

	first, _, err := tokens.Get(context.Background(), app)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	second, _, err := tokens.Get(context.Background(), app)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if first != second {
		t.Errorf("expected cached token, got %q then %q", first, second)
	}
	if n := issuer.issued.Load(); n != 1 {
		t.Errorf("expected 1 issuance, got %d", n)
	}
}

func TestTokensRefreshInsideSafetyMargin(t *testing.T) {
	issuer := &countingIssuer{ttl: 30 * time.Second}
	tokens := NewTokens(issuer, time.Minute, testLogger())
	app := &domain.AppConfig{AppKey: "app-1"}

	// token expires inside the margin, so every Get refreshes
	if _, _, err := tokens.Get(context.Background(), app); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, _, err := tokens.Get(context.Background(), app); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if n := issuer.issued.Load(); n != 2 {
		t.Errorf("expected 2 issuances for near-expiry token, got %d", n)
	}
}

func TestTokensInvalidateForcesRefresh(t *testing.T) {
	issuer := &countingIssuer{}
	tokens := NewTokens(issuer, time.Minute, testLogger())
	app := &domain.AppConfig{AppKey: "app-1"}

	first, _, err := tokens.Get(context.Background(), app)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	tokens.Invalidate(app.AppKey)
	second, _, err := tokens.Get(context.Background(), app)
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if first == second {
		t.Errorf("expected a fresh token after invalidate, got %q twice", first)
	}
}

func TestTokensCredentialErrorIsolatedPerApp(t *testing.T) {
	issuer := &countingIssuer{fail: map[string]error{"bad-app": errors.New("invalid appsecret")}}
	tokens := NewTokens(issuer, time.Minute, testLogger())

	_, _, err := tokens.Get(context.Background(), &domain.AppConfig{AppKey: "bad-app"})
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
	if credErr.AppKey != "bad-app" {
		t.Errorf("expected error for bad-app, got %q", credErr.AppKey)
	}

	// the healthy application is unaffected
	token, _, err := tokens.Get(context.Background(), &domain.AppConfig{AppKey: "good-app"})
	if err != nil {
		t.Fatalf("healthy app Get: %v", err)
	}
	if token == "" {
		t.Error("expected a token for the healthy app")
	}
}

func TestTokensPerAppIsolation(t *testing.T) {
	issuer := &countingIssuer{}
	tokens := NewTokens(issuer, time.Minute, testLogger())

	a, _, err := tokens.Get(context.Background(), &domain.AppConfig{AppKey: "app-a"})
	if err != nil {
		t.Fatalf("app-a Get: %v", err)
	}
	b, _, err := tokens.Get(context.Background(), &domain.AppConfig{AppKey: "app-b"})
	if err != nil {
		t.Fatalf("app-b Get: %v", err)
	}
	if a == b {
		t.Errorf("expected distinct tokens per app, got %q twice", a)
	}
	if n := issuer.issued.Load(); n != 2 {
		t.Errorf("expected 2 issuances, got %d", n)
	}
}
