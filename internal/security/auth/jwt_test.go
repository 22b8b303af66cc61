package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	tm := NewTokenManager("test-secret", "orgbridge-test")

	token, err := tm.GenerateToken("acct-1", "u1", "app-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := tm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.AccountID != "acct-1" || claims.RemoteUserID != "u1" || claims.AppKey != "app-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "orgbridge-test" {
		t.Errorf("unexpected issuer %q", claims.Issuer)
	}
}

func TestGenerateTokenRequiresAccount(t *testing.T) {
	tm := NewTokenManager("test-secret", "")
	if _, err := tm.GenerateToken("", "u1", "app-1", time.Hour); err == nil {
		t.Fatal("expected error for missing account id")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-a", "").GenerateToken("acct-1", "u1", "app-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := NewTokenManager("secret-b", "").ValidateToken(token); err == nil {
		t.Fatal("expected validation failure with wrong secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tm := NewTokenManager("test-secret", "")
	token, err := tm.GenerateToken("acct-1", "u1", "app-1", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := tm.ValidateToken(token); err == nil {
		t.Fatal("expected validation failure for expired token")
	}
}

func TestExtractToken(t *testing.T) {
	if _, err := ExtractToken("Basic abc"); err == nil {
		t.Error("expected error for non-bearer header")
	}
	got, err := ExtractToken("Bearer abc.def.ghi")
	if err != nil {
		t.Fatalf("ExtractToken: %v", err)
	}
	if got != "abc.def.ghi" {
		t.Errorf("unexpected token %q", got)
	}
}
