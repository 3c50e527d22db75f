package adminauth

import (
	"errors"
	"testing"
	"time"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	a, err := New("test-admin-secret", "Ops@Example.com", hash)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("  ", "ops@example.com", "hash"); err == nil {
		t.Fatal("want error for blank secret")
	}
}

func TestEnabled(t *testing.T) {
	a, err := New("secret", "", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.Enabled() {
		t.Fatal("authenticator without credentials must be disabled")
	}
	if newTestAuthenticator(t).Enabled() != true {
		t.Fatal("configured authenticator must be enabled")
	}
}

func TestIssueAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)

	tok, expiresAt, err := a.IssueToken("ops@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if until := time.Until(expiresAt); until <= 0 || until > DefaultTTL {
		t.Fatalf("expiry out of range: %s", expiresAt)
	}

	subject, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "ops@example.com" {
		t.Fatalf("subject: got %q", subject)
	}
}

func TestIssueTokenEmailIsCaseInsensitive(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, _, err := a.IssueToken("OPS@EXAMPLE.COM", "correct horse battery staple"); err != nil {
		t.Fatalf("issue with upper-case email: %v", err)
	}
}

func TestIssueTokenRejectsBadCredentials(t *testing.T) {
	a := newTestAuthenticator(t)

	if _, _, err := a.IssueToken("ops@example.com", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password: want ErrUnauthorized, got %v", err)
	}
	if _, _, err := a.IssueToken("other@example.com", "correct horse battery staple"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong email: want ErrUnauthorized, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a := newTestAuthenticator(t)
	for _, raw := range []string{"", "   ", "not.a.jwt", "a.b"} {
		if _, err := a.Verify(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("input %q: want ErrInvalidToken, got %v", raw, err)
		}
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	a := newTestAuthenticator(t)
	tok, _, err := a.IssueToken("ops@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	hash, _ := HashPassword("pw")
	other, err := New("different-secret", "ops@example.com", hash)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := other.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret: want ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a := newTestAuthenticator(t)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.WithClock(func() time.Time { return issued })

	tok, _, err := a.IssueToken("ops@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	a.WithClock(func() time.Time { return issued.Add(DefaultTTL + time.Minute) })
	if _, err := a.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: want ErrInvalidToken, got %v", err)
	}
}
