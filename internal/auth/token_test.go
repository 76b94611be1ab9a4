package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestManager() *JWTManager {
	return NewJWTManager([]byte("test-secret"))
}

func TestIssueAndVerify(t *testing.T) {
	m := newTestManager()

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected non-empty token pair")
	}

	userID, err := m.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if userID != "agent-7" {
		t.Errorf("expected user %q, got %q", "agent-7", userID)
	}
}

func TestVerify_RejectsRefreshToken(t *testing.T) {
	m := newTestManager()

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := m.Verify(pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for refresh token used as access, got %v", err)
	}
}

func TestSetTTLs(t *testing.T) {
	m := newTestManager()

	// Zero keeps the current lifetime; non-zero (negative included) applies.
	m.SetTTLs(-time.Minute, 0)
	if m.accessTTL != -time.Minute {
		t.Errorf("accessTTL = %s, want -1m", m.accessTTL)
	}
	if m.refreshTTL != DefaultRefreshTTL {
		t.Errorf("refreshTTL = %s, want default %s", m.refreshTTL, DefaultRefreshTTL)
	}
}

func TestVerify_Expired(t *testing.T) {
	m := newTestManager()
	m.SetTTLs(-time.Minute, 0) // already expired on issue

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := m.Verify(pair.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	m := newTestManager()
	other := NewJWTManager([]byte("other-secret"))

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := other.Verify(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	m := newTestManager()

	if _, err := m.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	m := newTestManager()

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	renewed, err := m.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	userID, err := m.Verify(renewed.AccessToken)
	if err != nil {
		t.Fatalf("Verify() on renewed access token: %v", err)
	}
	if userID != "agent-7" {
		t.Errorf("expected user %q, got %q", "agent-7", userID)
	}
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	m := newTestManager()

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := m.Refresh(pair.AccessToken); !errors.Is(err, ErrNotRefresh) {
		t.Errorf("expected ErrNotRefresh for access token used as refresh, got %v", err)
	}
}

func TestRefresh_Expired(t *testing.T) {
	m := newTestManager()
	m.SetTTLs(0, -time.Minute)

	pair, err := m.Issue("agent-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := m.Refresh(pair.RefreshToken); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}
