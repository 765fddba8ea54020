package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/infra/memory"
	"study-sync-service/internal/logger"
)

func TestIssueAndVerify(t *testing.T) {
	m := newTestManager(t)
	pair, err := m.Issue("u1", "u1@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	session, err := m.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if session.UserID != "u1" || session.Email != "u1@example.com" {
		t.Fatalf("unexpected session %+v", session)
	}
	if _, err := m.Verify(pair.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("refresh token must not pass as access token, got %v", err)
	}

	other, _ := NewManager("other-secret", "study-sync")
	if _, err := other.Verify(pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestSetSessionNotifiesListeners(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	sessions := m.Device(memory.NewKVStore(0), logger.NewNop())

	var events []domain.AuthEventType
	unsubscribe := sessions.OnAuthStateChange(func(_ context.Context, ev domain.AuthEvent) {
		events = append(events, ev.Type)
	})

	pair, _ := m.Issue("u1", "")
	session, err := sessions.SetSession(ctx, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		t.Fatalf("set session: %v", err)
	}
	if session.UserID != "u1" {
		t.Fatalf("expected u1, got %s", session.UserID)
	}
	if user, ok := sessions.GetUser(ctx); !ok || user != "u1" {
		t.Fatalf("expected signed in u1, got %q %v", user, ok)
	}

	if err := sessions.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, ok := sessions.GetUser(ctx); ok {
		t.Fatalf("expected signed out")
	}

	unsubscribe()
	_, _ = sessions.SetSession(ctx, pair.AccessToken, pair.RefreshToken)

	if len(events) != 2 || events[0] != domain.AuthSignedIn || events[1] != domain.AuthSignedOut {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestSetSessionRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	sessions := m.Device(nil, logger.NewNop())

	if _, err := sessions.SetSession(ctx, "", "x"); !errors.Is(err, domain.ErrMissingTokens) {
		t.Fatalf("expected missing tokens, got %v", err)
	}
	a, _ := m.Issue("u1", "")
	b, _ := m.Issue("u2", "")
	if _, err := sessions.SetSession(ctx, a.AccessToken, b.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected mismatched subjects to fail, got %v", err)
	}
}

func TestSessionSurvivesRestartAndRefreshes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t).WithClock(func() time.Time { return now })
	kv := memory.NewKVStore(0)

	pair, _ := m.Issue("u1", "")
	if _, err := m.Device(kv, logger.NewNop()).SetSession(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("set session: %v", err)
	}

	now = now.Add(2 * AccessTokenDuration)
	restored := m.Device(kv, logger.NewNop())
	session, err := restored.GetSession(ctx)
	if err != nil || session == nil {
		t.Fatalf("expected refreshed session, got %v %v", session, err)
	}
	if session.UserID != "u1" || !session.ExpiresAt.After(now) {
		t.Fatalf("unexpected refreshed session %+v", session)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("test-secret", "study-sync")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}
