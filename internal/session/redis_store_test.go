package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	sessions, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return sessions, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	sessions, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer sessions.Close()

	if err := sessions.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "test-token-hash"
	accountID := "6b1f4f60-4b7a-4a3e-bb64-64c5a01c2a7e"

	if err := sessions.SaveRefreshSession(ctx, tokenHash, accountID, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	account, err := sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if account.ID != accountID {
		t.Errorf("expected account ID %s, got %s", accountID, account.ID)
	}
	if account.Role != "viewer" {
		t.Errorf("expected default role viewer, got %s", account.Role)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	if err := sessions.SaveRefreshSession(ctx, "expired-token", "acct-1", time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := sessions.LookupRefreshSession(ctx, "expired-token"); err == nil {
		t.Fatalf("expected lookup of expired token to fail")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	if err := sessions.SaveRefreshSession(ctx, "revoked-token", "acct-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := sessions.RevokeRefreshSession(ctx, "revoked-token"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := sessions.LookupRefreshSession(ctx, "revoked-token"); err == nil {
		t.Fatalf("expected lookup of revoked token to fail")
	}
}

func TestLookupUnknownToken(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	if _, err := sessions.LookupRefreshSession(context.Background(), "never-saved"); err == nil {
		t.Fatalf("expected lookup of unknown token to fail")
	}
}
