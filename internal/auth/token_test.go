package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:  "7a5f12c0-6f0d-4f3e-9a20-0e5b9a6a7c11",
		Name: "Avery",
		Role: "editor",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Role != claims.Role || parsed.JTI != claims.JTI {
		t.Fatalf("claims mismatch: %+v", parsed)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{Sub: "acct-1", Name: "Avery", JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with wrong secret, got %v", err)
	}
	if _, err := ParseToken(secret, token+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered signature, got %v", err)
	}
	if _, err := ParseToken(secret, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{Sub: "acct-1", Name: "Avery", JTI: "jti-1", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatalf("hash should be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatalf("distinct tokens should hash differently")
	}
}
