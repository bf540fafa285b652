package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewJWTManager("secret", time.Hour)
	id := uuid.New()
	token, err := m.GenerateToken(id, "ann")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != id || claims.Username != "ann" {
		t.Errorf("got %v/%s, want %v/ann", claims.UserID, claims.Username, id)
	}
	if ttl := TTL(claims); ttl <= 0 || ttl > time.Hour {
		t.Errorf("got ttl %v, want within the hour", ttl)
	}
}

func TestTokenRejected(t *testing.T) {
	t.Parallel()

	token, err := NewJWTManager("secret", time.Hour).GenerateToken(uuid.New(), "ann")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTManager("other", time.Hour).ValidateToken(token); err == nil {
		t.Error("a token signed with another secret was accepted")
	}

	expired, err := NewJWTManager("secret", -time.Minute).GenerateToken(uuid.New(), "ann")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTManager("secret", time.Hour).ValidateToken(expired); err == nil {
		t.Error("an expired token was accepted")
	}
	if _, err := NewJWTManager("secret", time.Hour).ValidateToken("not-a-token"); err == nil {
		t.Error("garbage was accepted")
	}
}

func TestMemoryBlacklist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBlacklist()

	if err := b.Revoke(ctx, "a", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := b.Revoke(ctx, "expired", 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Revoke(ctx, "short", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	tests := map[string]bool{"a": true, "expired": false, "short": false, "unknown": false}
	for token, want := range tests {
		got, err := b.IsRevoked(ctx, token)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IsRevoked(%q): got %v, want %v", token, got, want)
		}
	}
}
