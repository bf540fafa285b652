package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/store"
	"github.com/quocanhngo/convo/pkg/auth"
)

type signOuts struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *signOuts) SignOut(_ context.Context, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, userID)
}

func newAuthService(t *testing.T) (*AuthService, *auth.MemoryBlacklist, *signOuts) {
	t.Helper()
	base := store.NewMemoryStore(nil)
	revoker := auth.NewMemoryBlacklist()
	so := &signOuts{}
	svc := NewAuthService(
		repository.NewUserRepository(base),
		repository.NewProfileRepository(base),
		auth.NewJWTManager("secret", time.Hour),
		revoker,
		so,
		nil,
	)
	return svc, revoker, so
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newAuthService(t)

	resp, err := svc.Register(ctx, model.RegisterRequest{Username: " Ann ", Password: "secret1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Error("missing token")
	}
	if resp.User.Username != "ann" || resp.User.Name != "ann" {
		t.Errorf("got %+v, want normalized username and name", resp.User)
	}

	if _, err := svc.Register(ctx, model.RegisterRequest{Username: "ANN", Password: "secret2"}); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("got %v, want %v", err, ErrUsernameTaken)
	}

	login, err := svc.Login(ctx, model.LoginRequest{Username: "ann", Password: "secret1"})
	if err != nil {
		t.Fatal(err)
	}
	if login.User.UserID != resp.User.UserID {
		t.Errorf("got %v, want %v", login.User.UserID, resp.User.UserID)
	}

	if _, err := svc.Login(ctx, model.LoginRequest{Username: "ann", Password: "wrong!"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want %v", err, ErrInvalidCredentials)
	}
	if _, err := svc.Login(ctx, model.LoginRequest{Username: "nobody", Password: "secret1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestLogoutRevokesAndSignsOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, revoker, so := newAuthService(t)
	resp, err := svc.Register(ctx, model.RegisterRequest{Username: "ann", Password: "secret1", Name: "Ann"})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Logout(ctx, resp.User.UserID, resp.Token); err != nil {
		t.Fatal(err)
	}
	revoked, err := revoker.IsRevoked(ctx, resp.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Error("the token is still valid after logout")
	}
	if len(so.ids) != 1 || so.ids[0] != resp.User.UserID {
		t.Errorf("got sign-outs %v, want %v", so.ids, resp.User.UserID)
	}
}

func TestSearchAndAvatar(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newAuthService(t)
	ann, err := svc.Register(ctx, model.RegisterRequest{Username: "ann", Password: "secret1", Name: "Ann Lee"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, model.RegisterRequest{Username: "annika", Password: "secret1"}); err != nil {
		t.Fatal(err)
	}

	found, err := svc.SearchUsers(ctx, "ann", ann.User.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Username != "annika" {
		t.Errorf("got %v, want only annika", found)
	}
	if found, _ := svc.SearchUsers(ctx, "  ", uuid.Nil); len(found) != 0 {
		t.Errorf("got %v for a blank query, want none", found)
	}

	profile, err := svc.UpdateAvatar(ctx, ann.User.UserID, "https://cdn.test/a.png")
	if err != nil {
		t.Fatal(err)
	}
	if profile.AvatarURL != "https://cdn.test/a.png" {
		t.Errorf("got %q, want the new avatar", profile.AvatarURL)
	}
}
