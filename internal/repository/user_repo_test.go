package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/store"
)

func TestUserRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	users := NewUserRepository(store.NewMemoryStore(nil))

	u, err := users.Create(ctx, "ann", "hash")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := users.Create(ctx, "ann", "other"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("got %v, want %v", err, store.ErrConflict)
	}

	found, err := users.FindByUsername(ctx, "ann")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != u.ID || found.PasswordHash != "hash" {
		t.Errorf("got %+v, want %+v", found, u)
	}
	if _, err := users.FindByID(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want %v", err, store.ErrNotFound)
	}

	if err := users.Delete(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := users.FindByID(ctx, u.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v after delete, want %v", err, store.ErrNotFound)
	}
}

func TestProfileSearch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "alice", "alfred", "bob")
	profiles := NewProfileRepository(f.base)

	got, err := profiles.Search(ctx, "AL", f.id("alice"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Username != "alfred" {
		t.Errorf("got %v, want only alfred", got)
	}

	// display names match too
	got, err = profiles.Search(ctx, "name b", uuid.Nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Username != "bob" {
		t.Errorf("got %v, want only bob", got)
	}

	got, err = profiles.Search(ctx, "a", uuid.Nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d results, want the limit of 1", len(got))
	}
}

func TestProfileAvatar(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "ann")
	profiles := NewProfileRepository(f.base)

	if err := profiles.UpdateAvatar(ctx, f.id("ann"), "http://cdn/a.png"); err != nil {
		t.Fatal(err)
	}
	p, err := profiles.FindByUserID(ctx, f.id("ann"))
	if err != nil {
		t.Fatal(err)
	}
	if p.AvatarURL != "http://cdn/a.png" {
		t.Errorf("got %q, want %q", p.AvatarURL, "http://cdn/a.png")
	}
	if err := profiles.UpdateAvatar(ctx, uuid.New(), "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want %v", err, store.ErrNotFound)
	}
}
