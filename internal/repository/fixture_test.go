package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
)

type fixture struct {
	base  *store.MemoryStore
	users map[string]uuid.UUID
}

// newFixture registers one user per name on a fresh in-memory store
func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{base: store.NewMemoryStore(nil), users: make(map[string]uuid.UUID)}
	users := NewUserRepository(f.base)
	profiles := NewProfileRepository(f.base)
	for _, name := range names {
		u, err := users.Create(ctx, name, "hash")
		if err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
		if _, err := profiles.Create(ctx, model.Profile{UserID: u.ID, Username: name, Name: "Name " + name}); err != nil {
			t.Fatalf("create profile %s: %v", name, err)
		}
		f.users[name] = u.ID
	}
	return f
}

func (f *fixture) id(name string) uuid.UUID { return f.users[name] }

// repos returns the repositories as seen by one signed-in user
func (f *fixture) repos(name string) (*ConversationRepository, *MessageRepository) {
	scoped := store.ForUser(f.base, f.id(name))
	messages := NewMessageRepository(scoped, nil)
	return NewConversationRepository(scoped, messages, nil), messages
}

func (f *fixture) count(t *testing.T, table string, filters ...store.Filter) int {
	t.Helper()
	rows, err := f.base.Read(context.Background(), store.Query{Table: table, Filters: filters})
	if err != nil {
		t.Fatalf("read %s: %v", table, err)
	}
	return len(rows)
}
