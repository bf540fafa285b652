package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/store"
)

// testRealtime reconnects quickly so tests do not wait on backoff
var testRealtime = RealtimeConfig{MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

type world struct {
	base  *store.MemoryStore
	users map[string]uuid.UUID
}

func newWorld(t *testing.T, names ...string) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{base: store.NewMemoryStore(nil), users: make(map[string]uuid.UUID)}
	users := repository.NewUserRepository(w.base)
	profiles := repository.NewProfileRepository(w.base)
	for _, name := range names {
		u, err := users.Create(ctx, name, "hash")
		if err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
		if _, err := profiles.Create(ctx, model.Profile{UserID: u.ID, Username: name, Name: name}); err != nil {
			t.Fatalf("create profile %s: %v", name, err)
		}
		w.users[name] = u.ID
	}
	return w
}

func (w *world) id(name string) uuid.UUID { return w.users[name] }

func (w *world) scoped(name string) store.Store { return store.ForUser(w.base, w.id(name)) }

func (w *world) convs(name string) *repository.ConversationRepository {
	s := w.scoped(name)
	return repository.NewConversationRepository(s, repository.NewMessageRepository(s, nil), nil)
}

func (w *world) messages(name string) *repository.MessageRepository {
	return repository.NewMessageRepository(w.scoped(name), nil)
}

// session returns a session that has loaded its list but has no realtime link
func (w *world) session(t *testing.T, name string) *Session {
	t.Helper()
	s := NewSession(w.id(name), w.scoped(name), testRealtime, nil)
	if err := s.resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

// live returns a started session
func (w *world) live(t *testing.T, name string) *Session {
	t.Helper()
	s := NewSession(w.id(name), w.scoped(name), testRealtime, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func (w *world) create(t *testing.T, creator string, others ...string) uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, len(others))
	for i, o := range others {
		ids[i] = w.id(o)
	}
	conv, err := w.convs(creator).Create(context.Background(), w.id(creator), ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conv.ID
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listed(s *Session, id uuid.UUID) bool {
	for _, v := range s.Conversations() {
		if v.ID == id {
			return true
		}
	}
	return false
}

// gatedStore holds the first history read of conv, once armed, until
// release is closed
type gatedStore struct {
	store.Store
	conv    uuid.UUID
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(s store.Store, conv uuid.UUID) *gatedStore {
	return &gatedStore{Store: s, conv: conv, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) Read(ctx context.Context, q store.Query) ([]store.Row, error) {
	if q.Table == store.TableMessages && g.readsConv(q) && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.Read(ctx, q)
}

func (g *gatedStore) readsConv(q store.Query) bool {
	for _, f := range q.Filters {
		if f.Column == "conversation_id" && f.Op == store.OpEq && f.Value == any(g.conv) {
			return true
		}
	}
	return false
}

// nextInsert waits for the next INSERT on sub
func nextInsert(t *testing.T, sub store.Subscription) store.ChangeEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed")
			}
			if ev.Type == store.EventInsert {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for an insert")
		}
	}
}
