package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"go.uber.org/zap"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func TestManagerSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	m := NewManager(w.base, testRealtime, 0, nil, nil)

	first, err := m.Get(ctx, w.id("u1"))
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.Get(ctx, w.id("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("got a second session for the same user")
	}
	if _, err := m.Get(ctx, w.id("u2")); err != nil {
		t.Fatal(err)
	}
	if got := m.Len(); got != 2 {
		t.Errorf("got %d sessions, want 2", got)
	}

	states, cancel := first.Watch()
	defer cancel()
	m.Close(w.id("u1"))
	for range states {
	}
	if got := m.Len(); got != 1 {
		t.Errorf("got %d sessions, want 1", got)
	}

	m.Shutdown()
	if _, err := m.Get(ctx, w.id("u1")); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("got %v, want %v", err, model.ErrSessionClosed)
	}
}

type online map[uuid.UUID]bool

func (o online) IsUserOnline(id uuid.UUID) bool { return o[id] }

func TestManagerReapsIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	m := NewManager(w.base, testRealtime, time.Minute, online{w.id("u2"): true}, nil)
	defer m.Shutdown()

	for _, name := range []string{"u1", "u2"} {
		if _, err := m.Get(ctx, w.id(name)); err != nil {
			t.Fatal(err)
		}
	}
	m.reap(time.Now().Add(time.Second))
	if got := m.Len(); got != 2 {
		t.Errorf("got %d sessions, want none reaped before the TTL", got)
	}

	m.reap(time.Now().Add(time.Hour))
	if got := m.Len(); got != 1 {
		t.Errorf("got %d sessions, want only the connected user kept", got)
	}
}

func TestManagerStartOutlivesFirstCaller(t *testing.T) {
	t.Parallel()

	w := newWorld(t, "u1")
	m := NewManager(w.base, testRealtime, 0, nil, nil)
	t.Cleanup(m.Shutdown)

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	first, err := m.Get(gone, w.id("u1"))
	if err != nil {
		t.Fatalf("got %v, want the start to ignore the caller's cancellation", err)
	}
	again, err := m.Get(context.Background(), w.id("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("got a second session for the same user")
	}
}
