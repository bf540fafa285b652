package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

// Presence reports whether a user has a live push connection
type Presence interface {
	IsUserOnline(userID uuid.UUID) bool
}

type managed struct {
	ready    chan struct{}
	session  *Session
	err      error
	lastUsed time.Time
}

// sessionStartTimeout bounds the initial list load and subscriptions
const sessionStartTimeout = 30 * time.Second

// Manager owns the sessions of every signed-in user on this instance
type Manager struct {
	base     store.Store
	cfg      RealtimeConfig
	idleTTL  time.Duration
	presence Presence
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*managed
	closed   bool
}

// NewManager creates a manager whose sessions read and write base through
// a per-user policy. presence may be nil.
func NewManager(base store.Store, cfg RealtimeConfig, idleTTL time.Duration, presence Presence, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		base:     base,
		cfg:      cfg,
		idleTTL:  idleTTL,
		presence: presence,
		log:      log.Named("sessions"),
		sessions: make(map[uuid.UUID]*managed),
	}
}

// Get returns the user's session, starting it on first use
func (m *Manager) Get(ctx context.Context, userID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	if e, ok := m.sessions[userID]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}
	e := &managed{ready: make(chan struct{}), lastUsed: time.Now()}
	m.sessions[userID] = e
	m.mu.Unlock()

	// shared by every waiting caller, so not bound to this request
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionStartTimeout)
	s := NewSession(userID, store.ForUser(m.base, userID), m.cfg, m.log)
	err := s.Start(startCtx)
	cancel()

	m.mu.Lock()
	if err != nil {
		e.err = err
		delete(m.sessions, userID)
	} else {
		e.session = s
	}
	m.mu.Unlock()
	close(e.ready)

	if err != nil {
		s.Close()
		m.log.Warn("session start failed", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, err
	}
	m.log.Info("session started", zap.String("user_id", userID.String()))
	return s, nil
}

// Close ends the user's session, e.g. on sign-out
func (m *Manager) Close(userID uuid.UUID) {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.session != nil {
		e.session.Close()
		m.log.Info("session closed", zap.String("user_id", userID.String()))
	}
}

// Len returns the number of open sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run reaps sessions that have been idle for longer than the idle TTL and
// have no live push connection, until ctx ends
func (m *Manager) Run(ctx context.Context) {
	if m.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(max(m.idleTTL/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) {
	var idle []uuid.UUID
	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.lastUsed) < m.idleTTL {
			continue
		}
		if m.presence != nil && m.presence.IsUserOnline(id) {
			e.lastUsed = now
			continue
		}
		idle = append(idle, id)
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.log.Info("reaping idle session", zap.String("user_id", id.String()))
		m.Close(id)
	}
}

// Shutdown closes every session and refuses new ones
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}
