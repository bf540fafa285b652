package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannel = "convo:sessions"

// Hub tracks the WebSocket connections of this instance. With Redis it also
// relays sign-outs between instances, so every instance drops the user's
// sockets and session.
type Hub struct {
	// Map of userID -> set of client connections (one user can have multiple tabs/devices)
	clients map[uuid.UUID]map[*Client]bool
	mu      sync.RWMutex

	// Channels for registering/unregistering clients
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Redis client for cross-instance sign-outs; nil runs single-instance
	rdb *redis.Client

	// Called on every instance when a user signs out anywhere
	onSignOut func(userID uuid.UUID)

	log *zap.Logger
}

// NewHub creates a new WebSocket Hub
func NewHub(rdb *redis.Client, onSignOut func(userID uuid.UUID), log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		rdb:        rdb,
		onSignOut:  onSignOut,
		log:        log.Named("hub"),
	}
}

// Run starts the Hub's main event loop
func (h *Hub) Run(ctx context.Context) {
	if h.rdb != nil {
		go h.subscribeRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register queues a client for registration with the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister queues a client for removal
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// addClient registers a new client connection
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true
	h.log.Info("client connected",
		zap.String("user_id", client.UserID.String()),
		zap.Int("connections", len(h.clients[client.UserID])))
}

// removeClient unregisters a client connection
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.UserID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.UserID)
		}
	}
	client.close()
	h.log.Info("client disconnected", zap.String("user_id", client.UserID.String()))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clients := range h.clients {
		for client := range clients {
			client.close()
		}
		delete(h.clients, userID)
	}
}

// IsUserOnline checks if a user has any active connections on this instance
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// GetOnlineUserIDs returns all currently connected user IDs on this instance
func (h *Hub) GetOnlineUserIDs() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userIDs := make([]uuid.UUID, 0, len(h.clients))
	for userID := range h.clients {
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// ========== Sign-out relay ==========

// SignOutEvent is published when a user signs out on any instance
type SignOutEvent struct {
	UserID uuid.UUID `json:"user_id"`
}

// SignOut disconnects the user and closes their session on every instance,
// through Redis when configured
func (h *Hub) SignOut(ctx context.Context, userID uuid.UUID) {
	if h.rdb == nil {
		h.signOutLocal(userID)
		return
	}
	data, err := json.Marshal(SignOutEvent{UserID: userID})
	if err != nil {
		h.log.Error("marshal sign-out", zap.Error(err))
		return
	}
	if err := h.rdb.Publish(ctx, redisChannel, data).Err(); err != nil {
		h.log.Warn("publishing sign-out failed, applying locally", zap.Error(err))
		h.signOutLocal(userID)
	}
}

func (h *Hub) signOutLocal(userID uuid.UUID) {
	if h.onSignOut != nil {
		h.onSignOut(userID)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		client.close()
	}
}

// subscribeRedis delivers sign-outs published by any instance
func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	h.log.Info("📡 Redis sign-out relay started")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev SignOutEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.Warn("dropping malformed sign-out", zap.Error(err))
				continue
			}
			h.signOutLocal(ev.UserID)
		}
	}
}
