package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quocanhngo/convo/internal/chat"
	"github.com/quocanhngo/convo/internal/middleware"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/service"
	"github.com/quocanhngo/convo/internal/ws"
	"github.com/quocanhngo/convo/pkg/auth"
	"go.uber.org/zap"
)

// commandTimeout bounds one client command
const commandTimeout = 15 * time.Second

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub         *ws.Hub
	chatService *service.ChatService
	jwtManager  *auth.JWTManager
	revoker     auth.Revoker
	upgrader    websocket.Upgrader
	log         *zap.Logger
}

func NewWSHandler(hub *ws.Hub, chatService *service.ChatService, jwtManager *auth.JWTManager, revoker auth.Revoker, origins []string, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		hub:         hub,
		chatService: chatService,
		jwtManager:  jwtManager,
		revoker:     revoker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
		log: log.Named("ws"),
	}
}

// checkOrigin accepts requests without an Origin header (native clients) and
// browsers from the configured origins. "*" allows every origin.
func checkOrigin(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and streams the session state
// Client connects with: ws://host/ws?token=<jwt_token>
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	// Authenticate via query parameter (WebSocket can't use Authorization header)
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Token required"})
		return
	}

	claims, authErr := middleware.Authenticate(c, h.jwtManager, h.revoker, tokenString)
	if authErr != nil {
		c.JSON(authErr.Status(), model.ErrorResponse{Error: authErr.Error()})
		return
	}

	sess, err := h.chatService.Session(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	// Upgrade HTTP to WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(h.hub, conn, claims.UserID, claims.Username)
	h.hub.Register(client)

	h.log.Info("✅ WS connected", zap.String("user_id", claims.UserID.String()), zap.String("username", claims.Username))

	states, cancel := sess.Watch()
	go client.Forward(states)
	go client.WritePump()
	go func() {
		defer cancel()
		client.ReadPump(func(client *ws.Client, event model.WSEvent) {
			h.handleCommand(sess, client, event)
		})
	}()
}

// handleCommand applies one client command to the session. Successful
// commands answer through the next session_state push.
func (h *WSHandler) handleCommand(sess *chat.Session, client *ws.Client, event model.WSEvent) {
	var cmd model.WSCommand
	if event.Payload != nil {
		raw, _ := json.Marshal(event.Payload)
		if err := json.Unmarshal(raw, &cmd); err != nil {
			sendError(client, "Invalid payload", "ws.malformed")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch event.Type {
	case model.WSEventSelect:
		err = sess.Select(ctx, cmd.ConversationID)
	case model.WSEventDeselect:
		sess.Deselect()
	case model.WSEventSend:
		if cmd.Content != "" {
			_, err = sess.SendText(ctx, cmd.Content)
		} else {
			_, err = sess.Send(ctx)
		}
	case model.WSEventHide:
		err = sess.Hide(ctx, cmd.ConversationID)
	case model.WSEventCompose:
		sess.SetNewMessage(cmd.Text)
	default:
		sendError(client, "Unknown event type", "ws.unknownEvent")
		return
	}

	if err != nil {
		h.log.Debug("ws command failed",
			zap.String("user_id", client.UserID.String()),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		sendError(client, err.Error(), chat.Code(err))
	}
}

func sendError(client *ws.Client, message, code string) {
	client.Send(&model.WSEvent{
		Type:    model.WSEventError,
		Payload: model.ErrorResponse{Error: message, Code: code},
	})
}
