package model

import (
	"time"

	"github.com/google/uuid"
)

// ========== Auth DTOs ==========

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50,alphanum"`
	Password string `json:"password" binding:"required,min=6"`
	Name     string `json:"name" binding:"max=100"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

type LoginResponse struct {
	Token string          `json:"token"`
	User  ProfileResponse `json:"user"`
}

// ========== Conversation DTOs ==========

type CreateConversationRequest struct {
	MemberIDs []uuid.UUID `json:"member_ids" binding:"required,min=1"`
	Name      *string     `json:"name" binding:"omitempty,max=100"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// ========== Session DTOs ==========

type ComposerRequest struct {
	Text string `json:"text"`
}

// SendRequest sends Content, or the composer text when Content is absent
type SendRequest struct {
	Content *string `json:"content"`
}

// SessionState is the snapshot of one user's chat session pushed to clients
type SessionState struct {
	UserID        uuid.UUID          `json:"user_id"`
	Conversations []ConversationView `json:"conversations"`
	Selected      *ConversationView  `json:"selected"`
	Messages      []Message          `json:"messages"`
	Unread        map[uuid.UUID]bool `json:"unread"`
	NewMessage    string             `json:"new_message"`
	Roster        []ParticipantView  `json:"roster"`
	MyRole        Role               `json:"my_role,omitempty"`
	Version       uint64             `json:"version"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Banner        string             `json:"banner,omitempty"`
}

// ========== WebSocket Events ==========

// WSEventType defines the type of WebSocket event
type WSEventType string

const (
	// server -> client
	WSEventSessionState WSEventType = "session_state"
	WSEventError        WSEventType = "error"

	// client -> server
	WSEventSelect   WSEventType = "select"
	WSEventDeselect WSEventType = "deselect"
	WSEventSend     WSEventType = "send"
	WSEventHide     WSEventType = "hide"
	WSEventCompose  WSEventType = "compose"
)

// WSEvent is the envelope of every WebSocket frame
type WSEvent struct {
	Type    WSEventType `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSCommand is the payload of a client command
type WSCommand struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	Text           string    `json:"text"`
}

// ========== Common ==========

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type UploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}
