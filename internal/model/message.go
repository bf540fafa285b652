package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat message. SenderUsername is a snapshot taken at send
// time and never rewritten.
type Message struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;index;not null"`
	SenderID       uuid.UUID `json:"sender_id" gorm:"type:uuid;not null"`
	SenderUsername string    `json:"sender_username" gorm:"size:50;not null"`
	Content        string    `json:"content" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
}

func (Message) TableName() string { return "messages" }
