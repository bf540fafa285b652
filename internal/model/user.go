package model

import (
	"time"

	"github.com/google/uuid"
)

// User holds the credentials of a registered account
type User struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Username     string    `json:"username" gorm:"uniqueIndex;size:50;not null"`
	PasswordHash string    `json:"password_hash" gorm:"size:255;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// Profile is the public record of a user; the username shown on messages
// is copied from here at send time.
type Profile struct {
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;size:50;not null"`
	Name      string    `json:"name" gorm:"size:100"`
	AvatarURL string    `json:"avatar_url" gorm:"size:500;default:''"`
}

func (Profile) TableName() string { return "profiles" }

// ProfileResponse is the safe view of a user for API responses
type ProfileResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url"`
}

// ToResponse converts Profile to ProfileResponse
func (p *Profile) ToResponse() ProfileResponse {
	return ProfileResponse{
		UserID:    p.UserID,
		Username:  p.Username,
		Name:      p.Name,
		AvatarURL: p.AvatarURL,
	}
}
