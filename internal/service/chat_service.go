package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/chat"
	"github.com/quocanhngo/convo/internal/model"
)

// ChatService routes chat requests to the caller's session
type ChatService struct {
	sessions *chat.Manager
}

func NewChatService(sessions *chat.Manager) *ChatService {
	return &ChatService{sessions: sessions}
}

// Session returns the caller's session, starting it if needed
func (s *ChatService) Session(ctx context.Context, userID uuid.UUID) (*chat.Session, error) {
	return s.sessions.Get(ctx, userID)
}

// Snapshot returns the whole session state of the caller
func (s *ChatService) Snapshot(ctx context.Context, userID uuid.UUID) (*model.SessionState, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := sess.Snapshot()
	return &st, nil
}

// GetConversations lists the caller's visible conversations
func (s *ChatService) GetConversations(ctx context.Context, userID uuid.UUID) ([]model.ConversationView, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sess.Conversations(), nil
}

// CreateConversation opens, or reuses, the conversation with exactly these members
func (s *ChatService) CreateConversation(ctx context.Context, userID uuid.UUID, req model.CreateConversationRequest) (*model.ConversationView, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sess.Create(ctx, req.MemberIDs, req.Name)
}

// Select opens a conversation in the caller's session
func (s *ChatService) Select(ctx context.Context, userID, conversationID uuid.UUID) (*model.SessionState, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := sess.Select(ctx, conversationID); err != nil {
		return nil, err
	}
	st := sess.Snapshot()
	return &st, nil
}

// Deselect closes the caller's open conversation
func (s *ChatService) Deselect(ctx context.Context, userID uuid.UUID) (*model.SessionState, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	sess.Deselect()
	st := sess.Snapshot()
	return &st, nil
}

// Hide removes a conversation from the caller's list
func (s *ChatService) Hide(ctx context.Context, userID, conversationID uuid.UUID) error {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return err
	}
	return sess.Hide(ctx, conversationID)
}

// GetMessages returns a conversation's history
func (s *ChatService) GetMessages(ctx context.Context, userID, conversationID uuid.UUID) ([]model.Message, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sess.History(ctx, conversationID)
}

// GetParticipants returns a conversation's roster
func (s *ChatService) GetParticipants(ctx context.Context, userID, conversationID uuid.UUID) ([]model.ParticipantView, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sess.Participants(ctx, conversationID)
}

// RemoveParticipant takes target out of a conversation
func (s *ChatService) RemoveParticipant(ctx context.Context, userID, conversationID, target uuid.UUID) error {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return err
	}
	return sess.RemoveParticipant(ctx, conversationID, target)
}

// ChangeRole gives target a new role
func (s *ChatService) ChangeRole(ctx context.Context, userID, conversationID, target uuid.UUID, role string) error {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return err
	}
	return sess.ChangeRole(ctx, conversationID, target, role)
}

// SetComposer replaces the caller's draft
func (s *ChatService) SetComposer(ctx context.Context, userID uuid.UUID, text string) error {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return err
	}
	sess.SetNewMessage(text)
	return nil
}

// Send posts content, or the draft when content is nil, to the open conversation
func (s *ChatService) Send(ctx context.Context, userID uuid.UUID, content *string) (*model.Message, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return sess.Send(ctx)
	}
	return sess.SendText(ctx, *content)
}
