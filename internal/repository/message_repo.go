package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

// MessageRepository reads and appends conversation messages
type MessageRepository struct {
	store store.Store
	log   *zap.Logger
}

func NewMessageRepository(s store.Store, log *zap.Logger) *MessageRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageRepository{store: s, log: log}
}

// History returns the messages of a conversation, oldest first
func (r *MessageRepository) History(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableMessages,
		Filters: []store.Filter{store.Eq("conversation_id", conversationID)},
		Order:   []store.Order{{Column: "created_at"}, {Column: "id"}},
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return decodeRows[model.Message](rows)
}

// Send appends a message and advances the sender's read watermark to it.
// The watermark write is best-effort: its failure is logged and the send
// stands.
func (r *MessageRepository) Send(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, model.ErrMessageEmpty
	}

	username, err := r.senderUsername(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve sender: %w", model.ErrSendFailed, err)
	}

	rows, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableMessages,
		Action: store.ActionInsert,
		Values: []store.Row{{
			"conversation_id": conversationID,
			"sender_id":       senderID,
			"sender_username": username,
			"content":         content,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSendFailed, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: insert returned no row", model.ErrSendFailed)
	}
	msg, err := decodeRow[model.Message](rows[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSendFailed, err)
	}

	if err := advanceWatermark(ctx, r.store, senderID, conversationID, msg.CreatedAt); err != nil {
		r.log.Warn("watermark after send failed",
			zap.String("conversation_id", conversationID.String()),
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}
	return msg, nil
}

func (r *MessageRepository) senderUsername(ctx context.Context, senderID uuid.UUID) (string, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableProfiles,
		Filters: []store.Filter{store.Eq("user_id", senderID)},
		Columns: []string{"username"},
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", &store.Error{Code: store.CodeNotFound, Op: "read", Table: store.TableProfiles, Err: errors.New("sender has no profile")}
	}
	username, _ := rows[0]["username"].(string)
	return username, nil
}

// LatestAt returns the newest message time of each conversation that has
// any messages
func (r *MessageRepository) LatestAt(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time, len(conversationIDs))
	for _, id := range conversationIDs {
		rows, err := r.store.Read(ctx, store.Query{
			Table:   store.TableMessages,
			Filters: []store.Filter{store.Eq("conversation_id", id)},
			Columns: []string{"created_at"},
			Order:   []store.Order{{Column: "created_at", Desc: true}},
			Limit:   1,
		})
		if err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
		if len(rows) == 0 {
			continue
		}
		if t := rowTime(rows[0], "created_at"); t != nil {
			out[id] = *t
		}
	}
	return out, nil
}

// advanceWatermark upserts the read watermark unless the stored one is
// already at or past at.
func advanceWatermark(ctx context.Context, s store.Store, userID, conversationID uuid.UUID, at time.Time) error {
	rows, err := s.Read(ctx, store.Query{
		Table: store.TableReads,
		Filters: []store.Filter{
			store.Eq("user_id", userID),
			store.Eq("conversation_id", conversationID),
		},
	})
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		if current := rowTime(rows[0], "last_read_at"); current != nil && !current.Before(at) {
			return nil
		}
	}
	_, err = s.Write(ctx, store.Mutation{
		Table:  store.TableReads,
		Action: store.ActionUpsert,
		Values: []store.Row{{
			"user_id":         userID,
			"conversation_id": conversationID,
			"last_read_at":    at.UTC(),
		}},
	})
	return err
}
