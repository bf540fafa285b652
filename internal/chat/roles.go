package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

// MayRemove reports whether actor may remove target from a conversation
func MayRemove(actor, target model.Participant) bool {
	return actor.Role.Privileged() &&
		target.Role != model.RoleAdmin &&
		target.UserID != actor.UserID
}

// MayChangeRole reports whether actor may give target the role next
func MayChangeRole(actor, target model.Participant, next model.Role) bool {
	return actor.Role.Privileged() &&
		target.Role != model.RoleAdmin &&
		(next == model.RoleModerator || next == model.RoleMember)
}

// Roles checks and applies roster changes. The checks give early feedback;
// the store policy enforces the same rules on write.
type Roles struct {
	convs *repository.ConversationRepository
	log   *zap.Logger
}

func NewRoles(convs *repository.ConversationRepository, log *zap.Logger) *Roles {
	if log == nil {
		log = zap.NewNop()
	}
	return &Roles{convs: convs, log: log}
}

// RoleOf returns the user's role in the conversation; absence reads as member
func (r *Roles) RoleOf(ctx context.Context, userID, conversationID uuid.UUID) (model.Role, error) {
	return r.convs.RoleOf(ctx, userID, conversationID)
}

// pair loads the actor and target roster rows
func (r *Roles) pair(ctx context.Context, conversationID, actorID, targetID uuid.UUID) (model.Participant, model.Participant, error) {
	actor := model.Participant{ConversationID: conversationID, UserID: actorID, Role: model.RoleMember}
	p, err := r.convs.Participant(ctx, conversationID, actorID)
	if err != nil {
		return actor, model.Participant{}, err
	}
	if p == nil {
		return actor, model.Participant{}, model.ErrPermissionDenied
	}
	actor = *p

	t, err := r.convs.Participant(ctx, conversationID, targetID)
	if err != nil {
		return actor, model.Participant{}, err
	}
	if t == nil {
		return actor, model.Participant{}, fmt.Errorf("participant %s: %w", targetID, store.ErrNotFound)
	}
	return actor, *t, nil
}

// guardLastAdmin fails when changing target would leave the conversation
// without an admin
func (r *Roles) guardLastAdmin(ctx context.Context, target model.Participant) error {
	if target.Role != model.RoleAdmin {
		return nil
	}
	n, err := r.convs.CountAdmins(ctx, target.ConversationID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return model.ErrLastAdmin
	}
	return nil
}

// Remove takes target out of the conversation: the roster row first, then
// their visibility row. If the second delete fails the roster row is put
// back; if that fails too the result is flagged for reconciliation.
func (r *Roles) Remove(ctx context.Context, actorID, conversationID, targetID uuid.UUID) error {
	actor, target, err := r.pair(ctx, conversationID, actorID, targetID)
	if err != nil {
		return err
	}
	if err := r.guardLastAdmin(ctx, target); err != nil {
		return err
	}
	if !MayRemove(actor, target) {
		return model.ErrPermissionDenied
	}

	removed, err := r.convs.DeleteParticipant(ctx, conversationID, targetID)
	if err != nil {
		return denied(err)
	}
	if removed == nil {
		return fmt.Errorf("participant %s: %w", targetID, store.ErrNotFound)
	}

	if err := r.convs.DeleteVisibility(ctx, conversationID, targetID); err != nil {
		if rerr := r.convs.RestoreParticipant(context.WithoutCancel(ctx), *removed); rerr != nil {
			r.log.Error("restoring removed participant failed",
				zap.String("conversation_id", conversationID.String()),
				zap.String("user_id", targetID.String()),
				zap.Error(rerr))
			return errors.Join(denied(err), model.ErrRequiresReconcile)
		}
		return denied(err)
	}

	r.log.Info("participant removed",
		zap.String("conversation_id", conversationID.String()),
		zap.String("actor_id", actorID.String()),
		zap.String("user_id", targetID.String()))
	return nil
}

// ChangeRole gives target a new role
func (r *Roles) ChangeRole(ctx context.Context, actorID, conversationID, targetID uuid.UUID, role string) error {
	next, err := model.ParseRole(role)
	if err != nil {
		return err
	}
	if next == model.RoleAdmin {
		return fmt.Errorf("%w: admin cannot be granted", model.ErrInvalidRole)
	}

	actor, target, err := r.pair(ctx, conversationID, actorID, targetID)
	if err != nil {
		return err
	}
	if err := r.guardLastAdmin(ctx, target); err != nil {
		return err
	}
	if !MayChangeRole(actor, target, next) {
		return model.ErrPermissionDenied
	}
	if target.Role == next {
		return nil
	}

	if err := r.convs.UpdateRole(ctx, conversationID, targetID, next); err != nil {
		return denied(err)
	}
	r.log.Info("participant role changed",
		zap.String("conversation_id", conversationID.String()),
		zap.String("user_id", targetID.String()),
		zap.String("role", string(next)))
	return nil
}

// denied reports a store policy rejection as a permission error
func denied(err error) error {
	if errors.Is(err, store.ErrDenied) {
		return fmt.Errorf("%w: %w", model.ErrPermissionDenied, err)
	}
	return err
}
