package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
)

// UserRepository handles account credentials. It must be built over the
// unscoped store: the users table is never readable through a user policy.
type UserRepository struct {
	store store.Store
}

func NewUserRepository(s store.Store) *UserRepository {
	return &UserRepository{store: s}
}

// Create inserts a new account and returns it with its generated id
func (r *UserRepository) Create(ctx context.Context, username, passwordHash string) (*model.User, error) {
	rows, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableUsers,
		Action: store.ActionInsert,
		Values: []store.Row{{
			"username":      username,
			"password_hash": passwordHash,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return decodeRow[model.User](rows[0])
}

// Delete removes an account. Used to undo a registration whose profile
// could not be written.
func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.store.Write(ctx, store.Mutation{
		Table:   store.TableUsers,
		Action:  store.ActionDelete,
		Filters: []store.Filter{store.Eq("id", id)},
	})
	return err
}

// FindByID finds a user by UUID
func (r *UserRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.findOne(ctx, store.Eq("id", id))
}

// FindByUsername finds a user by login name
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.findOne(ctx, store.Eq("username", username))
}

func (r *UserRepository) findOne(ctx context.Context, f store.Filter) (*model.User, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableUsers,
		Filters: []store.Filter{f},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &store.Error{Code: store.CodeNotFound, Op: "read", Table: store.TableUsers}
	}
	return decodeRow[model.User](rows[0])
}
