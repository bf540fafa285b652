package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
)

// ProfileRepository handles the public user records
type ProfileRepository struct {
	store store.Store
}

func NewProfileRepository(s store.Store) *ProfileRepository {
	return &ProfileRepository{store: s}
}

// Create inserts the profile of a freshly registered user
func (r *ProfileRepository) Create(ctx context.Context, p model.Profile) (*model.Profile, error) {
	rows, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableProfiles,
		Action: store.ActionInsert,
		Values: []store.Row{{
			"user_id":    p.UserID,
			"username":   p.Username,
			"name":       p.Name,
			"avatar_url": p.AvatarURL,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return decodeRow[model.Profile](rows[0])
}

// FindByUserID returns the profile of a user
func (r *ProfileRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*model.Profile, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableProfiles,
		Filters: []store.Filter{store.Eq("user_id", userID)},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &store.Error{Code: store.CodeNotFound, Op: "read", Table: store.TableProfiles}
	}
	return decodeRow[model.Profile](rows[0])
}

// Search finds profiles whose username or display name contains query,
// excluding the caller
func (r *ProfileRepository) Search(ctx context.Context, query string, exclude uuid.UUID, limit int) ([]model.Profile, error) {
	seen := make(map[uuid.UUID]bool)
	var out []model.Profile
	for _, col := range []string{"username", "name"} {
		rows, err := r.store.Read(ctx, store.Query{
			Table:   store.TableProfiles,
			Filters: []store.Filter{store.Contains(col, query), store.Neq("user_id", exclude)},
			Order:   []store.Order{{Column: "username"}},
			Limit:   limit,
		})
		if err != nil {
			return nil, fmt.Errorf("search profiles: %w", err)
		}
		ps, err := decodeRows[model.Profile](rows)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if seen[p.UserID] {
				continue
			}
			seen[p.UserID] = true
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateAvatar sets a user's avatar URL
func (r *ProfileRepository) UpdateAvatar(ctx context.Context, userID uuid.UUID, avatarURL string) error {
	rows, err := r.store.Write(ctx, store.Mutation{
		Table:   store.TableProfiles,
		Action:  store.ActionUpdate,
		Set:     store.Row{"avatar_url": avatarURL},
		Filters: []store.Filter{store.Eq("user_id", userID)},
	})
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("update avatar: %w", store.ErrNotFound)
	}
	return nil
}
