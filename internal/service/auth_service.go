package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/store"
	"github.com/quocanhngo/convo/pkg/auth"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const searchLimit = 20

var (
	ErrUsernameTaken      = errors.New("auth.usernameTaken")
	ErrInvalidCredentials = errors.New("auth.invalidCredentials")
)

// SignOuter ends a user's chat sessions and push connections
type SignOuter interface {
	SignOut(ctx context.Context, userID uuid.UUID)
}

// AuthService handles registration, sign-in and profiles. It works on the
// unscoped store: credentials are never reachable through a user policy.
type AuthService struct {
	users      *repository.UserRepository
	profiles   *repository.ProfileRepository
	jwtManager *auth.JWTManager
	revoker    auth.Revoker
	sessions   SignOuter
	log        *zap.Logger
}

func NewAuthService(
	users *repository.UserRepository,
	profiles *repository.ProfileRepository,
	jwtManager *auth.JWTManager,
	revoker auth.Revoker,
	sessions SignOuter,
	log *zap.Logger,
) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		users:      users,
		profiles:   profiles,
		jwtManager: jwtManager,
		revoker:    revoker,
		sessions:   sessions,
		log:        log.Named("auth"),
	}
}

// ==================== Register ====================

// Register creates the account and its public profile and signs the user in
func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest) (*model.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, username, string(hashedPassword))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = username
	}
	profile, err := s.profiles.Create(ctx, model.Profile{UserID: user.ID, Username: username, Name: name})
	if err != nil {
		// undo the account so the username can be registered again
		if derr := s.users.Delete(context.WithoutCancel(ctx), user.ID); derr != nil {
			s.log.Error("orphaned account after failed profile insert",
				zap.String("user_id", user.ID.String()), zap.Error(derr))
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	s.log.Info("user registered", zap.String("user_id", user.ID.String()), zap.String("username", username))
	return s.issue(profile)
}

// ==================== Login ====================

// Login authenticates a user and returns a JWT token
func (s *AuthService) Login(ctx context.Context, req model.LoginRequest) (*model.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	profile, err := s.profiles.FindByUserID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return s.issue(profile)
}

func (s *AuthService) issue(profile *model.Profile) (*model.LoginResponse, error) {
	token, err := s.jwtManager.GenerateToken(profile.UserID, profile.Username)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &model.LoginResponse{
		Token: token,
		User:  profile.ToResponse(),
	}, nil
}

// Logout revokes the token and closes the user's chat session
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID, tokenString string) error {
	s.sessions.SignOut(ctx, userID)

	claims, err := s.jwtManager.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	return s.revoker.Revoke(ctx, tokenString, auth.TTL(claims))
}

// ==================== Profile ====================

// GetProfile returns the current user's profile
func (s *AuthService) GetProfile(ctx context.Context, userID uuid.UUID) (*model.ProfileResponse, error) {
	profile, err := s.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp := profile.ToResponse()
	return &resp, nil
}

// SearchUsers finds contacts by username or display name
func (s *AuthService) SearchUsers(ctx context.Context, query string, excludeUserID uuid.UUID) ([]model.ProfileResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.ProfileResponse{}, nil
	}
	profiles, err := s.profiles.Search(ctx, query, excludeUserID, searchLimit)
	if err != nil {
		return nil, err
	}

	result := make([]model.ProfileResponse, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, p.ToResponse())
	}
	return result, nil
}

// UpdateAvatar stores a new avatar URL on the user's profile
func (s *AuthService) UpdateAvatar(ctx context.Context, userID uuid.UUID, url string) (*model.ProfileResponse, error) {
	if err := s.profiles.UpdateAvatar(ctx, userID, url); err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, userID)
}
