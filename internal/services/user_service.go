package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
)

// IUserService defines the interface for user profile operations.
// Authentication lives outside this service; the caller's id comes from the token.
type IUserService interface {
	FindByID(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*models.User, error)
}

// ProfileUpdate is the editable part of a profile. Nil fields are left untouched.
type ProfileUpdate struct {
	Name         *string      `json:"name,omitempty"`
	Email        *string      `json:"email,omitempty"`
	Role         *models.Role `json:"role,omitempty"`
	Phone        *string      `json:"phone,omitempty"`
	ProfileImage *string      `json:"profile_image,omitempty"`
}

// userService implements IUserService.
type userService struct {
	deps Deps
	cfg  *config.Config
}

// NewUserService creates a new UserService.
func NewUserService(deps Deps, cfg *config.Config) IUserService {
	return &userService{deps: deps.withDefaults(), cfg: cfg}
}

// FindByID returns the profile or errs.ErrNotFound.
func (s *userService) FindByID(ctx context.Context, userID string) (*models.User, error) {
	var user *models.User
	err := read(s.cfg, func() error {
		var err error
		user, err = s.deps.Store.GetUser(ctx, userID)
		return err
	})
	return user, err
}

// UpdateProfile creates the profile on first use and merges fields afterwards.
// A new profile needs a name and a role.
func (s *userService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*models.User, error) {
	now := s.deps.Clock()
	user, err := s.FindByID(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		user = &models.User{ID: userID, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	if update.Name != nil {
		user.Name = strings.TrimSpace(*update.Name)
	}
	if update.Email != nil {
		user.Email = strings.TrimSpace(strings.ToLower(*update.Email))
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	if update.Phone != nil {
		user.Phone = strings.TrimSpace(*update.Phone)
	}
	if update.ProfileImage != nil {
		user.ProfileImage = *update.ProfileImage
	}

	var problems []string
	if user.Name == "" {
		problems = append(problems, "Name is required")
	}
	if !user.Role.Valid() {
		problems = append(problems, "Role must be one of donor, receiver")
	}
	if user.Email != "" {
		if _, err := mail.ParseAddress(user.Email); err != nil {
			problems = append(problems, "Email is invalid")
		}
	}
	if err := errs.Validation(problems); err != nil {
		return nil, err
	}

	user.UpdatedAt = now
	if err := s.deps.Store.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to save profile of %s: %w", userID, err)
	}
	// Names are snapshotted into new listings and requests; drop the stale one.
	s.deps.Names.Forget(ctx, userID)
	return user, nil
}
