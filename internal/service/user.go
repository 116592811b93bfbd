package service

import (
	"context"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/repository"
)

// UserService keeps the user table in sync with whoever talks to the bot.
type UserService struct {
	userRepo *repository.UserRepository
}

// NewUserService creates a new UserService instance.
func NewUserService(userRepo *repository.UserRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

// EnsureUser upserts the sender's profile. Called on every command so names
// stay fresh without a separate sync job.
func (s *UserService) EnsureUser(ctx context.Context, id int64, firstName string, lastName, username *string) (*model.User, error) {
	return s.userRepo.Upsert(ctx, id, firstName, lastName, username)
}

// GetUser retrieves a user by id.
func (s *UserService) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.userRepo.GetByID(ctx, id)
}
