package service

import (
	"context"

	"github.com/rs/zerolog"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/repository"
)

// ChannelService manages channel registration. A channel must be registered
// before contests can run in it; whoever registers it becomes its owner.
type ChannelService struct {
	channelRepo *repository.ChannelRepository
	logger      zerolog.Logger
}

// NewChannelService creates a new ChannelService instance.
func NewChannelService(channelRepo *repository.ChannelRepository, logger zerolog.Logger) *ChannelService {
	return &ChannelService{channelRepo: channelRepo, logger: logger}
}

// Register records the chat as a contest channel owned by registeredBy.
// Registering again refreshes link and title but keeps the original owner.
func (s *ChannelService) Register(ctx context.Context, id, registeredBy int64, link, title string) (*model.Channel, error) {
	ch, err := s.channelRepo.Register(ctx, id, registeredBy, link, title)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Int64("channel_id", ch.ID).
		Int64("owner_id", ch.RegisteredBy).
		Str("title", ch.Title).
		Msg("channel registered")
	return ch, nil
}

// Get retrieves a registered channel.
func (s *ChannelService) Get(ctx context.Context, id int64) (*model.Channel, error) {
	return s.channelRepo.GetByID(ctx, id)
}

// ListByOwner returns the channels a user registered.
func (s *ChannelService) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Channel, error) {
	return s.channelRepo.ListByOwner(ctx, ownerID)
}
