package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/pkg/lock"
	"telegram-contest-bot/internal/repository"
)

// ContestService owns the contest state machine Draft -> Active -> Ended ->
// Closed, winner computation at close, and the periodic scan that ends
// contests whose end time passed.
type ContestService struct {
	contestRepo  *repository.ContestRepository
	channelRepo  *repository.ChannelRepository
	channelLock  *lock.ChannelLock
	scanInterval time.Duration
	logger       zerolog.Logger

	// expired receives contests ended by the periodic scan, so the bot can
	// announce them. Buffered; announcements are best effort.
	expired chan *model.Contest
}

// NewContestService creates a new ContestService instance.
func NewContestService(
	contestRepo *repository.ContestRepository,
	channelRepo *repository.ChannelRepository,
	channelLock *lock.ChannelLock,
	scanInterval time.Duration,
	logger zerolog.Logger,
) *ContestService {
	return &ContestService{
		contestRepo:  contestRepo,
		channelRepo:  channelRepo,
		channelLock:  channelLock,
		scanInterval: scanInterval,
		logger:       logger,
		expired:      make(chan *model.Contest, 16),
	}
}

// Expired exposes contests ended by the periodic scan.
func (s *ContestService) Expired() <-chan *model.Contest {
	return s.expired
}

// requireOwner verifies the requester registered the channel.
func (s *ContestService) requireOwner(ctx context.Context, channelID, requesterID int64) (*model.Channel, error) {
	channel, err := s.channelRepo.GetByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.RegisteredBy != requesterID {
		return nil, ErrNotChannelOwner
	}
	return channel, nil
}

// Create validates the arguments and inserts a Draft contest.
func (s *ContestService) Create(ctx context.Context, channelID, requesterID int64, name, prize string, prizeCount int, endAt *time.Time) (*model.Contest, error) {
	if _, err := s.requireOwner(ctx, channelID, requesterID); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	prize = strings.TrimSpace(prize)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: contest name is empty", ErrValidation)
	case prize == "":
		return nil, fmt.Errorf("%w: prize is empty", ErrValidation)
	case prizeCount < 1:
		return nil, fmt.Errorf("%w: prize count must be at least 1", ErrValidation)
	case endAt != nil && !endAt.After(time.Now()):
		return nil, fmt.Errorf("%w: end time is in the past", ErrValidation)
	}

	c, err := s.contestRepo.Create(ctx, channelID, name, prize, prizeCount, endAt)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("contest_id", c.ID).
		Int64("channel_id", channelID).
		Str("name", name).
		Msg("contest created")

	return c, nil
}

// Start transitions a Draft contest to Active. At most one contest per
// channel may be Active; a second activation fails with
// ErrActiveContestExists.
func (s *ContestService) Start(ctx context.Context, contestID, requesterID int64) (*model.Contest, error) {
	contest, err := s.contestRepo.GetByID(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireOwner(ctx, contest.ChannelID, requesterID); err != nil {
		return nil, err
	}

	s.channelLock.Lock(contest.ChannelID)
	defer s.channelLock.Unlock(contest.ChannelID)

	c, err := s.contestRepo.Activate(ctx, contestID)
	if err != nil {
		return nil, mapTransition(err, model.ContestActive)
	}

	s.logger.Info().
		Int64("contest_id", c.ID).
		Int64("channel_id", c.ChannelID).
		Msg("contest activated")

	return c, nil
}

// End transitions an Active contest to Ended. Joins arriving afterwards are
// recorded but never credited.
func (s *ContestService) End(ctx context.Context, contestID, requesterID int64) (*model.Contest, error) {
	contest, err := s.contestRepo.GetByID(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireOwner(ctx, contest.ChannelID, requesterID); err != nil {
		return nil, err
	}

	s.channelLock.Lock(contest.ChannelID)
	defer s.channelLock.Unlock(contest.ChannelID)

	c, err := s.contestRepo.End(ctx, contestID)
	if err != nil {
		return nil, mapTransition(err, model.ContestEnded)
	}

	s.logger.Info().
		Int64("contest_id", c.ID).
		Int64("channel_id", c.ChannelID).
		Msg("contest ended")

	return c, nil
}

// Close computes the winners of an Ended contest and transitions it to
// Closed. Winners are the top prize-count invitations ranked by credited
// joins, ties broken by earliest invitation. Closed is terminal.
func (s *ContestService) Close(ctx context.Context, contestID, requesterID int64) (*model.Contest, []*model.Rank, error) {
	contest, err := s.contestRepo.GetByID(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.requireOwner(ctx, contest.ChannelID, requesterID); err != nil {
		return nil, nil, err
	}

	s.channelLock.Lock(contest.ChannelID)
	defer s.channelLock.Unlock(contest.ChannelID)

	ranking, err := s.contestRepo.Ranking(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	winners := SelectWinners(contestID, ranking, contest.PrizeCount)

	c, err := s.contestRepo.CloseWithWinners(ctx, contestID, winners)
	if err != nil {
		return nil, nil, mapTransition(err, model.ContestClosed)
	}

	if len(ranking) > contest.PrizeCount {
		ranking = ranking[:contest.PrizeCount]
	}

	s.logger.Info().
		Int64("contest_id", c.ID).
		Int("winners", len(winners)).
		Msg("contest closed")

	return c, ranking, nil
}

// SelectWinners takes the top prizeCount entries of an already-ordered
// ranking. The ranking order (credited joins descending, earliest invitation
// first on ties) is the award order.
func SelectWinners(contestID int64, ranking []*model.Rank, prizeCount int) []*model.Winner {
	if prizeCount > len(ranking) {
		prizeCount = len(ranking)
	}
	winners := make([]*model.Winner, 0, prizeCount)
	for place, rank := range ranking[:prizeCount] {
		winners = append(winners, &model.Winner{
			ContestID:    contestID,
			Place:        place + 1,
			InvitationID: rank.Invitation.ID,
		})
	}
	return winners
}

// Get retrieves a contest by id.
func (s *ContestService) Get(ctx context.Context, contestID int64) (*model.Contest, error) {
	return s.contestRepo.GetByID(ctx, contestID)
}

// Active returns the channel's Active contest.
func (s *ContestService) Active(ctx context.Context, channelID int64) (*model.Contest, error) {
	return s.contestRepo.GetActiveByChannel(ctx, channelID)
}

// Ranking returns the contest's current standings.
func (s *ContestService) Ranking(ctx context.Context, contestID int64) ([]*model.Rank, error) {
	return s.contestRepo.Ranking(ctx, contestID)
}

// Winners returns the persisted winner list of a Closed contest.
func (s *ContestService) Winners(ctx context.Context, contestID int64) (*model.Contest, []*model.Winner, error) {
	contest, err := s.contestRepo.GetByID(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	if contest.State != model.ContestClosed {
		return nil, nil, &InvalidTransitionError{Current: contest.State, Requested: model.ContestClosed}
	}
	winners, err := s.contestRepo.ListWinners(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	return contest, winners, nil
}

// ListByChannel returns the channel's contests, newest first.
func (s *ContestService) ListByChannel(ctx context.Context, channelID int64) ([]*model.Contest, error) {
	return s.contestRepo.ListByChannel(ctx, channelID)
}

// RunScheduler periodically ends Active contests whose end time passed.
// Blocks until ctx is canceled.
func (s *ContestService) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.scanInterval).Msg("contest scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("contest scheduler stopped")
			return
		case now := <-ticker.C:
			ended, err := s.contestRepo.EndExpired(ctx, now)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to end expired contests")
				continue
			}
			for _, c := range ended {
				s.logger.Info().
					Int64("contest_id", c.ID).
					Int64("channel_id", c.ChannelID).
					Msg("contest ended by schedule")
				select {
				case s.expired <- c:
				default:
					// Announcement queue full; the state change already happened.
				}
			}
		}
	}
}

// mapTransition converts repository state conflicts into the service-level
// transition error.
func mapTransition(err error, requested model.ContestState) error {
	var conflict *repository.StateConflictError
	if errors.As(err, &conflict) {
		return &InvalidTransitionError{Current: conflict.Current, Requested: requested}
	}
	return err
}
