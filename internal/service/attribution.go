package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/pkg/lock"
	"telegram-contest-bot/internal/repository"
)

// AttributionService turns raw membership change events into contest credit.
// Joins and leaves for the same channel are serialized through a per-channel
// lock so two events never race on the same counters.
type AttributionService struct {
	contestRepo    *repository.ContestRepository
	invitationRepo *repository.InvitationRepository
	membershipRepo *repository.MembershipRepository
	referralRepo   *repository.ReferralRepository
	channelLock    *lock.ChannelLock
	logger         zerolog.Logger
}

// NewAttributionService creates a new AttributionService instance.
func NewAttributionService(
	contestRepo *repository.ContestRepository,
	invitationRepo *repository.InvitationRepository,
	membershipRepo *repository.MembershipRepository,
	referralRepo *repository.ReferralRepository,
	channelLock *lock.ChannelLock,
	logger zerolog.Logger,
) *AttributionService {
	return &AttributionService{
		contestRepo:    contestRepo,
		invitationRepo: invitationRepo,
		membershipRepo: membershipRepo,
		referralRepo:   referralRepo,
		channelLock:    channelLock,
		logger:         logger,
	}
}

// HandleJoin processes a user joining a channel. The membership row is always
// recorded; credit is attributed only when every check passes:
//   - the user holds a pending referral for this channel,
//   - the referral's token resolves to a stored invitation,
//   - that invitation belongs to the channel's currently Active contest,
//   - the joiner is not the invitation's own participant.
//
// A failed check downgrades the join to uncredited, it never rejects it.
func (s *AttributionService) HandleJoin(ctx context.Context, channelID, userID int64) (*model.Membership, bool, error) {
	s.channelLock.Lock(channelID)
	defer s.channelLock.Unlock(channelID)

	invitationID, err := s.resolveCredit(ctx, channelID, userID)
	if err != nil {
		return nil, false, err
	}

	m, credited, err := s.membershipRepo.RecordJoin(ctx, channelID, userID, invitationID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record join: %w", err)
	}

	s.logger.Info().
		Int64("channel_id", channelID).
		Int64("user_id", userID).
		Bool("credited", credited).
		Msg("membership join recorded")

	return m, credited, nil
}

// resolveCredit consumes the pending referral for (channel, user), if any,
// and validates it against the channel's active contest. Returns the
// invitation to credit, or nil for an organic join.
func (s *AttributionService) resolveCredit(ctx context.Context, channelID, userID int64) (*int64, error) {
	token, err := s.referralRepo.TakePending(ctx, channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending referral: %w", err)
	}
	if token == "" {
		return nil, nil
	}

	inv, err := s.invitationRepo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrInvitationNotFound) {
			s.logger.Warn().
				Int64("channel_id", channelID).
				Int64("user_id", userID).
				Msg("pending referral token does not resolve, join uncredited")
			return nil, nil
		}
		return nil, err
	}

	if inv.ParticipantID == userID {
		s.logger.Info().
			Int64("user_id", userID).
			Int64("invitation_id", inv.ID).
			Msg("self-referral ignored")
		return nil, nil
	}

	active, err := s.contestRepo.GetActiveByChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			s.logger.Info().
				Int64("channel_id", channelID).
				Msg("no active contest, join uncredited")
			return nil, nil
		}
		return nil, err
	}
	if inv.ContestID != active.ID {
		s.logger.Info().
			Int64("invitation_id", inv.ID).
			Int64("active_contest_id", active.ID).
			Msg("invitation belongs to another contest, join uncredited")
		return nil, nil
	}

	return &inv.ID, nil
}

// HandleLeave marks the user's membership inactive. A leave without a
// matching active membership is logged and swallowed: Telegram can deliver
// membership updates for states we never saw.
func (s *AttributionService) HandleLeave(ctx context.Context, channelID, userID int64) error {
	return s.channelLock.WithLock(channelID, func() error {
		_, err := s.membershipRepo.RecordLeave(ctx, channelID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrMembershipNotFound) {
				s.logger.Debug().
					Int64("channel_id", channelID).
					Int64("user_id", userID).
					Msg("leave without active membership ignored")
				return nil
			}
			return fmt.Errorf("failed to handle leave: %w", err)
		}

		s.logger.Info().
			Int64("channel_id", channelID).
			Int64("user_id", userID).
			Msg("membership leave recorded")
		return nil
	})
}

// RememberReferral stores a clicked invitation token until the join for the
// same (channel, user) arrives. A later click replaces an earlier one.
func (s *AttributionService) RememberReferral(ctx context.Context, channelID, userID int64, token string) error {
	if err := s.referralRepo.SetPending(ctx, channelID, userID, token); err != nil {
		return err
	}
	s.logger.Debug().
		Int64("channel_id", channelID).
		Int64("user_id", userID).
		Msg("pending referral stored")
	return nil
}
