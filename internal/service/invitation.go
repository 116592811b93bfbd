// Package service provides business logic implementations.
package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/repository"
)

// InvitationService mints per-participant invitation tokens and resolves
// them back to invitations.
//
// Tokens are a deterministic derivation of (contest, participant): the
// url-encoded pair, base64url-encoded without padding so it survives as a
// Telegram /start payload. Determinism makes issuance idempotent with no
// extra round trip, and the token column's UNIQUE constraint backs global
// collision resistance.
type InvitationService struct {
	contestRepo    *repository.ContestRepository
	invitationRepo *repository.InvitationRepository
	botName        string
}

// NewInvitationService creates a new InvitationService instance.
func NewInvitationService(
	contestRepo *repository.ContestRepository,
	invitationRepo *repository.InvitationRepository,
	botName string,
) *InvitationService {
	return &InvitationService{
		contestRepo:    contestRepo,
		invitationRepo: invitationRepo,
		botName:        botName,
	}
}

// EncodeToken derives the invitation token for (contest, participant).
func EncodeToken(contestID, participantID int64) string {
	params := url.Values{}
	params.Set("contest", strconv.FormatInt(contestID, 10))
	params.Set("participant", strconv.FormatInt(participantID, 10))
	return base64.RawURLEncoding.EncodeToString([]byte(params.Encode()))
}

// DecodeToken parses a token back into (contest, participant).
func DecodeToken(token string) (contestID, participantID int64, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed token encoding: %w", err)
	}
	params, err := url.ParseQuery(string(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed token parameters: %w", err)
	}
	contestID, err = strconv.ParseInt(params.Get("contest"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed contest id in token: %w", err)
	}
	participantID, err = strconv.ParseInt(params.Get("participant"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed participant id in token: %w", err)
	}
	return contestID, participantID, nil
}

// Issue returns the participant's invitation for the contest, creating it on
// first request. Fails with ErrContestNotActive unless the contest is Active.
// Repeated calls for the same pair return the same token.
func (s *InvitationService) Issue(ctx context.Context, contestID, participantID int64) (*model.Invitation, error) {
	contest, err := s.contestRepo.GetByID(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if contest.State != model.ContestActive {
		return nil, ErrContestNotActive
	}

	token := EncodeToken(contestID, participantID)
	inv, err := s.invitationRepo.FindOrCreate(ctx, contestID, participantID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to issue invitation: %w", err)
	}
	return inv, nil
}

// Link builds the shareable deep link embedding the token.
func (s *InvitationService) Link(inv *model.Invitation) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", s.botName, inv.Token)
}

// JoinLink builds the public contest entry link posted in the channel.
// Opening it asks the bot for a personal invitation to the contest.
func (s *InvitationService) JoinLink(contestID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=c%d", s.botName, contestID)
}

// Resolve maps a token to its stored invitation. The token is decoded first
// so obviously foreign or corrupted tokens are rejected without a query.
func (s *InvitationService) Resolve(ctx context.Context, token string) (*model.Invitation, error) {
	if _, _, err := DecodeToken(token); err != nil {
		return nil, err
	}
	return s.invitationRepo.GetByToken(ctx, token)
}
