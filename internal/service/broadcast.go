package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"telegram-contest-bot/internal/repository"
)

// Sender delivers one message to one chat. Satisfied by the bot transport;
// tests substitute their own.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// PermanentSendError marks a delivery failure retrying cannot fix (blocked
// bot, deleted account). The target is reported failed without retries.
type PermanentSendError struct {
	Err error
}

func (e *PermanentSendError) Error() string { return e.Err.Error() }
func (e *PermanentSendError) Unwrap() error { return e.Err }

// TargetError records one target the broadcast could not reach.
type TargetError struct {
	ChatID int64
	Err    error
}

// DeliveryReport summarizes one broadcast run.
type DeliveryReport struct {
	RunID     uuid.UUID
	Total     int
	Succeeded int
	Failed    []TargetError
	Elapsed   time.Duration
}

// BroadcastConfig bounds the send rate and retry behavior of a run.
type BroadcastConfig struct {
	// WindowSends is the maximum number of sends per Window.
	WindowSends int
	// Window is the sliding interval WindowSends applies to.
	Window time.Duration
	// MinInterval is the minimum gap between two consecutive sends.
	MinInterval time.Duration
	// MaxRetries bounds retry attempts per target for transient failures.
	MaxRetries int
}

// BroadcastService delivers one message to every known user and channel,
// sequentially and rate limited. It runs in its own process, mutually
// exclusive with the live bot via the run lock.
type BroadcastService struct {
	userRepo    *repository.UserRepository
	channelRepo *repository.ChannelRepository
	sender      Sender
	cfg         BroadcastConfig
	logger      zerolog.Logger
}

// NewBroadcastService creates a new BroadcastService instance.
func NewBroadcastService(
	userRepo *repository.UserRepository,
	channelRepo *repository.ChannelRepository,
	sender Sender,
	cfg BroadcastConfig,
	logger zerolog.Logger,
) *BroadcastService {
	return &BroadcastService{
		userRepo:    userRepo,
		channelRepo: channelRepo,
		sender:      sender,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run sends text to every target once and returns the full report. A failed
// target never aborts the run; only ctx cancellation does.
func (s *BroadcastService) Run(ctx context.Context, text string) (*DeliveryReport, error) {
	targets, err := s.collectTargets(ctx)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, targets, text)
}

// deliver sends text to the given targets, sequentially and rate limited.
func (s *BroadcastService) deliver(ctx context.Context, targets []int64, text string) (*DeliveryReport, error) {
	report := &DeliveryReport{
		RunID: uuid.New(),
		Total: len(targets),
	}
	started := time.Now()

	s.logger.Info().
		Str("run_id", report.RunID.String()).
		Int("targets", len(targets)).
		Msg("broadcast run started")

	// Two limiters: one paces consecutive sends, one spreads the per-window
	// budget evenly at one send per Window/WindowSends. Every send must
	// clear both. The window limiter starts with an empty bucket: the
	// budget accrues over the window, it is not prepaid, so no window ever
	// carries more than WindowSends sends.
	pace := rate.NewLimiter(rate.Every(s.cfg.MinInterval), 1)
	window := rate.NewLimiter(rate.Every(s.cfg.Window/time.Duration(s.cfg.WindowSends)), 1)
	window.Allow()

	for _, chatID := range targets {
		if err := pace.Wait(ctx); err != nil {
			return nil, fmt.Errorf("broadcast canceled: %w", err)
		}
		if err := window.Wait(ctx); err != nil {
			return nil, fmt.Errorf("broadcast canceled: %w", err)
		}

		if err := s.sendWithRetry(ctx, chatID, text); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("broadcast canceled: %w", ctx.Err())
			}
			report.Failed = append(report.Failed, TargetError{ChatID: chatID, Err: err})
			s.logger.Warn().
				Int64("chat_id", chatID).
				Err(err).
				Msg("broadcast delivery failed")
			continue
		}
		report.Succeeded++
	}

	report.Elapsed = time.Since(started)

	s.logger.Info().
		Str("run_id", report.RunID.String()).
		Int("succeeded", report.Succeeded).
		Int("failed", len(report.Failed)).
		Dur("elapsed", report.Elapsed).
		Msg("broadcast run finished")

	return report, nil
}

// sendWithRetry retries transient failures with exponential backoff, up to
// MaxRetries. A PermanentSendError stops immediately.
func (s *BroadcastService) sendWithRetry(ctx context.Context, chatID int64, text string) error {
	operation := func() error {
		err := s.sender.Send(ctx, chatID, text)
		if err == nil {
			return nil
		}
		var perm *PermanentSendError
		if errors.As(err, &perm) {
			return backoff.Permanent(perm.Err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxRetries)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

// collectTargets enumerates every user plus every registered channel chat.
func (s *BroadcastService) collectTargets(ctx context.Context) ([]int64, error) {
	userIDs, err := s.userRepo.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast users: %w", err)
	}
	channelIDs, err := s.channelRepo.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast channels: %w", err)
	}

	seen := make(map[int64]struct{}, len(userIDs)+len(channelIDs))
	targets := make([]int64, 0, len(userIDs)+len(channelIDs))
	for _, id := range append(userIDs, channelIDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}
	return targets, nil
}
