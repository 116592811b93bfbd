package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-contest-bot/internal/model"
)

// ReferralRepository persists pending referrals: the user clicked an
// invitation deep link but the join event has not arrived yet. The row is
// consumed when the join shows up.
type ReferralRepository struct {
	pool *pgxpool.Pool
}

// NewReferralRepository creates a new ReferralRepository instance.
func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

// SetPending records (or replaces) the pending referral for (channel, user).
// Clicking a second link before joining overwrites the first; last click wins.
func (r *ReferralRepository) SetPending(ctx context.Context, channelID, userID int64, token string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pending_referrals (channel_id, user_id, token, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel_id, user_id) DO UPDATE
		SET token = EXCLUDED.token, created_at = NOW()
	`, channelID, userID, token)
	if err != nil {
		return fmt.Errorf("failed to set pending referral: %w", err)
	}
	return nil
}

// TakePending removes and returns the pending referral token for
// (channel, user). Returns "" when there is none: the user joined without
// a referral link.
func (r *ReferralRepository) TakePending(ctx context.Context, channelID, userID int64) (string, error) {
	var token string
	err := r.pool.QueryRow(ctx, `
		DELETE FROM pending_referrals
		WHERE channel_id = $1 AND user_id = $2
		RETURNING token
	`, channelID, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to take pending referral: %w", err)
	}
	return token, nil
}

// ListPendingByUser returns every pending referral the user holds, across
// all channels.
func (r *ReferralRepository) ListPendingByUser(ctx context.Context, userID int64) ([]*model.PendingReferral, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel_id, user_id, token, created_at
		FROM pending_referrals
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending referrals: %w", err)
	}
	defer rows.Close()

	var pending []*model.PendingReferral
	for rows.Next() {
		var p model.PendingReferral
		if err := rows.Scan(&p.ChannelID, &p.UserID, &p.Token, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending referral: %w", err)
		}
		pending = append(pending, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending referrals: %w", err)
	}

	return pending, nil
}
