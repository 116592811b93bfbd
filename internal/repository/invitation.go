package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-contest-bot/internal/model"
)

const invitationColumns = `id, contest_id, participant_id, token, joined_count, created_at`

// InvitationRepository handles invitation persistence.
type InvitationRepository struct {
	pool *pgxpool.Pool
}

// NewInvitationRepository creates a new InvitationRepository instance.
func NewInvitationRepository(pool *pgxpool.Pool) *InvitationRepository {
	return &InvitationRepository{pool: pool}
}

func scanInvitation(row pgx.Row) (*model.Invitation, error) {
	var inv model.Invitation
	err := row.Scan(
		&inv.ID,
		&inv.ContestID,
		&inv.ParticipantID,
		&inv.Token,
		&inv.JoinedCount,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindOrCreate returns the invitation for (contest, participant), creating it
// on first request. Issuance is idempotent: the UNIQUE(contest_id,
// participant_id) constraint guarantees at most one row per pair, and a
// conflicting insert falls back to reselecting the existing row.
func (r *InvitationRepository) FindOrCreate(ctx context.Context, contestID, participantID int64, token string) (*model.Invitation, error) {
	query := `
		INSERT INTO invitations (contest_id, participant_id, token, joined_count, created_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (contest_id, participant_id) DO NOTHING
		RETURNING ` + invitationColumns

	inv, err := scanInvitation(r.pool.QueryRow(ctx, query, contestID, participantID, token))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}

	// Row already existed; return it.
	return r.GetByPair(ctx, contestID, participantID)
}

// GetByPair retrieves the invitation for (contest, participant).
func (r *InvitationRepository) GetByPair(ctx context.Context, contestID, participantID int64) (*model.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE contest_id = $1 AND participant_id = $2`

	inv, err := scanInvitation(r.pool.QueryRow(ctx, query, contestID, participantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

// GetByToken retrieves an invitation by its token.
func (r *InvitationRepository) GetByToken(ctx context.Context, token string) (*model.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE token = $1`

	inv, err := scanInvitation(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("failed to get invitation by token: %w", err)
	}
	return inv, nil
}

// GetByID retrieves an invitation by its ID.
func (r *InvitationRepository) GetByID(ctx context.Context, id int64) (*model.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`

	inv, err := scanInvitation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("failed to get invitation by id: %w", err)
	}
	return inv, nil
}
