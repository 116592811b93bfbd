package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-contest-bot/internal/model"
)

const membershipColumns = `id, channel_id, user_id, invitation_id, active, joined_at, left_at`

// MembershipRepository handles membership persistence. RecordJoin is the
// attribution write path: the membership insert/reactivation and the
// invitation counter increment happen in one transaction, so a failure never
// leaves partial credit behind.
type MembershipRepository struct {
	pool *pgxpool.Pool
}

// NewMembershipRepository creates a new MembershipRepository instance.
func NewMembershipRepository(pool *pgxpool.Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool}
}

func scanMembership(row pgx.Row) (*model.Membership, error) {
	var m model.Membership
	err := row.Scan(
		&m.ID,
		&m.ChannelID,
		&m.UserID,
		&m.InvitationID,
		&m.Active,
		&m.JoinedAt,
		&m.LeftAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordJoin applies a join for (channel, user), crediting invitationID when
// the pair has never been seen before. Returns the membership row and whether
// the join was credited.
//
// Dedup rules, all inside one transaction:
//   - an active row already exists: nothing changes, no credit;
//   - an inactive row exists (the user left earlier): the row is
//     reactivated keeping its original invitation, no new credit;
//   - no row exists: a new row is inserted and, if invitationID is set,
//     that invitation's joined_count is incremented.
func (r *MembershipRepository) RecordJoin(ctx context.Context, channelID, userID int64, invitationID *int64) (*model.Membership, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin join transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the pair's newest row so concurrent joins for the same user
	// serialize here even without the channel-level mutex.
	existing, err := scanMembership(tx.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE channel_id = $1 AND user_id = $2
		ORDER BY joined_at DESC
		LIMIT 1
		FOR UPDATE
	`, channelID, userID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up membership: %w", err)
	}

	switch {
	case existing != nil && existing.Active:
		// Already counted and still inside; rejoin events are no-ops.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit join transaction: %w", err)
		}
		return existing, false, nil

	case existing != nil:
		// Left earlier: flip the flag back, keep the original attribution,
		// never re-increment the counter.
		m, err := scanMembership(tx.QueryRow(ctx, `
			UPDATE memberships
			SET active = TRUE, left_at = NULL
			WHERE id = $1
			RETURNING `+membershipColumns, existing.ID))
		if err != nil {
			return nil, false, fmt.Errorf("failed to reactivate membership: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit join transaction: %w", err)
		}
		return m, false, nil
	}

	m, err := scanMembership(tx.QueryRow(ctx, `
		INSERT INTO memberships (channel_id, user_id, invitation_id, active, joined_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		RETURNING `+membershipColumns, channelID, userID, invitationID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert membership: %w", err)
	}

	credited := false
	if invitationID != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE invitations
			SET joined_count = joined_count + 1
			WHERE id = $1
		`, *invitationID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to increment invitation credit: %w", err)
		}
		credited = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit join transaction: %w", err)
	}

	return m, credited, nil
}

// RecordLeave flags the active membership for (channel, user) as inactive.
// Credit is not decremented: prizes are a snapshot taken when the contest
// ends, and the inviter did cause the join.
func (r *MembershipRepository) RecordLeave(ctx context.Context, channelID, userID int64) (*model.Membership, error) {
	m, err := scanMembership(r.pool.QueryRow(ctx, `
		UPDATE memberships
		SET active = FALSE, left_at = NOW()
		WHERE channel_id = $1 AND user_id = $2 AND active
		RETURNING `+membershipColumns, channelID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to record leave: %w", err)
	}
	return m, nil
}

// GetCurrent returns the newest membership row for (channel, user),
// or ErrMembershipNotFound.
func (r *MembershipRepository) GetCurrent(ctx context.Context, channelID, userID int64) (*model.Membership, error) {
	m, err := scanMembership(r.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE channel_id = $1 AND user_id = $2
		ORDER BY joined_at DESC
		LIMIT 1
	`, channelID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListForInvitation returns every membership credited to an invitation.
func (r *MembershipRepository) ListForInvitation(ctx context.Context, invitationID int64) ([]*model.Membership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE invitation_id = $1
		ORDER BY joined_at
	`, invitationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*model.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	return memberships, nil
}
