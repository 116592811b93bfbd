package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-contest-bot/internal/model"
)

// ErrActiveContestExists is returned when activating a contest would violate
// the one-active-contest-per-channel invariant.
var ErrActiveContestExists = errors.New("channel already has an active contest")

// StateConflictError reports that a state transition was attempted against a
// contest that is not in the expected state.
type StateConflictError struct {
	Current model.ContestState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("contest is in state %q", e.Current)
}

const contestColumns = `id, channel_id, name, prize, prize_count, state, created_at, started_at, end_at, closed_at`

// ContestRepository handles contest persistence and state transitions.
// Transitions are single conditional UPDATEs, so the row's state check and
// the write are one atomic statement.
type ContestRepository struct {
	pool *pgxpool.Pool
}

// NewContestRepository creates a new ContestRepository instance.
func NewContestRepository(pool *pgxpool.Pool) *ContestRepository {
	return &ContestRepository{pool: pool}
}

func scanContest(row pgx.Row) (*model.Contest, error) {
	var c model.Contest
	err := row.Scan(
		&c.ID,
		&c.ChannelID,
		&c.Name,
		&c.Prize,
		&c.PrizeCount,
		&c.State,
		&c.CreatedAt,
		&c.StartedAt,
		&c.EndAt,
		&c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new contest in Draft state.
func (r *ContestRepository) Create(ctx context.Context, channelID int64, name, prize string, prizeCount int, endAt *time.Time) (*model.Contest, error) {
	query := `
		INSERT INTO contests (channel_id, name, prize, prize_count, state, created_at, end_at)
		VALUES ($1, $2, $3, $4, 'draft', NOW(), $5)
		RETURNING ` + contestColumns

	c, err := scanContest(r.pool.QueryRow(ctx, query, channelID, name, prize, prizeCount, endAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create contest: %w", err)
	}
	return c, nil
}

// GetByID retrieves a contest by ID.
func (r *ContestRepository) GetByID(ctx context.Context, id int64) (*model.Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests WHERE id = $1`

	c, err := scanContest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContestNotFound
		}
		return nil, fmt.Errorf("failed to get contest: %w", err)
	}
	return c, nil
}

// GetActiveByChannel returns the channel's Active contest, or
// ErrContestNotFound if the channel has none.
func (r *ContestRepository) GetActiveByChannel(ctx context.Context, channelID int64) (*model.Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests WHERE channel_id = $1 AND state = 'active'`

	c, err := scanContest(r.pool.QueryRow(ctx, query, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContestNotFound
		}
		return nil, fmt.Errorf("failed to get active contest: %w", err)
	}
	return c, nil
}

// ListByChannel returns all contests of a channel, newest first.
func (r *ContestRepository) ListByChannel(ctx context.Context, channelID int64) ([]*model.Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests WHERE channel_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	defer rows.Close()

	var contests []*model.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contest: %w", err)
		}
		contests = append(contests, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contests: %w", err)
	}

	return contests, nil
}

// currentState fetches just the state column, for transition error reporting.
func (r *ContestRepository) currentState(ctx context.Context, id int64) (model.ContestState, error) {
	var state model.ContestState
	err := r.pool.QueryRow(ctx, `SELECT state FROM contests WHERE id = $1`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrContestNotFound
		}
		return "", fmt.Errorf("failed to get contest state: %w", err)
	}
	return state, nil
}

// Activate transitions Draft -> Active and sets the start time. The partial
// unique index on (channel_id) WHERE state='active' enforces at most one
// Active contest per channel; a violation maps to ErrActiveContestExists.
func (r *ContestRepository) Activate(ctx context.Context, id int64) (*model.Contest, error) {
	query := `
		UPDATE contests
		SET state = 'active', started_at = NOW()
		WHERE id = $1 AND state = 'draft'
		RETURNING ` + contestColumns

	c, err := scanContest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrActiveContestExists
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateConflict(ctx, id)
		}
		return nil, fmt.Errorf("failed to activate contest: %w", err)
	}
	return c, nil
}

// End transitions Active -> Ended.
func (r *ContestRepository) End(ctx context.Context, id int64) (*model.Contest, error) {
	query := `
		UPDATE contests
		SET state = 'ended'
		WHERE id = $1 AND state = 'active'
		RETURNING ` + contestColumns

	c, err := scanContest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateConflict(ctx, id)
		}
		return nil, fmt.Errorf("failed to end contest: %w", err)
	}
	return c, nil
}

// stateConflict builds the error for a failed conditional transition.
func (r *ContestRepository) stateConflict(ctx context.Context, id int64) error {
	state, err := r.currentState(ctx, id)
	if err != nil {
		return err
	}
	return &StateConflictError{Current: state}
}

// EndExpired transitions every Active contest whose end time has passed to
// Ended, returning the affected contests. Called by the periodic scan.
func (r *ContestRepository) EndExpired(ctx context.Context, now time.Time) ([]*model.Contest, error) {
	query := `
		UPDATE contests
		SET state = 'ended'
		WHERE state = 'active' AND end_at IS NOT NULL AND end_at <= $1
		RETURNING ` + contestColumns

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to end expired contests: %w", err)
	}
	defer rows.Close()

	var contests []*model.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired contest: %w", err)
		}
		contests = append(contests, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired contests: %w", err)
	}

	return contests, nil
}

// Ranking returns the contest's invitations ordered by credited joins
// descending, ties broken by earliest invitation first.
func (r *ContestRepository) Ranking(ctx context.Context, contestID int64) ([]*model.Rank, error) {
	const query = `
		SELECT ROW_NUMBER() OVER (ORDER BY i.joined_count DESC, i.created_at ASC, i.id ASC) AS position,
		       i.id, i.contest_id, i.participant_id, i.token, i.joined_count, i.created_at,
		       u.id, u.first_name, u.last_name, u.username, u.created_at, u.updated_at
		FROM invitations i
		JOIN users u ON u.id = i.participant_id
		WHERE i.contest_id = $1
		ORDER BY position
	`

	rows, err := r.pool.Query(ctx, query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ranking: %w", err)
	}
	defer rows.Close()

	var ranking []*model.Rank
	for rows.Next() {
		var (
			rank model.Rank
			inv  model.Invitation
			user model.User
		)
		err := rows.Scan(
			&rank.Position,
			&inv.ID, &inv.ContestID, &inv.ParticipantID, &inv.Token, &inv.JoinedCount, &inv.CreatedAt,
			&user.ID, &user.FirstName, &user.LastName, &user.Username, &user.CreatedAt, &user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		rank.Invitation = &inv
		rank.Participant = &user
		ranking = append(ranking, &rank)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ranking: %w", err)
	}

	return ranking, nil
}

// CloseWithWinners transitions Ended -> Closed and persists the winner list
// in the same transaction, so a contest is never Closed without its winners.
func (r *ContestRepository) CloseWithWinners(ctx context.Context, id int64, winners []*model.Winner) (*model.Contest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin close transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE contests
		SET state = 'closed', closed_at = NOW()
		WHERE id = $1 AND state = 'ended'
		RETURNING ` + contestColumns

	c, err := scanContest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateConflict(ctx, id)
		}
		return nil, fmt.Errorf("failed to close contest: %w", err)
	}

	for _, w := range winners {
		_, err := tx.Exec(ctx, `
			INSERT INTO contest_winners (contest_id, place, invitation_id)
			VALUES ($1, $2, $3)
		`, w.ContestID, w.Place, w.InvitationID)
		if err != nil {
			return nil, fmt.Errorf("failed to persist winner: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit close transaction: %w", err)
	}

	return c, nil
}

// ListWinners returns the persisted winner list of a Closed contest,
// ordered by place.
func (r *ContestRepository) ListWinners(ctx context.Context, contestID int64) ([]*model.Winner, error) {
	const query = `
		SELECT contest_id, place, invitation_id
		FROM contest_winners
		WHERE contest_id = $1
		ORDER BY place
	`

	rows, err := r.pool.Query(ctx, query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list winners: %w", err)
	}
	defer rows.Close()

	var winners []*model.Winner
	for rows.Next() {
		var w model.Winner
		if err := rows.Scan(&w.ContestID, &w.Place, &w.InvitationID); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		winners = append(winners, &w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating winners: %w", err)
	}

	return winners, nil
}
