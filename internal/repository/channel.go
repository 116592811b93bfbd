package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-contest-bot/internal/model"
)

// ChannelRepository handles channel registration persistence.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

// NewChannelRepository creates a new ChannelRepository instance.
func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

// Register records a channel as registered by the given owner.
// Re-registering an existing channel refreshes its link and title but
// never reassigns the owner.
func (r *ChannelRepository) Register(ctx context.Context, id, registeredBy int64, link, title string) (*model.Channel, error) {
	const query = `
		INSERT INTO channels (id, registered_by, link, title, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET link = EXCLUDED.link,
		    title = EXCLUDED.title
		RETURNING id, registered_by, link, title, created_at
	`

	var ch model.Channel
	err := r.pool.QueryRow(ctx, query, id, registeredBy, link, title).Scan(
		&ch.ID,
		&ch.RegisteredBy,
		&ch.Link,
		&ch.Title,
		&ch.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register channel: %w", err)
	}

	return &ch, nil
}

// GetByID retrieves a channel by its Telegram chat ID.
func (r *ChannelRepository) GetByID(ctx context.Context, id int64) (*model.Channel, error) {
	const query = `
		SELECT id, registered_by, link, title, created_at
		FROM channels
		WHERE id = $1
	`

	var ch model.Channel
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&ch.ID,
		&ch.RegisteredBy,
		&ch.Link,
		&ch.Title,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	return &ch, nil
}

// ListByOwner returns all channels registered by a user.
func (r *ChannelRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Channel, error) {
	const query = `
		SELECT id, registered_by, link, title, created_at
		FROM channels
		WHERE registered_by = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		var ch model.Channel
		err := rows.Scan(
			&ch.ID,
			&ch.RegisteredBy,
			&ch.Link,
			&ch.Title,
			&ch.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, &ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}

	return channels, nil
}

// ListIDs returns the IDs of every registered channel, for broadcast
// target enumeration.
func (r *ChannelRepository) ListIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT id FROM channels ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel ids: %w", err)
	}

	return ids, nil
}
