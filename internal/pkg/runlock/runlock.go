// Package runlock provides the process-level exclusive lock that keeps the
// normal event-processing mode and the broadcast mode from running against
// the same store at the same time.
//
// The lock is a PostgreSQL advisory lock held on a dedicated pooled
// connection for the whole run; it disappears automatically if the process
// dies, so there is no stale lock file to clean up.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrInstanceConflict is returned when another bot instance (either mode)
// already holds the run lock.
var ErrInstanceConflict = errors.New("another bot instance is already running against this store")

// lockName seeds the advisory lock key. Both run modes use the same name so
// they exclude each other.
const lockName = "telegram-contest-bot/run"

// key derives the 64-bit advisory lock key from lockName.
func key() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lockName))
	return int64(h.Sum64())
}

// Lock holds the advisory lock and the connection that owns it.
type Lock struct {
	conn *pgxpool.Conn
}

// Acquire takes the exclusive run lock, or fails with ErrInstanceConflict
// if any other instance holds it.
func Acquire(ctx context.Context, pool *pgxpool.Pool) (*Lock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for run lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key()).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrInstanceConflict
	}

	log.Info().Int64("key", key()).Msg("Run lock acquired")
	return &Lock{conn: conn}, nil
}

// Release gives the lock back. Safe to call on all exit paths; the lock is
// also released implicitly if the owning connection closes.
func (l *Lock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key()); err != nil {
		log.Warn().Err(err).Msg("Failed to release run lock cleanly")
	}
	l.conn.Release()
	l.conn = nil
	log.Info().Msg("Run lock released")
}
