// Integration tests for the attribution flow, backed by a PostgreSQL
// container.
package service

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/pkg/lock"
	"telegram-contest-bot/internal/repository"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)

	return pool, func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
}

const testSchema = `
	CREATE TABLE users (
		id BIGINT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT,
		username TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE channels (
		id BIGINT PRIMARY KEY,
		registered_by BIGINT NOT NULL REFERENCES users(id),
		link TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE contests (
		id BIGSERIAL PRIMARY KEY,
		channel_id BIGINT NOT NULL REFERENCES channels(id),
		name TEXT NOT NULL,
		prize TEXT NOT NULL,
		prize_count INT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('draft', 'active', 'ended', 'closed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		end_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX uq_contests_one_active
		ON contests (channel_id) WHERE state = 'active';
	CREATE TABLE invitations (
		id BIGSERIAL PRIMARY KEY,
		contest_id BIGINT NOT NULL REFERENCES contests(id),
		participant_id BIGINT NOT NULL REFERENCES users(id),
		token TEXT NOT NULL UNIQUE,
		joined_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (contest_id, participant_id)
	);
	CREATE TABLE memberships (
		id BIGSERIAL PRIMARY KEY,
		channel_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		invitation_id BIGINT REFERENCES invitations(id),
		active BOOLEAN NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		left_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX uq_memberships_one_active
		ON memberships (channel_id, user_id) WHERE active;
	CREATE TABLE contest_winners (
		contest_id BIGINT NOT NULL REFERENCES contests(id),
		place INT NOT NULL,
		invitation_id BIGINT NOT NULL REFERENCES invitations(id),
		PRIMARY KEY (contest_id, place)
	);
	CREATE TABLE pending_referrals (
		channel_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		token TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (channel_id, user_id)
	);
`

// attributionFixture wires the attribution service against a real store with
// one registered channel.
type attributionFixture struct {
	pool        *pgxpool.Pool
	attribution *AttributionService
	invitations *InvitationService
	contests    *repository.ContestRepository
	invRepo     *repository.InvitationRepository
	channelID   int64
}

func newAttributionFixture(t *testing.T, pool *pgxpool.Pool) *attributionFixture {
	t.Helper()
	ctx := context.Background()

	userRepo := repository.NewUserRepository(pool)
	channelRepo := repository.NewChannelRepository(pool)
	contestRepo := repository.NewContestRepository(pool)
	invRepo := repository.NewInvitationRepository(pool)
	membershipRepo := repository.NewMembershipRepository(pool)
	referralRepo := repository.NewReferralRepository(pool)

	_, err := userRepo.Upsert(ctx, 1, "Owner", nil, nil)
	require.NoError(t, err)
	_, err = channelRepo.Register(ctx, -500, 1, "", "Chan")
	require.NoError(t, err)

	return &attributionFixture{
		pool: pool,
		attribution: NewAttributionService(
			contestRepo, invRepo, membershipRepo, referralRepo,
			lock.NewChannelLock(), zerolog.Nop(),
		),
		invitations: NewInvitationService(contestRepo, invRepo, "contest_bot"),
		contests:    contestRepo,
		invRepo:     invRepo,
		channelID:   -500,
	}
}

// startContest creates and activates a contest, returning it.
func (f *attributionFixture) startContest(t *testing.T) *model.Contest {
	t.Helper()
	ctx := context.Background()
	c, err := f.contests.Create(ctx, f.channelID, "Contest", "Prize", 1, nil)
	require.NoError(t, err)
	c, err = f.contests.Activate(ctx, c.ID)
	require.NoError(t, err)
	return c
}

// invite issues inviter's invitation and records invitee's referral click.
func (f *attributionFixture) invite(t *testing.T, contestID, inviterID, inviteeID int64) *model.Invitation {
	t.Helper()
	ctx := context.Background()

	_, err := repository.NewUserRepository(f.pool).Upsert(ctx, inviterID, "Inviter", nil, nil)
	require.NoError(t, err)

	inv, err := f.invitations.Issue(ctx, contestID, inviterID)
	require.NoError(t, err)

	require.NoError(t, f.attribution.RememberReferral(ctx, f.channelID, inviteeID, inv.Token))
	return inv
}

func TestAttribution_ReferredJoinCredited(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)
	contest := f.startContest(t)
	inv := f.invite(t, contest.ID, 10, 20)

	m, credited, err := f.attribution.HandleJoin(ctx, f.channelID, 20)
	require.NoError(t, err)
	assert.True(t, credited)
	require.True(t, m.Credited())
	assert.Equal(t, inv.ID, *m.InvitationID)

	got, err := f.invRepo.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.JoinedCount)
}

func TestAttribution_SelfReferralNeverCredits(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)
	contest := f.startContest(t)
	// The inviter clicks their own link and joins
	inv := f.invite(t, contest.ID, 10, 10)

	m, credited, err := f.attribution.HandleJoin(ctx, f.channelID, 10)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.False(t, m.Credited())

	got, err := f.invRepo.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.JoinedCount)
}

func TestAttribution_EndedContestNeverCredits(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)
	contest := f.startContest(t)
	inv := f.invite(t, contest.ID, 10, 20)

	// The contest ends before the join arrives
	_, err := f.contests.End(ctx, contest.ID)
	require.NoError(t, err)

	m, credited, err := f.attribution.HandleJoin(ctx, f.channelID, 20)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Nil(t, m.InvitationID)
	assert.True(t, m.Active)

	got, err := f.invRepo.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.JoinedCount)
}

func TestAttribution_StaleInvitationForNewContestNotCredited(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)
	first := f.startContest(t)
	inv := f.invite(t, first.ID, 10, 20)

	// The first contest ends and a second one starts; the old token must
	// not earn credit in the new contest.
	_, err := f.contests.End(ctx, first.ID)
	require.NoError(t, err)
	second := f.startContest(t)

	_, credited, err := f.attribution.HandleJoin(ctx, f.channelID, 20)
	require.NoError(t, err)
	assert.False(t, credited)

	got, err := f.invRepo.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.JoinedCount)

	ranking, err := f.contests.Ranking(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, ranking)
}

func TestAttribution_OrganicJoinAndLeave(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)
	f.startContest(t)

	m, credited, err := f.attribution.HandleJoin(ctx, f.channelID, 30)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Nil(t, m.InvitationID)

	require.NoError(t, f.attribution.HandleLeave(ctx, f.channelID, 30))

	// A leave for someone we never saw is swallowed
	require.NoError(t, f.attribution.HandleLeave(ctx, f.channelID, 31))
}

func TestAttribution_UnregisteredChannelJoinRecorded(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)

	// The bot sits in a chat nobody registered. Joins there still have to
	// land as uncredited membership rows instead of failing.
	m, credited, err := f.attribution.HandleJoin(ctx, -999, 40)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Nil(t, m.InvitationID)
	assert.True(t, m.Active)

	require.NoError(t, f.attribution.HandleLeave(ctx, -999, 40))
}

func TestAttribution_PendingReferralConsumedOnce(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	f := newAttributionFixture(t, pool)
	contest := f.startContest(t)
	inv := f.invite(t, contest.ID, 10, 20)

	_, credited, err := f.attribution.HandleJoin(ctx, f.channelID, 20)
	require.NoError(t, err)
	require.True(t, credited)

	// Leave and rejoin: the referral was consumed by the first join, and
	// the membership row is only reactivated, so no second credit.
	require.NoError(t, f.attribution.HandleLeave(ctx, f.channelID, 20))
	_, credited, err = f.attribution.HandleJoin(ctx, f.channelID, 20)
	require.NoError(t, err)
	assert.False(t, credited)

	got, err := f.invRepo.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.JoinedCount)
}
