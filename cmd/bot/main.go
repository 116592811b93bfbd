// Package main is the entry point for the referral contest bot.
//
// The binary has two mutually exclusive run modes: the default live mode
// (long polling plus the contest scheduler) and a one-shot broadcast mode
// (-broadcast) that bulk-delivers a message to every known chat. A shared
// advisory lock guarantees only one mode runs against a store at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-contest-bot/internal/bot"
	"telegram-contest-bot/internal/config"
	"telegram-contest-bot/internal/pkg/db"
	"telegram-contest-bot/internal/pkg/lock"
	"telegram-contest-bot/internal/pkg/runlock"
	"telegram-contest-bot/internal/repository"
	"telegram-contest-bot/internal/service"
)

func main() {
	configPath := flag.String("config", "config", "directory holding config.yaml")
	broadcastFile := flag.String("broadcast", "", "run in broadcast mode: path to a file with the message to deliver")
	flag.Parse()

	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Bot.Token == "" {
		log.Fatal().Msg("Bot token is required (bot.token or BOT_TOKEN)")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Only one instance, in either mode, may run against the store.
	runLock, err := runlock.Acquire(ctx, dbPool.Pool)
	if err != nil {
		if errors.Is(err, runlock.ErrInstanceConflict) {
			log.Fatal().Msg("Another instance is already running against this database")
		}
		log.Fatal().Err(err).Msg("Failed to acquire run lock")
	}
	defer runLock.Release(context.Background())

	if *broadcastFile != "" {
		if err := runBroadcast(ctx, cfg, dbPool, *broadcastFile); err != nil {
			log.Fatal().Err(err).Msg("Broadcast failed")
		}
		return
	}

	runBot(ctx, cancel, cfg, dbPool)
}

// runBot runs the live mode: long polling, membership attribution, contest
// lifecycle and the end-time scheduler.
func runBot(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, dbPool *db.Pool) {
	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool.Pool)
	channelRepo := repository.NewChannelRepository(dbPool.Pool)
	contestRepo := repository.NewContestRepository(dbPool.Pool)
	invitationRepo := repository.NewInvitationRepository(dbPool.Pool)
	membershipRepo := repository.NewMembershipRepository(dbPool.Pool)
	referralRepo := repository.NewReferralRepository(dbPool.Pool)

	// Initialize per-channel lock
	channelLock := lock.NewChannelLock()

	// Initialize services
	userService := service.NewUserService(userRepo)
	channelService := service.NewChannelService(channelRepo, log.Logger)
	invitationService := service.NewInvitationService(contestRepo, invitationRepo, cfg.Bot.Name)
	attributionService := service.NewAttributionService(
		contestRepo, invitationRepo, membershipRepo, referralRepo, channelLock, log.Logger,
	)
	contestService := service.NewContestService(
		contestRepo, channelRepo, channelLock, cfg.Contest.ScanInterval, log.Logger,
	)

	// Initialize dispatcher with its dedup window and worker pool
	dedup := bot.NewDeduper(1024)
	dispatcher := bot.NewDispatcher(ctx, attributionService, cfg.Workers.PoolSize)

	teleBot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Bot.Token,
		Poller: bot.NewPoller(cfg),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	telegramBot, err := bot.New(teleBot, &bot.Dependencies{
		Config:      cfg,
		Dispatcher:  dispatcher,
		Dedup:       dedup,
		Contests:    contestService,
		Channels:    channelService,
		Invitations: invitationService,
		Attribution: attributionService,
		Users:       userService,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire bot")
	}

	// Contest end-time scheduler
	go contestService.RunScheduler(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start(ctx)
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	telegramBot.Stop()
	log.Info().Msg("Bot stopped gracefully")
}

// runBroadcast runs the one-shot bulk delivery mode and prints the report.
func runBroadcast(ctx context.Context, cfg *config.Config, dbPool *db.Pool, messageFile string) error {
	raw, err := os.ReadFile(messageFile)
	if err != nil {
		return fmt.Errorf("failed to read message file: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fmt.Errorf("message file %s is empty", messageFile)
	}

	teleBot, err := tele.NewBot(tele.Settings{Token: cfg.Bot.Token})
	if err != nil {
		return fmt.Errorf("failed to create bot client: %w", err)
	}

	broadcastService := service.NewBroadcastService(
		repository.NewUserRepository(dbPool.Pool),
		repository.NewChannelRepository(dbPool.Pool),
		bot.NewTelegramSender(teleBot),
		service.BroadcastConfig{
			WindowSends: cfg.Broadcast.WindowSends,
			Window:      cfg.Broadcast.Window,
			MinInterval: cfg.Broadcast.MinInterval,
			MaxRetries:  cfg.Broadcast.MaxRetries,
		},
		log.Logger,
	)

	// Cancel the run on SIGINT/SIGTERM; partial progress is reported.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := broadcastService.Run(ctx, text)
	if err != nil {
		return err
	}

	fmt.Printf("broadcast %s: %d/%d delivered in %s\n",
		report.RunID, report.Succeeded, report.Total, report.Elapsed.Round(time.Millisecond))
	for _, f := range report.Failed {
		fmt.Printf("  failed chat %d: %v\n", f.ChatID, f.Err)
	}
	return nil
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: users known to the bot
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT,
			username TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: users table created")

	// Migration 2: registered contest channels
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS channels (
			id BIGINT PRIMARY KEY,
			registered_by BIGINT NOT NULL REFERENCES users(id),
			link TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: channels table created")

	// Migration 3: contests; the partial unique index is the
	// one-active-contest-per-channel invariant
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS contests (
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
		CREATE UNIQUE INDEX IF NOT EXISTS uq_contests_one_active
			ON contests (channel_id) WHERE state = 'active';
		CREATE INDEX IF NOT EXISTS idx_contests_channel ON contests (channel_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: contests table created")

	// Migration 4: invitations, one per (contest, participant)
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invitations (
			id BIGSERIAL PRIMARY KEY,
			contest_id BIGINT NOT NULL REFERENCES contests(id),
			participant_id BIGINT NOT NULL REFERENCES users(id),
			token TEXT NOT NULL UNIQUE,
			joined_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (contest_id, participant_id)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: invitations table created")

	// Migration 5: memberships; at most one active row per (channel, user).
	// Neither channel_id nor user_id carries an FK: members may join without
	// ever talking to the bot, and the bot may sit in chats nobody registered.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memberships (
			id BIGSERIAL PRIMARY KEY,
			channel_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			invitation_id BIGINT REFERENCES invitations(id),
			active BOOLEAN NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			left_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_memberships_one_active
			ON memberships (channel_id, user_id) WHERE active;
		CREATE INDEX IF NOT EXISTS idx_memberships_pair ON memberships (channel_id, user_id);
		CREATE INDEX IF NOT EXISTS idx_memberships_invitation ON memberships (invitation_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: memberships table created")

	// Migration 6: persisted winner lists of closed contests
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS contest_winners (
			contest_id BIGINT NOT NULL REFERENCES contests(id),
			place INT NOT NULL,
			invitation_id BIGINT NOT NULL REFERENCES invitations(id),
			PRIMARY KEY (contest_id, place)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 6: contest_winners table created")

	// Migration 7: referral clicks waiting for their join event
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pending_referrals (
			channel_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			token TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (channel_id, user_id)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 7: pending_referrals table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
