package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-contest-bot/internal/config"
	"telegram-contest-bot/internal/handler"
	"telegram-contest-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot        *tele.Bot
	cfg        *config.Config
	dispatcher *Dispatcher
	dedup      *Deduper
	contests   *service.ContestService

	// Handlers
	startHandler   *handler.StartHandler
	contestHandler *handler.ContestHandler
	helpHandler    *handler.HelpHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config      *config.Config
	Dispatcher  *Dispatcher
	Dedup       *Deduper
	Contests    *service.ContestService
	Channels    *service.ChannelService
	Invitations *service.InvitationService
	Attribution *service.AttributionService
	Users       *service.UserService
}

// New creates a new Bot instance with the given dependencies.
func New(teleBot *tele.Bot, deps *Dependencies) (*Bot, error) {
	if teleBot == nil {
		return nil, fmt.Errorf("telebot instance is required")
	}

	b := &Bot{
		bot:        teleBot,
		cfg:        deps.Config,
		dispatcher: deps.Dispatcher,
		dedup:      deps.Dedup,
		contests:   deps.Contests,
	}

	b.startHandler = handler.NewStartHandler(deps.Users, deps.Channels, deps.Invitations, deps.Attribution, deps.Contests)
	b.contestHandler = handler.NewContestHandler(deps.Users, deps.Channels, deps.Contests, deps.Invitations, deps.Config.Contest.DefaultPrizeCount)
	b.helpHandler = handler.NewHelpHandler()

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// NewPoller builds the long poller subscribed to the update kinds the bot
// acts on. chat_member is not in Telegram's default set and must be asked
// for explicitly.
func NewPoller(cfg *config.Config) *tele.LongPoller {
	return &tele.LongPoller{
		Timeout: cfg.Bot.PollTimeout,
		AllowedUpdates: []string{
			"message",
			"callback_query",
			"chat_member",
			"my_chat_member",
		},
	}
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
	b.bot.Use(DedupMiddleware(b.dedup))
}

// registerHandlers registers all command and event handlers.
func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.startHandler.HandleStart)
	b.bot.Handle("/help", b.helpHandler.HandleHelp)

	b.bot.Handle("/newcontest", b.contestHandler.HandleNewContest)
	b.bot.Handle("/startcontest", b.contestHandler.HandleStartContest)
	b.bot.Handle("/endcontest", b.contestHandler.HandleEndContest)
	b.bot.Handle("/winners", b.contestHandler.HandleWinners)
	b.bot.Handle("/list", b.contestHandler.HandleList)
	b.bot.Handle("/rank", b.contestHandler.HandleRank)

	// Bulk delivery runs as a separate process; the live bot only points at it.
	b.bot.Handle("/broadcast", b.handleBroadcastUnavailable)

	b.bot.Handle(tele.OnChatMember, b.handleChatMember)
	b.bot.Handle(tele.OnUserJoined, b.handleUserJoined)
	b.bot.Handle(tele.OnUserLeft, b.handleUserLeft)
}

func (b *Bot) handleBroadcastUnavailable(c tele.Context) error {
	log.Warn().
		Int64("user_id", senderID(c)).
		Err(service.ErrFeatureUnavailable).
		Msg("broadcast requested in live mode")
	return c.Reply("Broadcast runs as a separate maintenance job, not from chat.")
}

// handleChatMember converts a chat_member update into a membership event and
// hands it to the dispatcher pool.
func (b *Bot) handleChatMember(c tele.Context) error {
	upd := c.ChatMember()
	if upd == nil || upd.Chat == nil || upd.NewChatMember == nil || upd.NewChatMember.User == nil {
		return b.dispatcher.Dispatch(OtherUpdate{UpdateID: c.Update().ID})
	}

	return b.dispatcher.Dispatch(MembershipChanged{
		UpdateID:  c.Update().ID,
		ChannelID: upd.Chat.ID,
		UserID:    upd.NewChatMember.User.ID,
		Joined:    isInside(upd.NewChatMember.Role),
	})
}

// handleUserJoined covers plain groups where Telegram emits service messages
// instead of chat_member updates.
func (b *Bot) handleUserJoined(c tele.Context) error {
	joined := c.Message().UserJoined
	if joined == nil || c.Chat() == nil {
		return b.dispatcher.Dispatch(OtherUpdate{UpdateID: c.Update().ID})
	}
	return b.dispatcher.Dispatch(MembershipChanged{
		UpdateID:  c.Update().ID,
		ChannelID: c.Chat().ID,
		UserID:    joined.ID,
		Joined:    true,
	})
}

func (b *Bot) handleUserLeft(c tele.Context) error {
	left := c.Message().UserLeft
	if left == nil || c.Chat() == nil {
		return b.dispatcher.Dispatch(OtherUpdate{UpdateID: c.Update().ID})
	}
	return b.dispatcher.Dispatch(MembershipChanged{
		UpdateID:  c.Update().ID,
		ChannelID: c.Chat().ID,
		UserID:    left.ID,
		Joined:    false,
	})
}

// isInside reports whether a chat member role counts as being in the chat.
func isInside(role tele.MemberStatus) bool {
	switch role {
	case tele.Creator, tele.Administrator, tele.Member, tele.Restricted:
		return true
	default:
		return false
	}
}

func senderID(c tele.Context) int64 {
	if s := c.Sender(); s != nil {
		return s.ID
	}
	return 0
}

// announceExpired posts an end-of-contest notice for contests the scheduler
// closed for accepting credit.
func (b *Bot) announceExpired(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case contest := <-b.contests.Expired():
			text := fmt.Sprintf("Contest %q has ended! The owner can reveal winners with /winners %d.", contest.Name, contest.ID)
			if _, err := b.bot.Send(tele.ChatID(contest.ChannelID), text); err != nil {
				log.Error().
					Err(err).
					Int64("channel_id", contest.ChannelID).
					Msg("failed to announce ended contest")
			}
		}
	}
}

// Start starts polling and the expiry announcer. Blocks until Stop.
func (b *Bot) Start(ctx context.Context) {
	log.Info().Msg("Starting bot...")

	announceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.announceExpired(announceCtx)

	b.bot.Start()
}

// Stop stops polling and waits for in-flight membership handlers.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()

	done := make(chan struct{})
	go func() {
		_ = b.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("timed out waiting for in-flight handlers")
	}
}
