// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-contest-bot/internal/repository"
	"telegram-contest-bot/internal/service"
)

// joinPayloadPrefix marks a /start payload that asks to join a contest, as
// opposed to a referral token. Posted in the contest announcement.
const joinPayloadPrefix = "c"

// StartHandler handles /start in all its roles: channel registration in
// groups, and deep-link entry (contest join or referral click) in private.
type StartHandler struct {
	users       *service.UserService
	channels    *service.ChannelService
	invitations *service.InvitationService
	attribution *service.AttributionService
	contests    *service.ContestService
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(
	users *service.UserService,
	channels *service.ChannelService,
	invitations *service.InvitationService,
	attribution *service.AttributionService,
	contests *service.ContestService,
) *StartHandler {
	return &StartHandler{
		users:       users,
		channels:    channels,
		invitations: invitations,
		attribution: attribution,
		contests:    contests,
	}
}

// HandleStart handles the /start command.
func (h *StartHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	chat := c.Chat()
	if sender == nil || chat == nil {
		return nil
	}

	if _, err := h.users.EnsureUser(ctx, sender.ID, sender.FirstName, optional(sender.LastName), optional(sender.Username)); err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("failed to upsert user")
		return c.Reply("Something went wrong, please try again later.")
	}

	if chat.Type != tele.ChatPrivate {
		return h.registerChannel(ctx, c, chat, sender)
	}

	payload := strings.TrimSpace(c.Message().Payload)
	switch {
	case payload == "":
		return c.Reply("Hi! I run referral contests for channels.\nUse /help to see what I can do.")
	case strings.HasPrefix(payload, joinPayloadPrefix) && isDigits(payload[len(joinPayloadPrefix):]):
		return h.joinContest(ctx, c, sender, payload[len(joinPayloadPrefix):])
	default:
		return h.recordReferral(ctx, c, sender, payload)
	}
}

// registerChannel records the group as a contest channel owned by the sender.
func (h *StartHandler) registerChannel(ctx context.Context, c tele.Context, chat *tele.Chat, sender *tele.User) error {
	link := ""
	if chat.Username != "" {
		link = "https://t.me/" + chat.Username
	}

	ch, err := h.channels.Register(ctx, chat.ID, sender.ID, link, chat.Title)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chat.ID).Msg("failed to register channel")
		return c.Reply("Failed to register this chat, please try again later.")
	}

	if ch.RegisteredBy == sender.ID {
		return c.Reply(fmt.Sprintf(
			"This chat is registered for contests. %s can manage them here.\nCreate one with /newcontest.",
			displayName(sender),
		))
	}
	return c.Reply("This chat is already registered for contests.")
}

// joinContest issues the sender's personal invitation for the contest and
// replies with the shareable deep link.
func (h *StartHandler) joinContest(ctx context.Context, c tele.Context, sender *tele.User, rawID string) error {
	contestID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return c.Reply("That contest link looks broken.")
	}

	inv, err := h.invitations.Issue(ctx, contestID, sender.ID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrContestNotActive):
			return c.Reply("This contest is not running right now.")
		case errors.Is(err, repository.ErrContestNotFound):
			return c.Reply("This contest does not exist.")
		}
		log.Error().Err(err).Int64("contest_id", contestID).Msg("failed to issue invitation")
		return c.Reply("Something went wrong, please try again later.")
	}

	contest, err := h.contests.Get(ctx, contestID)
	if err != nil {
		log.Error().Err(err).Int64("contest_id", contestID).Msg("failed to load contest")
		return c.Reply("Something went wrong, please try again later.")
	}

	return c.Reply(fmt.Sprintf(
		"You are in %q! Your personal invite link:\n%s\n\nEvery new member who joins through it counts for you. Current score: %d.",
		contest.Name, h.invitations.Link(inv), inv.JoinedCount,
	))
}

// recordReferral stores the clicked token so the join, when it arrives, can
// be credited, and points the clicker at the channel.
func (h *StartHandler) recordReferral(ctx context.Context, c tele.Context, sender *tele.User, token string) error {
	inv, err := h.invitations.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrInvitationNotFound) {
			return c.Reply("This invite link is not valid anymore.")
		}
		log.Debug().Err(err).Msg("unresolvable start payload")
		return c.Reply("This invite link looks broken.")
	}

	contest, err := h.contests.Get(ctx, inv.ContestID)
	if err != nil {
		log.Error().Err(err).Int64("contest_id", inv.ContestID).Msg("failed to load contest")
		return c.Reply("Something went wrong, please try again later.")
	}

	if err := h.attribution.RememberReferral(ctx, contest.ChannelID, sender.ID, token); err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("failed to store referral")
		return c.Reply("Something went wrong, please try again later.")
	}

	channel, err := h.channels.Get(ctx, contest.ChannelID)
	if err != nil {
		log.Error().Err(err).Int64("channel_id", contest.ChannelID).Msg("failed to load channel")
		return c.Reply("Something went wrong, please try again later.")
	}

	where := channel.Title
	if channel.Link != "" {
		where = fmt.Sprintf("%s (%s)", channel.Title, channel.Link)
	}
	return c.Reply(fmt.Sprintf(
		"Your friend invited you to %s.\nJoin the channel and the invite will count for them!",
		where,
	))
}

// optional maps telebot's empty-string fields to NULLs.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// displayName formats a Telegram user for replies.
func displayName(u *tele.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// isDigits reports whether s is a non-empty decimal number.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
