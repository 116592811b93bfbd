package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-contest-bot/internal/model"
	"telegram-contest-bot/internal/repository"
	"telegram-contest-bot/internal/service"
)

// rankBoardSize caps how many places /rank shows.
const rankBoardSize = 10

// ContestHandler handles contest lifecycle and standings commands.
type ContestHandler struct {
	users             *service.UserService
	channels          *service.ChannelService
	contests          *service.ContestService
	invitations       *service.InvitationService
	defaultPrizeCount int
}

// NewContestHandler creates a new ContestHandler.
func NewContestHandler(
	users *service.UserService,
	channels *service.ChannelService,
	contests *service.ContestService,
	invitations *service.InvitationService,
	defaultPrizeCount int,
) *ContestHandler {
	return &ContestHandler{
		users:             users,
		channels:          channels,
		contests:          contests,
		invitations:       invitations,
		defaultPrizeCount: defaultPrizeCount,
	}
}

// HandleNewContest handles /newcontest, run inside the registered chat.
// Format: /newcontest <name> | <end time RFC3339 or -> | <prize> [| prize count]
func (h *ContestHandler) HandleNewContest(c tele.Context) error {
	ctx := context.Background()
	sender, chat := c.Sender(), c.Chat()
	if sender == nil || chat == nil {
		return nil
	}
	if chat.Type == tele.ChatPrivate {
		return c.Reply("Run /newcontest inside the registered chat.")
	}

	if _, err := h.users.EnsureUser(ctx, sender.ID, sender.FirstName, optional(sender.LastName), optional(sender.Username)); err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("failed to upsert user")
		return c.Reply("Something went wrong, please try again later.")
	}

	parts := strings.Split(c.Message().Payload, "|")
	if len(parts) < 3 {
		return c.Reply("Usage: /newcontest <name> | <end time RFC3339 or -> | <prize> [| prize count]")
	}

	var endAt *time.Time
	if raw := strings.TrimSpace(parts[1]); raw != "-" && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Reply("End time must be RFC3339, e.g. 2026-09-01T18:00:00Z, or - for none.")
		}
		endAt = &t
	}

	prizeCount := h.defaultPrizeCount
	if len(parts) >= 4 {
		n, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			return c.Reply("Prize count must be a number.")
		}
		prizeCount = n
	}

	contest, err := h.contests.Create(ctx, chat.ID, sender.ID, parts[0], parts[2], prizeCount, endAt)
	if err != nil {
		return h.replyError(c, err)
	}

	return c.Reply(fmt.Sprintf(
		"Contest %q created as draft (id %d, %d prize(s)).\nActivate it with /startcontest %d.",
		contest.Name, contest.ID, contest.PrizeCount, contest.ID,
	))
}

// HandleStartContest handles /startcontest <id> and announces the contest in
// its channel with the public entry link.
func (h *ContestHandler) HandleStartContest(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	contestID, ok := parseID(c.Message().Payload)
	if !ok {
		return c.Reply("Usage: /startcontest <id>")
	}

	contest, err := h.contests.Start(ctx, contestID, sender.ID)
	if err != nil {
		return h.replyError(c, err)
	}

	announcement := fmt.Sprintf(
		"Contest %q is on! Prize: %s.\nGet your personal invite link: %s",
		contest.Name, contest.Prize, h.invitations.JoinLink(contest.ID),
	)
	if _, err := c.Bot().Send(tele.ChatID(contest.ChannelID), announcement); err != nil {
		log.Error().Err(err).Int64("channel_id", contest.ChannelID).Msg("failed to announce contest start")
	}

	return c.Reply(fmt.Sprintf("Contest %d is now active.", contest.ID))
}

// HandleEndContest handles /endcontest <id>. Joins after this are recorded
// but never credited.
func (h *ContestHandler) HandleEndContest(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	contestID, ok := parseID(c.Message().Payload)
	if !ok {
		return c.Reply("Usage: /endcontest <id>")
	}

	contest, err := h.contests.End(ctx, contestID, sender.ID)
	if err != nil {
		return h.replyError(c, err)
	}

	text := fmt.Sprintf("Contest %q has ended! Winners will be revealed with /winners %d.", contest.Name, contest.ID)
	if _, err := c.Bot().Send(tele.ChatID(contest.ChannelID), text); err != nil {
		log.Error().Err(err).Int64("channel_id", contest.ChannelID).Msg("failed to announce contest end")
	}

	return c.Reply(fmt.Sprintf("Contest %d is now ended.", contest.ID))
}

// HandleWinners handles /winners <id>: closes an Ended contest, persists the
// winner list and announces it. For an already Closed contest it just shows
// the board again.
func (h *ContestHandler) HandleWinners(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	contestID, ok := parseID(c.Message().Payload)
	if !ok {
		return c.Reply("Usage: /winners <id>")
	}

	contest, ranking, err := h.contests.Close(ctx, contestID, sender.ID)
	if err != nil {
		var transition *service.InvalidTransitionError
		if errors.As(err, &transition) && transition.Current == model.ContestClosed {
			return h.showClosedWinners(ctx, c, contestID)
		}
		return h.replyError(c, err)
	}

	board := winnerBoard(contest, ranking)
	if _, err := c.Bot().Send(tele.ChatID(contest.ChannelID), board, tele.ModeMarkdownV2); err != nil {
		log.Error().Err(err).Int64("channel_id", contest.ChannelID).Msg("failed to announce winners")
	}

	return c.Reply(fmt.Sprintf("Contest %d is closed, winners announced.", contest.ID))
}

// showClosedWinners re-renders a Closed contest's board. Standings are
// frozen once a contest leaves Active, so the ranking still matches the
// persisted winner list.
func (h *ContestHandler) showClosedWinners(ctx context.Context, c tele.Context, contestID int64) error {
	contest, err := h.contests.Get(ctx, contestID)
	if err != nil {
		return h.replyError(c, err)
	}
	ranking, err := h.contests.Ranking(ctx, contestID)
	if err != nil {
		return h.replyError(c, err)
	}
	if len(ranking) > contest.PrizeCount {
		ranking = ranking[:contest.PrizeCount]
	}
	return c.Reply(winnerBoard(contest, ranking), tele.ModeMarkdownV2)
}

// HandleList handles /list: the sender's channels and their contests.
func (h *ContestHandler) HandleList(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	channels, err := h.channels.ListByOwner(ctx, sender.ID)
	if err != nil {
		return h.replyError(c, err)
	}
	if len(channels) == 0 {
		return c.Reply("You have no registered channels. Send /start in a chat to register it.")
	}

	var b strings.Builder
	for _, ch := range channels {
		fmt.Fprintf(&b, "%s (id %d)\n", ch.Title, ch.ID)
		contests, err := h.contests.ListByChannel(ctx, ch.ID)
		if err != nil {
			return h.replyError(c, err)
		}
		if len(contests) == 0 {
			b.WriteString("  no contests yet\n")
			continue
		}
		for _, ct := range contests {
			fmt.Fprintf(&b, "  #%d %q - %s\n", ct.ID, ct.Name, ct.State)
		}
	}
	return c.Reply(b.String())
}

// HandleRank handles /rank inside a chat: standings of its active contest.
func (h *ContestHandler) HandleRank(c tele.Context) error {
	ctx := context.Background()
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	if chat.Type == tele.ChatPrivate {
		return c.Reply("Run /rank inside a contest chat.")
	}

	contest, err := h.contests.Active(ctx, chat.ID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return c.Reply("No contest is running here right now.")
		}
		return h.replyError(c, err)
	}

	ranking, err := h.contests.Ranking(ctx, contest.ID)
	if err != nil {
		return h.replyError(c, err)
	}
	if len(ranking) == 0 {
		return c.Reply(fmt.Sprintf("No one has an invite link for %q yet. Be the first!", contest.Name))
	}
	if len(ranking) > rankBoardSize {
		ranking = ranking[:rankBoardSize]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* standings:\n", escapeMarkdownV2(contest.Name))
	for _, r := range ranking {
		fmt.Fprintf(&b, "%d\\. %s \\- %d\n", r.Position, escapeMarkdownV2(r.Participant.DisplayName()), r.Invitation.JoinedCount)
	}
	return c.Reply(b.String(), tele.ModeMarkdownV2)
}

// winnerBoard renders the final board of a contest, MarkdownV2 escaped.
func winnerBoard(contest *model.Contest, ranking []*model.Rank) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* is over\\!\n", escapeMarkdownV2(contest.Name))
	if len(ranking) == 0 {
		b.WriteString("No participants this time\\.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Prize: %s\n\n", escapeMarkdownV2(contest.Prize))
	for i, r := range ranking {
		fmt.Fprintf(&b, "%d\\. %s \\- %d invited\n", i+1, escapeMarkdownV2(r.Participant.DisplayName()), r.Invitation.JoinedCount)
	}
	return b.String()
}

// parseID parses a command payload holding one numeric id.
func parseID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// replyError maps service and repository errors to user-facing replies.
func (h *ContestHandler) replyError(c tele.Context, err error) error {
	var transition *service.InvalidTransitionError
	switch {
	case errors.Is(err, service.ErrNotChannelOwner):
		return c.Reply("Only the channel owner can do that.")
	case errors.Is(err, service.ErrValidation):
		return c.Reply(fmt.Sprintf("Invalid request: %v", err))
	case errors.Is(err, repository.ErrActiveContestExists):
		return c.Reply("This channel already has an active contest. End it first.")
	case errors.Is(err, repository.ErrContestNotFound):
		return c.Reply("No such contest.")
	case errors.Is(err, repository.ErrChannelNotFound):
		return c.Reply("This chat is not registered. Send /start here first.")
	case errors.As(err, &transition):
		return c.Reply(fmt.Sprintf("Can't do that: the contest is %s.", transition.Current))
	}

	log.Error().Err(err).Msg("contest command failed")
	return c.Reply("Something went wrong, please try again later.")
}
