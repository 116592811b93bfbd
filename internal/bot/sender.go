package bot

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v3"

	"telegram-contest-bot/internal/service"
)

// TelegramSender adapts a telebot instance to the broadcast sender contract,
// classifying API failures into permanent and transient.
type TelegramSender struct {
	bot *tele.Bot
}

// NewTelegramSender creates a new TelegramSender instance.
func NewTelegramSender(bot *tele.Bot) *TelegramSender {
	return &TelegramSender{bot: bot}
}

// Send delivers text to a chat. Flood-control responses sleep out the
// advertised delay and return transient so the retry layer tries again.
func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.bot.Send(tele.ChatID(chatID), text, tele.ModeMarkdownV2)
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(flood.RetryAfter) * time.Second):
		}
		return err
	}

	if isPermanentSendError(err) {
		return &service.PermanentSendError{Err: err}
	}
	return err
}

// isPermanentSendError reports failures no retry can fix: the target is gone
// or refuses messages.
func isPermanentSendError(err error) bool {
	permanent := []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrChatNotFound,
		tele.ErrNotStartedByUser,
		tele.ErrKickedFromGroup,
		tele.ErrKickedFromSuperGroup,
		tele.ErrKickedFromChannel,
		tele.ErrNoRightsToSend,
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
