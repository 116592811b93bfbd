package handler

import (
	tele "gopkg.in/telebot.v3"
)

// HelpHandler serves the static command reference.
type HelpHandler struct{}

// NewHelpHandler creates a new HelpHandler.
func NewHelpHandler() *HelpHandler {
	return &HelpHandler{}
}

const helpText = `Referral contest bot.

In a group or channel discussion:
/start - register this chat for contests (you become its owner)
/rank - current standings of the active contest

As the channel owner:
/newcontest <name> | <end time RFC3339 or -> | <prize> [| prize count] - create a draft contest (run in the chat)
/startcontest <id> - activate a draft contest
/endcontest <id> - stop accepting credited joins
/winners <id> - reveal and announce winners
/list - your channels and their contests

As a participant:
Open the contest link posted in the channel to get your personal invite link.
Share it - every new member who joins through it counts for you.`

// HandleHelp handles the /help command.
func (h *HelpHandler) HandleHelp(c tele.Context) error {
	return c.Reply(helpText)
}
