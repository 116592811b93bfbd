package handler

import (
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	tele "gopkg.in/telebot.v3"

	"telegram-contest-bot/internal/model"
)

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, "plain text", escapeMarkdownV2("plain text"))
	assert.Equal(t, "a\\_b\\*c\\[d\\]", escapeMarkdownV2("a_b*c[d]"))
	assert.Equal(t, "1\\. done\\!", escapeMarkdownV2("1. done!"))
	assert.Equal(t, "x \\- y \\| z", escapeMarkdownV2("x - y | z"))
}

// TestWinnerBoard_ASCIIAndEscaped pins the board template: separators are
// escaped ASCII hyphens, and the template itself never introduces non-ASCII
// characters around the user-controlled fields.
func TestWinnerBoard_ASCIIAndEscaped(t *testing.T) {
	contest := &model.Contest{Name: "Summer", Prize: "Sticker pack"}
	ranking := []*model.Rank{
		{
			Position:    1,
			Invitation:  &model.Invitation{JoinedCount: 7},
			Participant: &model.User{FirstName: "Alice"},
		},
	}

	board := winnerBoard(contest, ranking)
	assert.Contains(t, board, "1\\. Alice \\- 7 invited")
	for _, r := range board {
		assert.True(t, r <= unicode.MaxASCII, "non-ASCII rune %q in board", r)
	}
}

func TestParseID(t *testing.T) {
	id, ok := parseID("42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	id, ok = parseID("  7 ")
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	for _, bad := range []string{"", "abc", "-3", "0", "1 2"} {
		_, ok := parseID(bad)
		assert.False(t, ok, "payload %q should not parse", bad)
	}
}

func TestIsDigits(t *testing.T) {
	assert.True(t, isDigits("123"))
	assert.False(t, isDigits(""))
	assert.False(t, isDigits("12a"))
	assert.False(t, isDigits("-1"))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "@alice", displayName(&tele.User{Username: "alice", FirstName: "Alice"}))
	assert.Equal(t, "Alice Smith", displayName(&tele.User{FirstName: "Alice", LastName: "Smith"}))
	assert.Equal(t, "Alice", displayName(&tele.User{FirstName: "Alice"}))
}

func TestOptional(t *testing.T) {
	assert.Nil(t, optional(""))
	v := optional("x")
	assert.NotNil(t, v)
	assert.Equal(t, "x", *v)
}
