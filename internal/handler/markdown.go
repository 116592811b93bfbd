package handler

import "strings"

// markdownV2Escaper escapes every character MarkdownV2 treats as syntax.
var markdownV2Escaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

// escapeMarkdownV2 makes arbitrary text (user names, contest names) safe to
// embed in a MarkdownV2 message.
func escapeMarkdownV2(s string) string {
	return markdownV2Escaper.Replace(s)
}
