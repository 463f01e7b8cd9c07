package format

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ParseResult contains plain text and message entities
type ParseResult struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

// UTF16Len returns the length of s in UTF-16 code units, the unit Telegram
// uses for entity offsets.
func UTF16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

var (
	headerRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)$`)
	spanRe   = regexp.MustCompile("\\*\\*(.+?)\\*\\*|__(.+?)__|`([^`]+?)`")
)

// ParseMarkdown turns the small Markdown subset used in notifications into
// Telegram entities:
//   - **bold** or __bold__
//   - `code`
//   - # Header, rendered bold
func ParseMarkdown(text string) ParseResult {
	text = headerRe.ReplaceAllString(text, "**$1**")

	var (
		out      strings.Builder
		entities []tgbotapi.MessageEntity
		offset   int
	)
	rest := text
	for {
		loc := spanRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}

		before := rest[:loc[0]]
		out.WriteString(before)
		offset += UTF16Len(before)

		var inner, kind string
		switch {
		case loc[2] != -1:
			inner, kind = rest[loc[2]:loc[3]], "bold"
		case loc[4] != -1:
			inner, kind = rest[loc[4]:loc[5]], "bold"
		default:
			inner, kind = rest[loc[6]:loc[7]], "code"
		}

		n := UTF16Len(inner)
		entities = append(entities, tgbotapi.MessageEntity{Type: kind, Offset: offset, Length: n})
		out.WriteString(inner)
		offset += n
		rest = rest[loc[1]:]
	}

	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Offset < entities[j].Offset })

	return ParseResult{
		Text:     strings.TrimRight(out.String(), " \n"),
		Entities: entities,
	}
}
