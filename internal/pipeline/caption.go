package pipeline

import (
	"fmt"
	"strings"

	"dahliabot/internal/e621"
)

const (
	unknownArtist = "Unknown Artist"
	noCharacter   = "No specific character"
)

// mdSpecials are the characters MarkdownV2 requires escaped in regular text.
const mdSpecials = "\\_*[]()~`>#+-=|{}.!"

// EscapeMarkdown escapes s for MarkdownV2. It normalizes first (drops any
// pre-existing escape backslashes) and then escapes exactly once, so the
// function is idempotent: EscapeMarkdown(EscapeMarkdown(s)) == EscapeMarkdown(s).
func EscapeMarkdown(s string) string {
	var plain strings.Builder
	plain.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(mdSpecials, s[i+1]) >= 0 {
			continue
		}
		plain.WriteByte(s[i])
	}

	var out strings.Builder
	out.Grow(plain.Len() + 8)
	for _, c := range []byte(plain.String()) {
		if strings.IndexByte(mdSpecials, c) >= 0 {
			out.WriteByte('\\')
		}
		out.WriteByte(c)
	}
	return out.String()
}

// RenderCaption builds the message caption for a post: artist and character
// lists (with sentinels when empty), score, favorite count, and a deep link
// back to the post page. All free-text fields are escaped; the link URL is
// digits-only and needs none.
func RenderCaption(p e621.Post) string {
	return fmt.Sprintf("*Artist:* %s\n*Characters:* %s\n*Score:* %d\n*Favorites:* %d\n[Original Post](%s)",
		EscapeMarkdown(joinOr(p.ArtistTags(), unknownArtist)),
		EscapeMarkdown(joinOr(p.CharacterTags(), noCharacter)),
		p.Score.Total,
		p.FavCount,
		p.PageURL(),
	)
}

func joinOr(tags []string, sentinel string) string {
	if len(tags) == 0 {
		return sentinel
	}
	return strings.Join(tags, ", ")
}
