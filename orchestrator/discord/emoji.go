package discord

import (
	"strings"
	"unicode/utf8"
)

// LetteredEmojis are the regional indicators 🇦 through 🇯, the default
// option markers and the terminal fallback for unrenderable emojis.
var LetteredEmojis = []string{
	"\U0001F1E6", "\U0001F1E7", "\U0001F1E8", "\U0001F1E9", "\U0001F1EA",
	"\U0001F1EB", "\U0001F1EC", "\U0001F1ED", "\U0001F1EE", "\U0001F1EF",
}

// emojiAliases maps common shortcode names to unicode, for custom emojis
// whose name happens to match a well-known alias.
var emojiAliases = map[string]string{
	"thumbsup":    "\U0001F44D",
	"thumbsdown":  "\U0001F44E",
	"heart":       "❤️",
	"fire":        "\U0001F525",
	"star":        "⭐",
	"check":       "✅",
	"white_check_mark": "✅",
	"x":           "❌",
	"one":         "1️⃣",
	"two":         "2️⃣",
	"three":       "3️⃣",
	"four":        "4️⃣",
	"five":        "5️⃣",
	"tada":        "\U0001F389",
	"eyes":        "\U0001F440",
	"thinking":    "\U0001F914",
}

// IsCustomEmoji reports whether the token is a custom emoji reference of the
// form <:name:id> or <a:name:id>.
func IsCustomEmoji(token string) bool {
	return strings.HasPrefix(token, "<") && strings.HasSuffix(token, ">") && strings.Count(token, ":") >= 2
}

// ParseCustomEmoji splits <a:name:id> into (name, id). Returns ok=false for
// tokens that are not custom emoji references.
func ParseCustomEmoji(token string) (name, id string, ok bool) {
	if !IsCustomEmoji(token) {
		return "", "", false
	}
	inner := strings.Trim(token, "<>")
	parts := strings.Split(inner, ":")
	if len(parts) == 3 {
		return parts[1], parts[2], true
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return "", "", false
}

// ResolveEmoji returns a reaction-safe emoji for option index i, falling
// through: custom emojis the bot can render are kept; otherwise an alias
// lookup on the custom name, then single-character extraction, then the
// lettered default.
//
// renderable reports whether a custom emoji id is usable by the bot; pass
// nil to treat all custom emojis as unrenderable (e.g. during recovery when
// the guild emoji list is unknown).
func ResolveEmoji(token string, i int, renderable func(id string) bool) string {
	if token == "" {
		return letterFor(i)
	}
	name, id, isCustom := ParseCustomEmoji(token)
	if !isCustom {
		return token
	}
	if renderable != nil && renderable(id) {
		return token
	}
	if unicode, ok := emojiAliases[strings.ToLower(name)]; ok {
		return unicode
	}
	// A single-rune name like "✅" sneaks through some clients as a custom
	// token; extract it.
	if utf8.RuneCountInString(name) == 1 {
		return name
	}
	return letterFor(i)
}

func letterFor(i int) string {
	if i < 0 || i >= len(LetteredEmojis) {
		return LetteredEmojis[0]
	}
	return LetteredEmojis[i]
}

// EmojiMatchesToken reports whether a gateway reaction emoji corresponds to
// a stored option token (unicode equality, or custom id equality).
func EmojiMatchesToken(e Emoji, token string) bool {
	if _, id, ok := ParseCustomEmoji(token); ok {
		return e.ID != "" && e.ID == id
	}
	return e.ID == "" && e.Name == token
}
