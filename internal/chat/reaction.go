package chat

import "strings"

// canonicalEmoji maps each canonical reaction tag to its Unicode form.
// Clients may send either; both normalize to the tag.
var canonicalEmoji = map[string]string{
	"thumbs_up":   "\U0001F44D",
	"thumbs_down": "\U0001F44E",
	"love":        "❤️",
	"laugh":       "\U0001F602",
	"wow":         "\U0001F62E",
	"sad":         "\U0001F622",
	"angry":       "\U0001F620",
	"fire":        "\U0001F525",
	"party":       "\U0001F389",
	"check":       "✅",
	"cross":       "❌",
	"eyes":        "\U0001F440",
}

// tag aliases kept for older clients.
var reactionAliases = map[string]string{
	"like":    "thumbs_up",
	"dislike": "thumbs_down",
	"heart":   "love",
}

var emojiToTag = func() map[string]string {
	m := make(map[string]string, len(canonicalEmoji))
	for tag, emoji := range canonicalEmoji {
		m[emoji] = tag
	}
	return m
}()

// NormalizeReaction maps a client-supplied reaction onto its stored form:
// canonical tags and their Unicode equivalents collapse to the tag, and
// short alphanumeric custom tags pass through lowercased. Anything else is
// rejected.
func NormalizeReaction(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidInput("reaction is empty")
	}
	if tag, ok := emojiToTag[s]; ok {
		return tag, nil
	}
	lower := strings.ToLower(s)
	if alias, ok := reactionAliases[lower]; ok {
		return alias, nil
	}
	if _, ok := canonicalEmoji[lower]; ok {
		return lower, nil
	}
	if customTagRe.MatchString(s) {
		return lower, nil
	}
	return "", ErrInvalidInput("unsupported reaction " + s)
}

// EmojiFor returns the Unicode form of a canonical tag, or the tag itself
// for custom reactions.
func EmojiFor(tag string) string {
	if emoji, ok := canonicalEmoji[tag]; ok {
		return emoji
	}
	return tag
}
