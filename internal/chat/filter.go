package chat

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength is the hard protocol ceiling on message content, counted
// in runes. Configuration may lower the effective limit but never raise it.
const MaxMessageLength = 4000

const maxRoomNameLength = 50

// dangerousPatterns are rejected outright. Keyed by name so rejections can
// be logged and counted per pattern.
var dangerousPatterns = map[string]*regexp.Regexp{
	"script_tag":     regexp.MustCompile(`(?i)<\s*/?\s*script`),
	"javascript_url": regexp.MustCompile(`(?i)javascript\s*:`),
	"vbscript_url":   regexp.MustCompile(`(?i)vbscript\s*:`),
	"event_handler":  regexp.MustCompile(`(?i)\bon\w+\s*=`),
	"eval_call":      regexp.MustCompile(`(?i)\beval\s*\(`),
	"dom_access":     regexp.MustCompile(`(?i)\b(document|window)\.(cookie|write|location|open)`),
	"sql_union":      regexp.MustCompile(`(?i)\bunion\s+select\b`),
	"sql_drop":       regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	"sql_delete":     regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	"sql_insert":     regexp.MustCompile(`(?i)\binsert\s+into\b`),
	"exec_call":      regexp.MustCompile(`(?i)\bexec\s*\(`),
	"path_traversal": regexp.MustCompile(`\.\./|\.\.\\`),
	"data_url":       regexp.MustCompile(`(?i)data:(text/html|application)`),
}

// toxicPatterns each add 3 tenths to the toxicity score.
var toxicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bkill\s+yourself\b`),
	regexp.MustCompile(`(?i)\bkys\b`),
	regexp.MustCompile(`(?i)\bgo\s+die\b`),
	regexp.MustCompile(`(?i)\bi\s+will\s+(hurt|kill|find)\s+you\b`),
	regexp.MustCompile(`(?i)\bnobody\s+(likes|wants)\s+you\b`),
}

var spamPhrases = []string{
	"click here",
	"buy now",
	"free money",
	"limited time offer",
	"act now",
	"winner winner",
	"claim your prize",
}

var defaultForbiddenWords = []string{
	"spam",
	"scam",
	"phishing",
	"malware",
}

var (
	roomNameRe  = regexp.MustCompile(`^[a-z0-9_-]+$`)
	whitespace  = regexp.MustCompile(`\s+`)
	customTagRe = regexp.MustCompile(`^[a-zA-Z0-9_]{1,10}$`)
)

// Toxicity scoring in tenths so the threshold comparison stays exact.
const (
	toxicPatternWeight  = 3
	toxicEmphasisWeight = 1
	toxicCapsWeight     = 1
	toxicRejectScore    = 6
)

// Filter validates and sanitizes user-supplied content before it reaches
// persistence or fan-out. The forbidden-word list can grow at runtime; the
// pattern sets are fixed.
type Filter struct {
	maxLen int

	mu        sync.RWMutex
	forbidden []string
}

// NewFilter builds a filter with the given effective length limit. Limits
// outside (0, MaxMessageLength] are clamped to the protocol ceiling.
func NewFilter(maxLen int) *Filter {
	if maxLen <= 0 || maxLen > MaxMessageLength {
		maxLen = MaxMessageLength
	}
	words := make([]string, len(defaultForbiddenWords))
	copy(words, defaultForbiddenWords)
	return &Filter{maxLen: maxLen, forbidden: words}
}

// AddForbiddenWord extends the forbidden substring list at runtime.
func (f *Filter) AddForbiddenWord(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.forbidden {
		if w == word {
			return
		}
	}
	f.forbidden = append(f.forbidden, word)
}

// CheckMessage validates raw content and returns the sanitized form to
// persist and deliver. The returned error, when non-nil, is a domain error
// carrying the rejection reason.
func (f *Filter) CheckMessage(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrInvalidInput("message content is empty")
	}
	if utf8.RuneCountInString(trimmed) > f.maxLen {
		return "", ErrInappropriate(fmt.Sprintf("message exceeds %d characters", f.maxLen))
	}
	if name, hit := f.matchDangerous(trimmed); hit {
		return "", ErrInappropriate("message contains disallowed content: " + name)
	}
	if word, hit := f.matchForbidden(trimmed); hit {
		return "", ErrInappropriate("message contains forbidden term: " + word)
	}
	if reason, hit := detectSpam(trimmed); hit {
		return "", ErrInappropriate("message looks like spam: " + reason)
	}
	if score := toxicityScore(trimmed); score >= toxicRejectScore {
		return "", ErrInappropriate("message rejected by content policy")
	}
	return Sanitize(trimmed), nil
}

// RejectionReason extracts the pattern or heuristic name from a filter
// error message, for metrics labels. Unknown shapes report "other".
func RejectionReason(err error) string {
	de, ok := As(err)
	if !ok {
		return "other"
	}
	switch de.Kind {
	case KindInvalidInput:
		return "empty"
	case KindInappropriate:
		msg := de.Message
		if i := strings.LastIndex(msg, ": "); i >= 0 {
			return msg[i+2:]
		}
		if strings.Contains(msg, "exceeds") {
			return "too_long"
		}
		return "policy"
	default:
		return "other"
	}
}

func (f *Filter) matchDangerous(content string) (string, bool) {
	for name, re := range dangerousPatterns {
		if re.MatchString(content) {
			return name, true
		}
	}
	return "", false
}

func (f *Filter) matchForbidden(content string) (string, bool) {
	lower := strings.ToLower(content)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, word := range f.forbidden {
		if strings.Contains(lower, word) {
			return word, true
		}
	}
	return "", false
}

// detectSpam applies cheap-signal heuristics to content of at least 10
// runes: one dominant character, shouting, symbol floods, or known spam
// phrasing.
func detectSpam(content string) (string, bool) {
	runes := []rune(content)
	if len(runes) < 10 {
		return "", false
	}

	counts := make(map[rune]int, len(runes))
	maxCount := 0
	for _, r := range runes {
		counts[r]++
		if counts[r] > maxCount {
			maxCount = counts[r]
		}
	}
	if float64(maxCount)/float64(len(runes)) > 0.7 {
		return "repeated_chars", true
	}

	if capsRatio(runes) > 0.5 {
		return "excessive_caps", true
	}

	symbols := 0
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	if float64(symbols)/float64(len(runes)) > 0.3 {
		return "excessive_symbols", true
	}

	lower := strings.ToLower(content)
	for _, phrase := range spamPhrases {
		if strings.Contains(lower, phrase) {
			return "spam_phrase", true
		}
	}
	return "", false
}

// capsRatio is uppercase letters over all letters; zero when there are no
// letters.
func capsRatio(runes []rune) float64 {
	letters, upper := 0, 0
	for _, r := range runes {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func toxicityScore(content string) int {
	score := 0
	for _, re := range toxicPatterns {
		if re.MatchString(content) {
			score += toxicPatternWeight
		}
	}
	if strings.Contains(content, "!!!") {
		score += toxicEmphasisWeight
	}
	if capsRatio([]rune(content)) > 0.5 {
		score += toxicCapsWeight
	}
	return score
}

// Sanitize escapes HTML metacharacters, strips control characters, and
// collapses whitespace runs. Safe to call on already-validated content.
func Sanitize(content string) string {
	escaped := html.EscapeString(content)

	var b strings.Builder
	b.Grow(len(escaped))
	for _, r := range escaped {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}

	collapsed := whitespace.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(collapsed)
}

// ValidateRoomName normalizes and validates a room name: lowercase, 1-50
// characters from [a-z0-9_-], free of forbidden terms. Returns the
// normalized name.
func (f *Filter) ValidateRoomName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "", ErrInvalidInput("room name is empty")
	}
	if len(normalized) > maxRoomNameLength {
		return "", ErrInvalidInput(fmt.Sprintf("room name exceeds %d characters", maxRoomNameLength))
	}
	if !roomNameRe.MatchString(normalized) {
		return "", ErrInvalidInput("room name may only contain a-z, 0-9, _ and -")
	}
	if word, hit := f.matchForbidden(normalized); hit {
		return "", ErrInvalidInput("room name contains forbidden term: " + word)
	}
	return normalized, nil
}
