package call

import (
	"strings"
	"unicode"
)

// PhraseMatcher detects polite-closing phrases in transcripts. Matching is
// case-insensitive, ignores punctuation and only matches whole words.
type PhraseMatcher struct {
	phrases []string
}

func NewPhraseMatcher(phrases []string) *PhraseMatcher {
	m := &PhraseMatcher{}
	for _, p := range phrases {
		if n := normalizePhrase(p); n != "" {
			m.phrases = append(m.phrases, n)
		}
	}
	return m
}

// Match returns the first configured phrase contained in text.
func (m *PhraseMatcher) Match(text string) (string, bool) {
	if m == nil || len(m.phrases) == 0 {
		return "", false
	}
	padded := " " + normalizePhrase(text) + " "
	for _, p := range m.phrases {
		if strings.Contains(padded, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

func normalizePhrase(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return strings.Join(fields, " ")
}
