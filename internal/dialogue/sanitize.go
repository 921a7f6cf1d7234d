package dialogue

import (
	"strings"
	"unicode"
)

// Sanitize strips control characters and collapses runs of whitespace in
// user-submitted text before it enters the script.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		// Tab and newline are both space and control; whitespace handling
		// has to win so interior runs collapse instead of vanishing.
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ClampLength truncates text to at most max runes.
func ClampLength(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
