// Package sanitize normalizes user queries before they reach the
// orchestration layer.
//
// Sanitization is deliberately lossy but never rejecting: a query that
// changes under sanitization is processed in its sanitized form and
// the deviation is reported to the caller for logging.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxQueryLength caps query size after normalization. Longer input is
// truncated at a rune boundary.
const MaxQueryLength = 4096

// Result reports what sanitization did to the input.
type Result struct {
	Query   string
	Altered bool
}

// Query normalizes raw user input: strips control characters,
// collapses runs of whitespace, trims, enforces valid UTF-8, and caps
// length.
func Query(raw string) Result {
	in := raw
	if !utf8.ValidString(in) {
		in = strings.ToValidUTF8(in, "")
	}

	var b strings.Builder
	b.Grow(len(in))
	lastSpace := false
	for _, r := range in {
		switch {
		case r == '\n' || r == '\t' || unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) > MaxQueryLength {
		runes := []rune(out)
		out = string(runes[:MaxQueryLength])
	}

	return Result{Query: out, Altered: out != raw}
}
