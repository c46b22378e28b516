package engine

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify turns a display name into a URL slug: accents stripped, lowercase,
// whitespace and "&" turned into hyphens ("&" reads "et"), anything outside
// [a-z0-9_-] dropped, hyphen runs collapsed and trimmed.
func Slugify(s string) string {
	plain, _, err := transform.String(stripMarks, s)
	if err != nil {
		plain = s
	}
	plain = strings.TrimSpace(strings.ToLower(plain))

	var b strings.Builder
	b.Grow(len(plain))
	inSpace := false
	for _, r := range plain {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('-')
			}
			inSpace = true
			continue
		}
		inSpace = false
		switch {
		case r == '&':
			b.WriteString("-et-")
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}

	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return strings.Trim(out, "-")
}
