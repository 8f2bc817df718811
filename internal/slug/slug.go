// Package slug derives comparison keys and URL identifiers from titles.
package slug

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fallback is used when neither the title nor its key yields any slug characters.
const Fallback = "ruya"

var turkishFold = strings.NewReplacer(
	"ç", "c",
	"ğ", "g",
	"ı", "i",
	"ö", "o",
	"ş", "s",
	"ü", "u",
)

// Normalize returns the deduplication key of a title: Turkish-aware lower case,
// diacritics folded, punctuation dropped and whitespace collapsed.
func Normalize(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return ""
	}

	// Casers and transformers keep state, so they are built per call.
	s = cases.Lower(language.Turkish).String(s)
	s = turkishFold.Replace(s)
	if folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s); err == nil {
		s = folded
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_', r == '-', unicode.IsSpace(r):
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Slugify returns the URL-safe form of a title, or "" when nothing survives.
func Slugify(input string) string {
	normalized := strings.ToLower(Normalize(input))

	var b strings.Builder
	b.Grow(len(normalized))
	lastDash := true
	for _, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	return strings.Trim(b.String(), "-")
}

// Base picks the slug root for a title: the title itself, then its key, then Fallback.
func Base(title, normalized string) string {
	if s := Slugify(title); s != "" {
		return s
	}
	if s := Slugify(normalized); s != "" {
		return s
	}
	return Fallback
}

// WithSuffix returns the n-th candidate for base; n < 2 returns base unchanged.
func WithSuffix(base string, n int) string {
	if n < 2 {
		return base
	}
	return base + "-" + strconv.Itoa(n)
}

// NextFree returns the first candidate base, base-2, base-3, ... not reported taken.
func NextFree(base string, taken func(candidate string) bool) string {
	for n := 1; ; n++ {
		candidate := WithSuffix(base, n)
		if !taken(candidate) {
			return candidate
		}
	}
}
