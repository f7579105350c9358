package blocklist

import (
	"strings"
	"unicode"
)

// Normalize lowercases s, folds Turkish diacritics to their Latin base
// letters and strips one leading "www.", "http://" and "https://" in that
// order.
func Normalize(s string) string {
	n := foldDiacritics(toLower(s))
	n = strings.TrimPrefix(n, "www.")
	n = strings.TrimPrefix(n, "http://")
	n = strings.TrimPrefix(n, "https://")
	return n
}

// StripSeparators removes '-', '_' and '.' so that keywords split across
// labels or hyphenated still match.
func StripSeparators(s string) string {
	return separatorStripper.Replace(s)
}

// DecodeLeet maps every known leet substitute back to its base letter.
// Characters that are not substitutes are lowercased and kept.
func DecodeLeet(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		sb.WriteRune(decodeLeetRune(r))
	}
	return sb.String()
}

var separatorStripper = strings.NewReplacer("-", "", "_", "", ".", "")

func toLower(s string) string {
	return strings.ToLower(s)
}

func foldDiacritics(s string) string {
	return strings.Map(func(r rune) rune {
		if base, ok := diacriticTable[r]; ok {
			return base
		}
		return r
	}, s)
}

func decodeLeetRune(r rune) rune {
	for _, entry := range leetTable {
		if r == entry.letter {
			return entry.letter
		}
		for _, sub := range entry.subs {
			if r == sub {
				return entry.letter
			}
		}
	}
	return unicode.ToLower(r)
}
