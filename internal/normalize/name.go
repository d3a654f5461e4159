package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixRe matches one trailing legal-entity token, tolerating a
// trailing period and a separating comma.
var legalSuffixRe = regexp.MustCompile(`(?i)[\s,]+(llc|l\.l\.c|inc|corp|ltd|pc|p\.c|pllc)\.?[\s,]*$`)

var multiSpaceRe = regexp.MustCompile(`\s+`)

// NormalizeName trims a display name, collapses internal whitespace and strips
// trailing legal suffixes (LLC, INC, CORP, LTD, PC, PLLC). Case is preserved.
// A name consisting only of a suffix is left as-is.
func NormalizeName(name string) string {
	name = strings.TrimSpace(multiSpaceRe.ReplaceAllString(name, " "))
	for {
		stripped := strings.TrimSpace(legalSuffixRe.ReplaceAllString(name, ""))
		if stripped == name || stripped == "" {
			break
		}
		name = stripped
	}
	return strings.TrimRight(name, " ,")
}

// MatchName is the comparison form of a name: NormalizeName, then Fold.
func MatchName(name string) string {
	return Fold(NormalizeName(name))
}

// Fold lowercases s, folds diacritics, spells '&' as "and" and replaces
// punctuation with spaces.
func Fold(s string) string {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return ""
	}
	name = foldDiacritics(name)
	name = strings.ReplaceAll(name, "&", " and ")

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '\'' || r == '’':
			// "mary's" -> "marys"
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(b.String(), " "))
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
