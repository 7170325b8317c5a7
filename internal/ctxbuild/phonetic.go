package ctxbuild

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minPhoneticRunes skips short words, whose metaphone codes collide with
	// almost every name.
	minPhoneticRunes = 4
)

// PhoneticOption is a functional option for configuring a [PhoneticMatcher].
type PhoneticOption func(*PhoneticMatcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default: 0.80.
func WithPhoneticThreshold(threshold float64) PhoneticOption {
	return func(m *PhoneticMatcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic code overlaps. Default: 0.90.
func WithFuzzyThreshold(threshold float64) PhoneticOption {
	return func(m *PhoneticMatcher) { m.fuzzyThreshold = threshold }
}

// PhoneticMatcher finds misspelled entity names ("Elenna" for "Elena") using
// Double Metaphone candidate filtering ranked by Jaro-Winkler similarity.
// It is read-only after construction and safe for concurrent use.
type PhoneticMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewPhoneticMatcher returns a [PhoneticMatcher] with the supplied options.
func NewPhoneticMatcher(opts ...PhoneticOption) *PhoneticMatcher {
	m := &PhoneticMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MatchesAny reports whether any word in text sounds like any word of term.
// Words shorter than four runes are ignored on both sides.
func (m *PhoneticMatcher) MatchesAny(text string, term string) bool {
	termWords := significantWords(term)
	if len(termWords) == 0 {
		return false
	}
	termCodes := make([]map[string]struct{}, len(termWords))
	for i, w := range termWords {
		termCodes[i] = codesFor(w)
	}

	for _, w := range significantWords(text) {
		wc := codesFor(w)
		for i, tw := range termWords {
			score := matchr.JaroWinkler(w, tw, false)
			if codesOverlap(wc, termCodes[i]) {
				if score >= m.phoneticThreshold {
					return true
				}
			} else if score >= m.fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

func significantWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimSuffix(strings.Trim(f, "'"), "'s")
		if utf8.RuneCountInString(f) >= minPhoneticRunes {
			out = append(out, f)
		}
	}
	return out
}

// codesFor returns the Double Metaphone codes of word. Empty codes are
// excluded.
func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
