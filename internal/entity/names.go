package entity

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minTermLen is the shortest term that is matched against narrative text.
// Shorter terms ("Al", "Bo") produce far more false positives than hits.
const minTermLen = 3

var leadingArticles = []string{"the ", "a ", "an "}

// NormalizeName lowercases s, drops punctuation other than apostrophes and
// hyphens, collapses whitespace and strips a leading article.
func NormalizeName(s string) string {
	return strings.Join(nameTokens(s), " ")
}

func nameTokens(s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range leadingArticles {
		if after, ok := strings.CutPrefix(s, a); ok {
			s = after
			break
		}
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}

// SameName reports whether a and b name the same thing: equal after
// normalisation, or one is a whole-word run inside the other ("Elena" and
// "Elena the blacksmith's daughter").
func SameName(a, b string) bool {
	ta, tb := nameTokens(a), nameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	if !hasSignificantToken(ta) && len(ta) != len(tb) {
		return false
	}
	for i := 0; i+len(ta) <= len(tb); i++ {
		match := true
		for j := range ta {
			if tb[i+j] != ta[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func hasSignificantToken(tokens []string) bool {
	for _, t := range tokens {
		if utf8.RuneCountInString(t) >= minTermLen {
			return true
		}
	}
	return false
}

// MentionedIn reports whether term occurs in text as a whole word or phrase,
// ignoring case. Terms shorter than three characters never match.
func MentionedIn(text, term string) bool {
	term = matchTerm(term)
	if utf8.RuneCountInString(term) < minTermLen {
		return false
	}
	return mentionedLower(strings.ToLower(text), term)
}

// matchTerm lowercases term and drops a leading article, so "The Tide Court"
// also matches "a Tide Court herald".
func matchTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	for _, a := range leadingArticles {
		if after, ok := strings.CutPrefix(term, a); ok {
			return strings.TrimSpace(after)
		}
	}
	return term
}

// mentionedLower is MentionedIn for inputs that are already lowercased.
func mentionedLower(text, term string) bool {
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
