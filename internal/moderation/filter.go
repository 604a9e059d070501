// Package moderation provides content screening for marketplace chat. It
// matches message text against a configurable prohibited-word list and
// detects contact information (emails, phone numbers) that must never be
// exchanged through the platform.
package moderation

import (
	"regexp"
	"strings"
)

// Filter screens message text against an ordered list of prohibited terms.
// Single-word terms match on case-insensitive whole-word boundaries so that
// "spam" does not match inside "spamming". Multi-word phrases match as
// case-insensitive substrings regardless of word boundaries.
//
// A Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	terms []term
}

// term is one compiled prohibited entry.
type term struct {
	raw    string
	word   *regexp.Regexp // non-nil for single words
	phrase string         // lowercased phrase for substring matching
}

// NewFilter compiles the given prohibited terms. Empty and whitespace-only
// entries are dropped. Terms containing regexp metacharacters are escaped,
// so entries like "c++" or "$$$" behave as literals and still match as
// whole tokens.
func NewFilter(words []string) *Filter {
	f := &Filter{terms: make([]term, 0, len(words))}

	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}

		if strings.ContainsAny(w, " \t") {
			f.terms = append(f.terms, term{raw: w, phrase: strings.ToLower(w)})
			continue
		}

		f.terms = append(f.terms, term{raw: w, word: compileWord(w)})
	}

	return f
}

// compileWord builds the whole-word pattern for one term. `\b` only asserts
// a word/non-word transition, so for terms whose first or last rune is not a
// word character (like "c++" or "100%") the corresponding edge is anchored
// on an explicit non-word character or the text boundary instead.
func compileWord(w string) *regexp.Regexp {
	runes := []rune(w)

	var b strings.Builder
	b.WriteString(`(?i)`)
	if isWordRune(runes[0]) {
		b.WriteString(`\b`)
	} else {
		b.WriteString(`(?:^|[^\w])`)
	}
	b.WriteString(regexp.QuoteMeta(w))
	if isWordRune(runes[len(runes)-1]) {
		b.WriteString(`\b`)
	} else {
		b.WriteString(`(?:$|[^\w])`)
	}
	return regexp.MustCompile(b.String())
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Match returns the prohibited terms found in text, in the order the terms
// were configured. The returned slice is empty (nil) for clean text.
func (f *Filter) Match(text string) []string {
	if text == "" || len(f.terms) == 0 {
		return nil
	}

	var matched []string
	lower := strings.ToLower(text)

	for _, t := range f.terms {
		if t.word != nil {
			if t.word.MatchString(text) {
				matched = append(matched, t.raw)
			}
			continue
		}
		if strings.Contains(lower, t.phrase) {
			matched = append(matched, t.raw)
		}
	}

	return matched
}

// Size returns the number of compiled terms.
func (f *Filter) Size() int {
	return len(f.terms)
}
