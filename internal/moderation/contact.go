package moderation

import (
	"regexp"
	"strings"
)

// Compiled token patterns for contact-information detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// emailToken matches a syntactically valid email address occupying a
	// whole token.
	emailToken = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)

	// phoneShape matches the allowed characters of a phone-number token:
	// an optional leading +, digits, and common separators. The digit-count
	// check below rejects short numerics like "100" or version strings
	// whose separators survive tokenization (e.g. "3.14" has too few digits).
	phoneShape = regexp.MustCompile(`^\+?[0-9(][0-9().\-]*[0-9)]$`)
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// ContainsContact reports whether text contains an email address or a phone
// number as a whole token. Surrounding punctuation (trailing commas, periods,
// question marks) is stripped before matching so "call me at 555-123-4567!"
// is still detected.
func ContainsContact(text string) bool {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, `.,;:!?"'<>`)
		if tok == "" {
			continue
		}
		if emailToken.MatchString(tok) {
			return true
		}
		if isPhoneToken(tok) {
			return true
		}
	}
	return false
}

// isPhoneToken reports whether tok looks like a phone number: the right
// character shape and between 7 and 15 digits.
func isPhoneToken(tok string) bool {
	if !phoneShape.MatchString(tok) {
		return false
	}
	digits := 0
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}
