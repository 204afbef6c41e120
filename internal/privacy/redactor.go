// Package privacy redacts obvious personal identifiers from text before
// it leaves the machine.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// emailRegex matches anything shaped like an email address.
	emailRegex = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// numberRunRegex matches long digit runs with common separators, the
	// shape of phone and insurance numbers. Short runs like dates are kept.
	numberRunRegex = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)

	digitRegex = regexp.MustCompile(`\d`)
)

// minIdentifierDigits is the digit count below which a number run is left
// alone, so dates and short codes survive.
const minIdentifierDigits = 9

// RedactEmails replaces email addresses with a placeholder.
func RedactEmails(text string) string {
	return emailRegex.ReplaceAllString(text, "[redacted-email]")
}

// RedactNumbers replaces phone-number-like digit runs with a placeholder.
func RedactNumbers(text string) string {
	return numberRunRegex.ReplaceAllStringFunc(text, func(match string) string {
		if len(digitRegex.FindAllString(match, -1)) < minIdentifierDigits {
			return match
		}
		return "[redacted-number]"
	})
}

// Redact removes identifiers a user may paste into a symptom description.
// This is the function to use on any content bound for the assistant.
func Redact(text string) string {
	text = RedactEmails(text)
	text = RedactNumbers(text)
	return strings.TrimSpace(text)
}
