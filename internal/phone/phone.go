// Package phone normalizes Uzbek phone numbers to a canonical
// E.164-like form. The canonical value is the single lookup key for both
// OTP rows and user accounts, so every entry point must normalize before
// touching storage.
package phone

import "strings"

const countryCode = "998"

// Normalize strips everything except digits and returns "+998XXXXXXXXX".
// Accepted inputs: a 9-digit local number (country code assumed), or a
// 12-digit number starting with 998, with or without punctuation and a
// leading +. Returns "" for anything else.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		return "+" + digits
	case len(digits) == 9:
		return "+" + countryCode + digits
	default:
		return ""
	}
}

// Digits returns only the digits of a phone number, without the leading
// "+". The SMS gateway wants this form.
func Digits(normalized string) string {
	return strings.TrimPrefix(normalized, "+")
}
