// Package phonekey normalizes phone numbers into the decimal-digit
// join key used across every store.
package phonekey

import "strings"

// Normalize strips every non-digit character from raw and, for an
// eleven-digit result beginning with the US/Canada country code "1",
// drops that leading digit. The result is the canonical join key used
// by every persisted record.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}
