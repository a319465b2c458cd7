package notify

import "strings"

// NormalizePhoneNumber converts a Korean-style number to the international
// digits-only form the WhatsApp API expects. Numbers from other numbering
// plans pass through unless they happen to match the length heuristic.
func NormalizePhoneNumber(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case strings.HasPrefix(digits, "010"):
		return "82" + digits[1:]
	case strings.HasPrefix(digits, "82"):
		return digits
	case len(digits) == 10 || len(digits) == 11:
		return "82" + strings.TrimPrefix(digits, "0")
	}
	return digits
}

// ValidatePhoneNumber reports whether the normalized number has an
// E.164-plausible length.
func ValidatePhoneNumber(phone string) bool {
	n := len(NormalizePhoneNumber(phone))
	return n >= 10 && n <= 15
}
