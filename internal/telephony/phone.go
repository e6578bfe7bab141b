package telephony

import (
	"fmt"
	"strings"
)

// NormalizeE164 converts an imported phone number into canonical E.164
// (+<country><subscriber>, 8 to 15 digits).
//
// Contact lists store numbers with the country code but usually without the
// leading plus, and often with formatting characters; both are accepted.
// A leading international "00" prefix is rewritten to "+".
func NormalizeE164(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '(', r == ')', r == '.', r == '/':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}
	digits := b.String()
	if !strings.HasPrefix(s, "+") && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return "+" + digits, nil
}
