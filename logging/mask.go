package logging

import (
	"regexp"
	"strings"
)

// Replacement markers for masked substrings
const (
	maskedCard   = "[REDACTED_CARD]"
	maskedSSN    = "[REDACTED_SSN]"
	maskedJWT    = "[REDACTED_JWT]"
	maskedBearer = "Bearer " + Redacted
)

var (
	// 13-19 digits, optionally grouped by single spaces or dashes
	cardPattern   = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
)

// maskString masks card numbers, SSNs, JWTs and bearer credentials in s.
func maskString(s string) string {
	if !strings.ContainsAny(s, "0123456789") && !strings.Contains(s, "eyJ") && !strings.Contains(strings.ToLower(s), "bearer") {
		return s
	}
	s = jwtPattern.ReplaceAllString(s, maskedJWT)
	s = bearerPattern.ReplaceAllString(s, maskedBearer)
	s = ssnPattern.ReplaceAllString(s, maskedSSN)
	s = cardPattern.ReplaceAllStringFunc(s, func(m string) string {
		if luhnValid(m) {
			return maskedCard
		}
		return m
	})
	return s
}

// luhnValid reports whether the digits of s (separators ignored) form a
// 13-19 digit number passing the Luhn checksum.
func luhnValid(s string) bool {
	var digits []byte
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			digits = append(digits, c-'0')
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i])
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
