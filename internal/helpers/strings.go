package helpers

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashLogLength is the number of hex characters kept by HashForLogging
const hashLogLength = 16

// SafeTruncate truncates s to maxLen bytes without panicking.
// A negative maxLen returns an empty string.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HashForLogging returns a truncated SHA-256 hex digest of s, or "" for an
// empty input. The digest is stable so log lines about the same subject can
// be correlated without recording the subject itself.
func HashForLogging(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLogLength]
}
