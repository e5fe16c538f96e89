package security

import (
	"time"

	secure "github.com/fanzplatform/fanz-secure"
)

// DefaultClockSkewGracePeriod is the leeway applied to token expiry and
// not-before checks. It absorbs typical NTP drift between issuer and
// verifier.
const DefaultClockSkewGracePeriod = 5 * time.Second

// WithinTolerance reports whether ts lies within tolerance of now in either
// direction.
func WithinTolerance(ts, now time.Time, tolerance time.Duration) bool {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// RetryAfterSeconds rounds d up to whole seconds, with a minimum of 1, for
// use in Retry-After headers.
func RetryAfterSeconds(d time.Duration) int {
	return secure.RetryAfterSeconds(d)
}
