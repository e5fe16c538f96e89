package secure

import (
	"fmt"
	"time"
)

// Tier identifies a rate-limit class of routes.
type Tier string

const (
	// TierStandard covers general browsing and API traffic.
	TierStandard Tier = "standard"

	// TierAuth covers login, token and credential endpoints (brute-force mitigation).
	TierAuth Tier = "auth"

	// TierPayment covers payment and payout endpoints (fraud mitigation).
	TierPayment Tier = "payment"
)

// Tiers lists every known tier in order of increasing strictness.
var Tiers = []Tier{TierStandard, TierAuth, TierPayment}

// Sensitive reports whether the tier fails closed when the counter store is unavailable.
func (t Tier) Sensitive() bool {
	return t == TierAuth || t == TierPayment
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierStandard, TierAuth, TierPayment:
		return true
	}
	return false
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown rate limit tier %q", s)
	}
	return t, nil
}

// TierLimit is the threshold and window of a single tier.
type TierLimit struct {
	Max    int
	Window time.Duration
}

// PerSecond returns the sustained request rate the limit allows.
func (l TierLimit) PerSecond() float64 {
	if l.Window <= 0 {
		return 0
	}
	return float64(l.Max) / l.Window.Seconds()
}

// AuthMethod records how an identity was authenticated.
type AuthMethod string

const (
	AuthMethodNone    AuthMethod = ""
	AuthMethodBearer  AuthMethod = "bearer"
	AuthMethodSession AuthMethod = "session"
)

// Identity is the authenticated subject of a request.
type Identity struct {
	SubjectID    string
	Roles        []string
	Capabilities []string
	Method       AuthMethod
	ExpiresAt    time.Time
}

// Authenticated reports whether the identity carries a subject.
func (i Identity) Authenticated() bool {
	return i.SubjectID != ""
}
