package auth

import (
	"slices"
	"strings"

	secure "github.com/fanzplatform/fanz-secure"
)

// CapabilityAdmin grants every capability.
const CapabilityAdmin = "admin:*"

// DefaultRoles is the role map used when Config.Roles is nil.
var DefaultRoles = map[string][]string{
	"fan":       {"profile:read", "content:read", "payments:charge"},
	"creator":   {"profile:read", "content:read", "content:write", "payouts:read"},
	"moderator": {"profile:read", "content:*"},
	"admin":     {CapabilityAdmin},
}

// ResolveCapabilities expands roles through the role map and adds the
// explicit capabilities and space separated scope entries. The result is
// sorted and free of duplicates. Unknown roles grant nothing.
func ResolveCapabilities(roleMap map[string][]string, roles, explicit []string, scope string) []string {
	var caps []string
	for _, role := range roles {
		caps = append(caps, roleMap[role]...)
	}
	caps = append(caps, explicit...)
	caps = append(caps, strings.Fields(scope)...)

	caps = slices.DeleteFunc(caps, func(c string) bool { return c == "" })
	slices.Sort(caps)
	return slices.Compact(caps)
}

// Authorize reports whether identity holds every required capability.
// No requirements always pass; an unauthenticated identity passes nothing else.
func Authorize(identity secure.Identity, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if !identity.Authenticated() {
		return false
	}

	granted := make(map[string]bool, len(identity.Capabilities))
	for _, c := range identity.Capabilities {
		granted[c] = true
	}
	if granted[CapabilityAdmin] {
		return true
	}

	for _, req := range required {
		if granted[req] {
			continue
		}
		ns, _, ok := strings.Cut(req, ":")
		if ok && granted[ns+":*"] {
			continue
		}
		return false
	}
	return true
}

// Missing returns the required capabilities identity lacks.
func Missing(identity secure.Identity, required ...string) []string {
	var missing []string
	for _, req := range required {
		if !Authorize(identity, req) {
			missing = append(missing, req)
		}
	}
	return missing
}
