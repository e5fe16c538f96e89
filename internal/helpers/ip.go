package helpers

import (
	"net/netip"
	"strings"
)

// IsLocalHostname reports whether hostname (as returned by url.URL.Hostname)
// names this machine or a non-public network: "localhost", or a literal
// loopback, private (RFC 1918, fc00::/7), link-local or unspecified address.
// DNS names other than localhost are never local; they are not resolved.
func IsLocalHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(strings.Trim(hostname, "[]"))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
