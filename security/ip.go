package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver determines the client address of a request.
//
// Only enable TrustProxy behind reverse proxies you operate. The
// X-Forwarded-For format is "client, proxy1, proxy2"; TrustedProxyCount
// entries are skipped from the right so a client cannot spoof its address
// by prepending values. A count of 0 with TrustProxy set is treated as 1.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the client IP of r in canonical form.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromXFF(r.Header.Values("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := canonicalIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return fromRemoteAddr(r.RemoteAddr)
}

// fromXFF picks the entry left of the trusted proxies. Multiple header
// lines are one logical list.
//
// Example with TrustedProxyCount=2:
//
//	X-Forwarded-For: "1.2.3.4, 10.0.0.1, 10.0.0.2"
//	index = 3 - 2 - 1 = 0 -> "1.2.3.4"
func (c ClientIPResolver) fromXFF(values []string) string {
	var ips []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ips = append(ips, part)
			}
		}
	}
	if len(ips) == 0 {
		return ""
	}

	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	index := len(ips) - proxies - 1
	if index < 0 {
		index = 0
	}
	return canonicalIP(ips[index])
}

func canonicalIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}

func fromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := canonicalIP(host); ip != "" {
		return ip
	}
	return host
}
