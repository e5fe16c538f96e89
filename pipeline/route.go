package pipeline

import (
	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/webhook"
)

// Route describes the security requirements of one endpoint.
type Route struct {
	// Name labels metrics and spans, e.g. "POST /payments/charge"
	Name string

	// Tier selects the rate limit. Empty means TierStandard.
	Tier secure.Tier

	// Public routes skip authentication. The context is still sealed.
	Public bool

	// Capabilities are all required.
	Capabilities []string

	// CSRFExempt skips CSRF verification, e.g. for server-to-server calls.
	CSRFExempt bool

	// Webhook enables signature and replay verification.
	Webhook bool

	// Sender names the webhook sender. Nil means the default sender.
	Sender webhook.SenderFunc

	// Schema validates the input when set.
	Schema string
}

func (rt Route) tier() secure.Tier {
	if rt.Tier == "" {
		return secure.TierStandard
	}
	return rt.Tier
}

func (rt Route) name() string {
	if rt.Name == "" {
		return "unnamed"
	}
	return rt.Name
}
