package secure

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrContextSealed is returned when the identity of a sealed SecurityContext is modified.
var ErrContextSealed = errors.New("security context is sealed")

// Finding is a security observation recorded while processing a request.
type Finding struct {
	Stage   string
	Type    string
	Message string
	At      time.Time
}

// SecurityContext is the per-request security state shared by all pipeline
// stages. The identity is writable until Seal is called after the
// authentication stage; findings can be appended for the whole request.
type SecurityContext struct {
	requestID string
	clientIP  string

	mu       sync.RWMutex
	identity Identity
	sealed   bool
	findings []Finding
}

// NewSecurityContext creates a context for one inbound request.
func NewSecurityContext(requestID, clientIP string) *SecurityContext {
	return &SecurityContext{
		requestID: requestID,
		clientIP:  clientIP,
	}
}

// RequestID returns the correlation id of the request.
func (c *SecurityContext) RequestID() string {
	return c.requestID
}

// ClientIP returns the resolved client address.
func (c *SecurityContext) ClientIP() string {
	return c.clientIP
}

// Identity returns a copy of the resolved identity.
func (c *SecurityContext) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := c.identity
	id.Roles = slices.Clone(id.Roles)
	id.Capabilities = slices.Clone(id.Capabilities)
	return id
}

// SetIdentity records the authenticated identity.
func (c *SecurityContext) SetIdentity(id Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrContextSealed
	}
	id.Roles = slices.Clone(id.Roles)
	id.Capabilities = slices.Clone(id.Capabilities)
	c.identity = id
	return nil
}

// Seal makes the identity read-only.
func (c *SecurityContext) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (c *SecurityContext) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// AddFinding appends a finding.
func (c *SecurityContext) AddFinding(stage, findingType, message string) {
	c.mu.Lock()
	c.findings = append(c.findings, Finding{
		Stage:   stage,
		Type:    findingType,
		Message: message,
		At:      time.Now(),
	})
	c.mu.Unlock()
}

// Findings returns a snapshot of the recorded findings.
func (c *SecurityContext) Findings() []Finding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.findings)
}

// IdentityKey returns the key used for per-identity accounting: the
// subject id when authenticated, otherwise the client IP.
func (c *SecurityContext) IdentityKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity.SubjectID != "" {
		return "sub:" + c.identity.SubjectID
	}
	return "ip:" + c.clientIP
}

// FailureKeys returns the keys a security failure is counted against: the
// client IP, plus the subject id when authenticated. Rate limiting runs
// before authentication and only sees the IP key.
func (c *SecurityContext) FailureKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := []string{"ip:" + c.clientIP}
	if c.identity.SubjectID != "" {
		keys = append(keys, "sub:"+c.identity.SubjectID)
	}
	return keys
}

type securityContextKey struct{}

// WithSecurityContext attaches sc to ctx.
func WithSecurityContext(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// FromContext returns the SecurityContext stored in ctx.
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(securityContextKey{}).(*SecurityContext)
	return sc, ok && sc != nil
}
