// Package auth authenticates requests and authorizes them against route
// capabilities.
//
// Credentials are HS256 JWTs, either sent as a bearer token or carried in
// the encrypted fanz_session cookie set by SetSessionCookie. A token may be
// bound to a device: its fpr claim must then equal the HMAC of the
// X-Device-Fingerprint header under the device binding key.
//
// Roles resolve to capabilities through a role map. Capabilities are
// "namespace:action" strings; a namespace wildcard ("payments:*") only
// matches when it was granted explicitly, and "admin:*" matches everything.
package auth
