// Package helpers provides small functions shared across the fanz-secure packages.
//
// Key utilities:
//   - IsLocalHostname: host check used by origin and URL validation
//   - SafeTruncate: truncates strings for log output
//   - HashForLogging: stable short digest of an identifier for logs and metrics
//   - StatusWriter: records the status a handler wrote
package helpers
