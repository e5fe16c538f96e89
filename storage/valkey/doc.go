// Package valkey provides a Valkey storage backend for fanz-secure.
//
// Valkey is wire-compatible with Redis. Counters and reservations stored
// here are shared by every instance of the service, so rate limits and
// webhook replay protection hold across a horizontally scaled deployment.
//
// # Key Schema
//
// All keys use a configurable prefix (default "fanz:"):
//
//	{prefix}rl:{tier}:{identity}      -> fixed-window request counter (PX = tier window)
//	{prefix}fail:{identity}           -> auth/CSRF failure counter (PX = failure window)
//	{prefix}flag:{identity}           -> escalation flag (EX = failure window)
//	{prefix}wh:{sender}:{key}         -> webhook idempotency reservation
//
// # Atomic Operations
//
// Increment runs INCR, PEXPIRE and PTTL in one Lua script so a counter can
// never exist without an expiry. SetIfAbsent runs SET NX PX in a script so
// only one concurrent caller wins a reservation.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "fanz:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Errors from the server or the network wrap storage.ErrUnavailable so the
// rate limiter can switch to its fallback store.
package valkey
