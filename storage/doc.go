// Package storage defines the shared key-value store behind the security
// pipeline: fixed-window counters for rate limiting and failure tracking,
// and reservations for webhook idempotency.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory store with LRU bounds, for development and single instances
//   - storage/mock: configurable mock and failure injection for unit tests
//   - storage/valkey: Valkey/Redis-compatible distributed store for production
package storage
