// Package memory provides an in-memory implementation of storage.Store.
//
// Keys live in a map guarded by a mutex with an LRU list bounding the number
// of entries. Expired keys are removed lazily on access and by a periodic
// sweep. Counters are only shared within one process, so multi-instance
// deployments use storage/valkey and keep this store as a fallback.
//
//	store := memory.New()
//	defer store.Stop()
package memory
