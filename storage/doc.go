// Package storage provides the keyspace of a node.
//
// MemoryStorage is a sharded in-memory map from key to typed value
// (string, list or stream) with optional expiry. Keys are spread over a
// power-of-two number of shards by xxhash, each guarded by its own
// RWMutex, so operations on independent keys do not contend.
//
// Basic usage:
//
//	s := storage.NewMemory()
//	defer s.Close()
//	_ = s.Set("key", []byte("value"), nil)
//	value, err := s.Get("key")
//
// Expired entries are invisible to every operation. They are removed when
// touched and by a background sampler configured through CleanupConfig.
package storage
