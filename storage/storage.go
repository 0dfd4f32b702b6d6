package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired
	ErrNotFound = errors.New("key not found")

	// ErrWrongType is returned when an operation targets a key holding another type
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrNotInteger is returned by INCR-style operations on non-integer values
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrOverflow is returned when an increment would overflow int64
	ErrOverflow = errors.New("increment or decrement would overflow")

	// ErrInvalidStreamID is returned for IDs that are not <ms>-<seq>
	ErrInvalidStreamID = errors.New("Invalid stream ID specified as stream command argument")

	// ErrStreamIDZero is returned when XADD is asked to add 0-0
	ErrStreamIDZero = errors.New("The ID specified in XADD must be greater than 0-0")

	// ErrStreamIDTooSmall is returned when XADD receives an ID not above the stream's top item
	ErrStreamIDTooSmall = errors.New("The ID specified in XADD is equal or smaller than the target stream top item")
)

const (
	// TTLNotFound is returned by TTL for missing keys
	TTLNotFound time.Duration = -2
	// TTLNoExpiry is returned by TTL for keys without an expiry
	TTLNoExpiry time.Duration = -1
)

// Storage defines the interface for keyspace operations. Every operation is
// atomic with respect to other operations on the same key, and expired keys
// are treated as absent.
type Storage interface {
	// String operations
	Get(key string) ([]byte, error)
	Set(key string, value []byte, expiry *time.Time) error
	SetWithOptions(key string, value []byte, opts SetOptions) (SetResult, error)
	Incr(key string, delta int64) (int64, error)
	Append(key string, value []byte) (int64, error)
	StrLen(key string) (int64, error)

	// Generic key operations
	Del(keys ...string) int64
	Exists(keys ...string) int64
	Type(key string) ValueType
	Keys(pattern string) []string
	KeyCount() int64
	KeyspaceStats() (keys, expires int64)
	FlushAll() error

	// Expiration operations
	Expire(key string, expiry time.Time) bool
	Persist(key string) bool
	TTL(key string) time.Duration

	// List operations
	LPush(key string, values ...[]byte) (int64, error)
	RPush(key string, values ...[]byte) (int64, error)
	LPop(key string, count int) ([][]byte, error)
	RPop(key string, count int) ([][]byte, error)
	LRange(key string, start, stop int64) ([][]byte, error)
	LLen(key string) (int64, error)
	LIndex(key string, index int64) ([]byte, error)

	// Stream operations
	XAdd(key string, id string, fields [][]byte) (StreamID, error)
	XRange(key string, start, end StreamID, count int) ([]StreamEntry, error)
	LastStreamID(key string) (StreamID, error)

	// Snapshot support
	ForEach(fn func(key string, value *Value) error) error
	Load(key string, value *Value)

	AddObserver(observer StorageObserver)

	// Shutdown
	Close() error
}

// SetOptions carries the modifiers of the SET command
type SetOptions struct {
	Expiry  *time.Time
	KeepTTL bool
	NX      bool
	XX      bool
	Get     bool
}

// SetResult reports the outcome of SetWithOptions
type SetResult struct {
	Written   bool
	Old       []byte
	OldExists bool
}

// StorageObserver provides hooks for storage events. Observers are called
// after the shard lock has been released and must not block.
type StorageObserver interface {
	OnKeySet(key string)
	OnKeyDeleted(key string)
	OnKeyExpired(key string)
}

// CleanupConfig holds configuration for incremental cleanup
type CleanupConfig struct {
	// Interval between cleanup cycles
	Interval time.Duration
	// SampleSize is the number of keys to sample per round
	SampleSize int
	// MaxRounds is the maximum number of rounds per cleanup cycle
	MaxRounds int
	// BatchSize is the number of keys to delete in each batch
	BatchSize int
	// ExpiredThreshold continues cleanup if this percentage of sampled keys are expired
	ExpiredThreshold float64
}

// CleanupConfigDefault samples like Redis' active expire cycle
var CleanupConfigDefault = CleanupConfig{
	Interval:         100 * time.Millisecond,
	SampleSize:       20,
	MaxRounds:        4,
	BatchSize:        10,
	ExpiredThreshold: 0.25,
}

// CleanupConfigLowLatency keeps lock hold times short
var CleanupConfigLowLatency = CleanupConfig{
	Interval:         250 * time.Millisecond,
	SampleSize:       15,
	MaxRounds:        3,
	BatchSize:        8,
	ExpiredThreshold: 0.4,
}

// CleanupConfigLargeDataset cleans more aggressively for >100k keys
var CleanupConfigLargeDataset = CleanupConfig{
	Interval:         100 * time.Millisecond,
	SampleSize:       50,
	MaxRounds:        8,
	BatchSize:        25,
	ExpiredThreshold: 0.15,
}
