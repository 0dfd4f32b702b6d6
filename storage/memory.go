package storage

import (
	"math"
	randv2 "math/rand/v2"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// MemoryStorage implements an in-memory sharded keyspace
type MemoryStorage struct {
	shards    []shard
	shardMask uint64

	// mu guards observers and cleanupConfig
	mu            sync.RWMutex
	observers     []StorageObserver
	cleanupConfig CleanupConfig

	cleanupStop chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once

	// rng is only used by the cleanup goroutine
	rng *randv2.Rand
	now func() time.Time
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards for the storage.
// The number is rounded up to the next power of 2.
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			n := nextPowerOf2(count)
			s.shards = make([]shard, n)
			s.shardMask = uint64(n - 1)
		}
	}
}

// WithCleanupConfig sets the active expiry configuration
func WithCleanupConfig(config CleanupConfig) MemoryOption {
	return func(s *MemoryStorage) {
		s.cleanupConfig = config
	}
}

// WithClock overrides the time source used for expiry and stream IDs
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new in-memory storage instance with 64 shards by default
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		shards:        make([]shard, 64),
		shardMask:     63,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		cleanupConfig: CleanupConfigDefault,
		rng:           randv2.New(randv2.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	for i := range s.shards {
		s.shards[i].data = make(map[string]*Value)
	}

	go s.cleanupExpiredKeys()

	return s
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// shardFor returns the shard owning key
func (s *MemoryStorage) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// view runs fn with the live value for key, or nil if the key is absent or
// expired, under the shard's read lock. An expired entry is purged before
// view returns.
func (s *MemoryStorage) view(key string, fn func(cur *Value) error) error {
	sh := s.shardFor(key)
	sh.mu.RLock()
	cur := sh.data[key]
	expired := cur != nil && cur.expiredAt(s.now())
	if expired {
		cur = nil
	}
	err := fn(cur)
	sh.mu.RUnlock()

	if expired {
		s.deleteExpiredKey(key)
	}
	return err
}

// update runs fn with the live value for key under the shard's write lock.
// An expired entry is removed first. fn returns the value to store (nil to
// delete) and whether the keyspace changed; nothing is written on error.
func (s *MemoryStorage) update(key string, fn func(cur *Value) (*Value, bool, error)) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	cur, expired := s.liveLocked(sh, key)
	next, changed, err := fn(cur)
	deleted := false
	if err == nil && changed {
		if next == nil {
			if cur != nil {
				delete(sh.data, key)
				deleted = true
			}
		} else {
			sh.data[key] = next
		}
	}
	sh.mu.Unlock()

	if expired {
		s.notify(key, (StorageObserver).OnKeyExpired)
	}
	if err == nil && changed {
		if deleted {
			s.notify(key, (StorageObserver).OnKeyDeleted)
		} else if next != nil {
			s.notify(key, (StorageObserver).OnKeySet)
		}
	}
	return err
}

// liveLocked returns the live value for key, deleting it if expired.
// Caller must hold the shard's write lock.
func (s *MemoryStorage) liveLocked(sh *shard, key string) (*Value, bool) {
	cur, ok := sh.data[key]
	if !ok {
		return nil, false
	}
	if cur.expiredAt(s.now()) {
		delete(sh.data, key)
		return nil, true
	}
	return cur, false
}

func (s *MemoryStorage) notify(key string, fn func(StorageObserver, string)) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, observer := range observers {
		fn(observer, key)
	}
}

// Get retrieves a string value by key
func (s *MemoryStorage) Get(key string) ([]byte, error) {
	var result []byte
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return ErrNotFound
		}
		str, ok := cur.Data.(*StringValue)
		if !ok {
			return ErrWrongType
		}
		result = append([]byte(nil), str.Data...)
		return nil
	})
	return result, err
}

// Set stores a string value with optional expiration, replacing any
// existing value regardless of its type
func (s *MemoryStorage) Set(key string, value []byte, expiry *time.Time) error {
	return s.update(key, func(*Value) (*Value, bool, error) {
		return NewStringValue(value, expiry), true, nil
	})
}

// SetWithOptions implements SET with the NX, XX, KEEPTTL and GET modifiers
func (s *MemoryStorage) SetWithOptions(key string, value []byte, opts SetOptions) (SetResult, error) {
	var res SetResult
	err := s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur != nil && opts.Get {
			str, ok := cur.Data.(*StringValue)
			if !ok {
				return nil, false, ErrWrongType
			}
			res.Old = append([]byte(nil), str.Data...)
			res.OldExists = true
		}
		if (opts.NX && cur != nil) || (opts.XX && cur == nil) {
			return nil, false, nil
		}
		expiry := opts.Expiry
		if opts.KeepTTL && cur != nil {
			expiry = cur.Expiry
		}
		res.Written = true
		return NewStringValue(value, expiry), true, nil
	})
	return res, err
}

// Incr adds delta to the integer stored at key, treating a missing key as 0.
// The key's expiry is preserved.
func (s *MemoryStorage) Incr(key string, delta int64) (int64, error) {
	var result int64
	err := s.update(key, func(cur *Value) (*Value, bool, error) {
		var n int64
		var expiry *time.Time
		if cur != nil {
			str, ok := cur.Data.(*StringValue)
			if !ok {
				return nil, false, ErrWrongType
			}
			parsed, err := strconv.ParseInt(string(str.Data), 10, 64)
			if err != nil {
				return nil, false, ErrNotInteger
			}
			n = parsed
			expiry = cur.Expiry
		}
		if (delta > 0 && n > math.MaxInt64-delta) || (delta < 0 && n < math.MinInt64-delta) {
			return nil, false, ErrOverflow
		}
		result = n + delta
		return NewStringValue(strconv.AppendInt(nil, result, 10), expiry), true, nil
	})
	return result, err
}

// Append appends value to the string at key and returns the new length
func (s *MemoryStorage) Append(key string, value []byte) (int64, error) {
	var length int64
	err := s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur == nil {
			length = int64(len(value))
			return NewStringValue(value, nil), true, nil
		}
		str, ok := cur.Data.(*StringValue)
		if !ok {
			return nil, false, ErrWrongType
		}
		str.Data = append(str.Data, value...)
		length = int64(len(str.Data))
		return cur, true, nil
	})
	return length, err
}

// StrLen returns the length of the string at key
func (s *MemoryStorage) StrLen(key string) (int64, error) {
	var length int64
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return nil
		}
		str, ok := cur.Data.(*StringValue)
		if !ok {
			return ErrWrongType
		}
		length = int64(len(str.Data))
		return nil
	})
	return length, err
}

// Del deletes one or more keys and returns how many existed
func (s *MemoryStorage) Del(keys ...string) int64 {
	var deleted, expired []string

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if value, exists := sh.data[key]; exists {
			delete(sh.data, key)
			if value.expiredAt(s.now()) {
				expired = append(expired, key)
			} else {
				deleted = append(deleted, key)
			}
		}
		sh.mu.Unlock()
	}

	for _, key := range expired {
		s.notify(key, (StorageObserver).OnKeyExpired)
	}
	for _, key := range deleted {
		s.notify(key, (StorageObserver).OnKeyDeleted)
	}
	return int64(len(deleted))
}

// Exists counts how many of the given keys exist. Repeated keys are
// counted each time.
func (s *MemoryStorage) Exists(keys ...string) int64 {
	count := int64(0)
	for _, key := range keys {
		_ = s.view(key, func(cur *Value) error {
			if cur != nil {
				count++
			}
			return nil
		})
	}
	return count
}

// Type returns the type of the value stored at key
func (s *MemoryStorage) Type(key string) ValueType {
	vt := ValueTypeNone
	_ = s.view(key, func(cur *Value) error {
		if cur != nil {
			vt = cur.Type
		}
		return nil
	})
	return vt
}

// Keys returns all live keys matching a glob pattern, sorted
func (s *MemoryStorage) Keys(pattern string) []string {
	now := s.now()
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if !value.expiredAt(now) && MatchPattern(key, pattern) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// KeyCount returns the number of live keys
func (s *MemoryStorage) KeyCount() int64 {
	keys, _ := s.KeyspaceStats()
	return keys
}

// KeyspaceStats returns the number of live keys and how many of them carry
// an expiry
func (s *MemoryStorage) KeyspaceStats() (keys, expires int64) {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, value := range sh.data {
			if value.expiredAt(now) {
				continue
			}
			keys++
			if value.Expiry != nil {
				expires++
			}
		}
		sh.mu.RUnlock()
	}
	return keys, expires
}

// FlushAll removes all keys
func (s *MemoryStorage) FlushAll() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}

// Expire sets an absolute expiry on key. An expiry that is not in the
// future deletes the key immediately.
func (s *MemoryStorage) Expire(key string, expiry time.Time) bool {
	found := false
	_ = s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		found = true
		if !expiry.After(s.now()) {
			return nil, true, nil
		}
		exp := expiry
		cur.Expiry = &exp
		return cur, true, nil
	})
	return found
}

// Persist removes the expiry from key
func (s *MemoryStorage) Persist(key string) bool {
	removed := false
	_ = s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur == nil || cur.Expiry == nil {
			return nil, false, nil
		}
		cur.Expiry = nil
		removed = true
		return cur, true, nil
	})
	return removed
}

// TTL returns the remaining time to live of key, TTLNotFound if the key does
// not exist, or TTLNoExpiry if it has no expiry
func (s *MemoryStorage) TTL(key string) time.Duration {
	ttl := TTLNotFound
	_ = s.view(key, func(cur *Value) error {
		switch {
		case cur == nil:
		case cur.Expiry == nil:
			ttl = TTLNoExpiry
		default:
			ttl = cur.Expiry.Sub(s.now())
		}
		return nil
	})
	return ttl
}

// ForEach calls fn with a copy of every live entry. Entries are copied
// shard by shard and fn runs without any storage lock held.
func (s *MemoryStorage) ForEach(fn func(key string, value *Value) error) error {
	type item struct {
		key   string
		value *Value
	}
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		items := make([]item, 0, len(sh.data))
		for key, value := range sh.data {
			if !value.expiredAt(now) {
				items = append(items, item{key, value.Clone()})
			}
		}
		sh.mu.RUnlock()

		for _, it := range items {
			if err := fn(it.key, it.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load stores a copy of value under key, as done when loading a snapshot.
// Already expired values are dropped.
func (s *MemoryStorage) Load(key string, value *Value) {
	if value == nil || value.expiredAt(s.now()) {
		return
	}
	_ = s.update(key, func(*Value) (*Value, bool, error) {
		return value.Clone(), true, nil
	})
}

// Close stops the background cleanup
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)
	})
	<-s.cleanupDone
	return nil
}

// AddObserver adds a storage observer
func (s *MemoryStorage) AddObserver(observer StorageObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// SetCleanupConfig updates the cleanup configuration
func (s *MemoryStorage) SetCleanupConfig(config CleanupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupConfig = config
}

// GetCleanupConfig returns the current cleanup configuration
func (s *MemoryStorage) GetCleanupConfig() CleanupConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleanupConfig
}

// cleanupExpiredKeys runs in background to clean up expired keys
func (s *MemoryStorage) cleanupExpiredKeys() {
	defer close(s.cleanupDone)

	interval := s.GetCleanupConfig().Interval
	if interval <= 0 {
		interval = CleanupConfigDefault.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.performCleanup()
		}
	}
}

// performCleanup removes expired keys using incremental sampling
func (s *MemoryStorage) performCleanup() {
	config := s.GetCleanupConfig()
	if config.SampleSize <= 0 || config.MaxRounds <= 0 {
		return
	}
	for i := range s.shards {
		s.cleanupShard(&s.shards[i], config)
	}
}

// cleanupShard performs incremental cleanup on a single shard
func (s *MemoryStorage) cleanupShard(sh *shard, config CleanupConfig) {
	for round := 0; round < config.MaxRounds; round++ {
		expiredKeys := s.sampleExpired(sh, config.SampleSize)
		if len(expiredKeys) == 0 {
			break
		}

		s.deleteExpiredBatched(sh, expiredKeys, config.BatchSize)

		expiredRatio := float64(len(expiredKeys)) / float64(config.SampleSize)
		if expiredRatio < config.ExpiredThreshold {
			break
		}

		runtime.Gosched()
	}
}

// sampleExpired samples up to sampleSize keys from a shard using reservoir
// sampling and returns the expired ones
func (s *MemoryStorage) sampleExpired(sh *shard, sampleSize int) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return nil
	}

	sampled := make([]string, 0, min(sampleSize, len(sh.data)))
	i := 0
	for key := range sh.data {
		if i < sampleSize {
			sampled = append(sampled, key)
		} else if j := s.rng.IntN(i + 1); j < sampleSize {
			sampled[j] = key
		}
		i++
	}

	now := s.now()
	expired := sampled[:0]
	for _, key := range sampled {
		if sh.data[key].expiredAt(now) {
			expired = append(expired, key)
		}
	}
	return expired
}

// deleteExpiredBatched deletes expired keys in batches to keep lock hold
// times short
func (s *MemoryStorage) deleteExpiredBatched(sh *shard, keys []string, batchSize int) {
	if batchSize <= 0 {
		batchSize = len(keys)
	}
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))

		var removed []string
		now := s.now()
		sh.mu.Lock()
		for _, key := range keys[i:end] {
			// Re-check under the write lock, the key may have been rewritten
			if value, exists := sh.data[key]; exists && value.expiredAt(now) {
				delete(sh.data, key)
				removed = append(removed, key)
			}
		}
		sh.mu.Unlock()

		for _, key := range removed {
			s.notify(key, (StorageObserver).OnKeyExpired)
		}

		if end < len(keys) {
			runtime.Gosched()
		}
	}
}

// deleteExpiredKey removes key if it is still expired
func (s *MemoryStorage) deleteExpiredKey(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, expired := s.liveLocked(sh, key)
	sh.mu.Unlock()

	if expired {
		s.notify(key, (StorageObserver).OnKeyExpired)
	}
}
