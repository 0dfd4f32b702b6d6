package engine

import "sync"

// keyWaiters wakes blocked readers when the keys they wait on are written.
// It is registered as a storage observer.
type keyWaiters struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newKeyWaiters() *keyWaiters {
	return &keyWaiters{waiters: make(map[string]map[chan struct{}]struct{})}
}

// watch returns a channel signalled after any of keys is set. The returned
// function must be called to stop watching.
func (w *keyWaiters) watch(keys []string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	w.mu.Lock()
	for _, key := range keys {
		set, ok := w.waiters[key]
		if !ok {
			set = make(map[chan struct{}]struct{})
			w.waiters[key] = set
		}
		set[ch] = struct{}{}
	}
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, key := range keys {
			set := w.waiters[key]
			delete(set, ch)
			if len(set) == 0 {
				delete(w.waiters, key)
			}
		}
	}
}

// OnKeySet implements storage.StorageObserver
func (w *keyWaiters) OnKeySet(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// OnKeyDeleted implements storage.StorageObserver
func (w *keyWaiters) OnKeyDeleted(string) {}

// OnKeyExpired implements storage.StorageObserver
func (w *keyWaiters) OnKeyExpired(string) {}
