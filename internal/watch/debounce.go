package watch

import (
	"sync"
	"time"
)

// Debouncer suppresses duplicate keys seen within a rolling window. It is
// shared by the watcher goroutine and anything injecting events manually,
// so all state is guarded by its mutex.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDebouncer returns a debouncer with the given suppression window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		now:    time.Now,
		seen:   map[string]time.Time{},
	}
}

// Allow reports whether the key is new within the window, recording it
// either way. A second call with the same key inside the window returns
// false.
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	last, dup := d.seen[key]
	d.seen[key] = now

	if len(d.seen) > 1024 {
		d.evictLocked(now)
	}

	return !dup || now.Sub(last) >= d.window
}

// evictLocked drops entries older than the window. Caller holds the mutex.
func (d *Debouncer) evictLocked(now time.Time) {
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
}
