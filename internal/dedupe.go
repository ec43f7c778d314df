package internal

import (
	"sync"
	"time"
)

const defaultDedupeExpiration = 2 * time.Minute

// Deduplicator remembers keys for a fixed window.
type Deduplicator struct {
	dedupeMu sync.RWMutex
	dedupe   map[string]int64

	expiration time.Duration
	now        func() time.Time
}

// NewDeduplicator creates a Deduplicator that forgets keys after expiration.
func NewDeduplicator(expiration time.Duration) *Deduplicator {
	return &Deduplicator{
		dedupeMu:   sync.RWMutex{},
		dedupe:     make(map[string]int64),
		expiration: expiration,
		now:        time.Now,
	}
}

func createDedupeMessageKey(messageID string) string {
	return "MSG:" + messageID
}

// CheckAndAddDedupe returns if a dedupe is set. If true, event should be ignored.
// Adds dedupe if not set.
func (d *Deduplicator) CheckAndAddDedupe(key string) bool {
	d.dedupeMu.Lock()
	defer d.dedupeMu.Unlock()

	now := d.now()
	value := d.dedupe[key]

	has := now.UnixMilli() < value && value != 0

	if !has {
		d.dedupe[key] = now.Add(d.expiration).UnixMilli()
	}

	return has
}

// RemoveDedupe removes a dedupe.
func (d *Deduplicator) RemoveDedupe(key string) {
	d.dedupeMu.Lock()
	delete(d.dedupe, key)
	d.dedupeMu.Unlock()
}

// Sweep forgets every expired key and returns how many are left.
func (d *Deduplicator) Sweep() int {
	d.dedupeMu.Lock()
	defer d.dedupeMu.Unlock()

	now := d.now().UnixMilli()

	for key, value := range d.dedupe {
		if value <= now {
			delete(d.dedupe, key)
		}
	}

	return len(d.dedupe)
}
