package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Bucket is the quota the server last reported for a group of endpoints.
type Bucket struct {
	ID        string `json:"bucket"`
	Limit     int32  `json:"limit"`
	Remaining int32  `json:"remaining"`

	// Unix seconds at which the quota is restored.
	ResetAt int64 `json:"reset_at"`
}

// Expired returns true once the bucket's reset time has passed.
func (b Bucket) Expired(now time.Time) bool {
	return b.ResetAt <= now.Unix()
}

// Store holds every known bucket and the global cooldown. Nothing here is
// persisted, it is rebuilt from responses.
type Store struct {
	bucketsMu sync.RWMutex
	buckets   map[string]Bucket

	// Unix milliseconds, zero when no cooldown was ever set.
	disabledUntil *atomic.Int64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		bucketsMu:     sync.RWMutex{},
		buckets:       make(map[string]Bucket),
		disabledUntil: atomic.NewInt64(0),
	}
}

// Bucket returns the bucket stored under id.
func (s *Store) Bucket(id string) (bucket Bucket, ok bool) {
	s.bucketsMu.RLock()
	bucket, ok = s.buckets[id]
	s.bucketsMu.RUnlock()

	return
}

// Update creates or overwrites a bucket.
func (s *Store) Update(bucket Bucket) {
	s.bucketsMu.Lock()
	s.buckets[bucket.ID] = bucket
	s.bucketsMu.Unlock()
}

// Buckets returns a copy of every bucket ordered by id.
func (s *Store) Buckets() []Bucket {
	s.bucketsMu.RLock()
	buckets := make([]Bucket, 0, len(s.buckets))

	for _, bucket := range s.buckets {
		buckets = append(buckets, bucket)
	}
	s.bucketsMu.RUnlock()

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].ID < buckets[j].ID
	})

	return buckets
}

// DisableUntil starts the global cooldown. An earlier deadline never shortens
// a cooldown that is already running.
func (s *Store) DisableUntil(until time.Time) {
	millis := until.UnixMilli()

	for {
		current := s.disabledUntil.Load()
		if current >= millis {
			return
		}

		if s.disabledUntil.CompareAndSwap(current, millis) {
			return
		}
	}
}

// DisabledUntil returns the end of the global cooldown.
func (s *Store) DisabledUntil() time.Time {
	return time.UnixMilli(s.disabledUntil.Load())
}

// Disabled reports whether the global cooldown is still running at now.
func (s *Store) Disabled(now time.Time) bool {
	until := s.disabledUntil.Load()

	return until != 0 && now.UnixMilli() < until
}

// Related reports whether two bucket names describe the same quota, that is
// when one is a prefix of the other.
func Related(requested, observed string) bool {
	return strings.HasPrefix(requested, observed) || strings.HasPrefix(observed, requested)
}
