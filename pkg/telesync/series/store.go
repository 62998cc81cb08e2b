package series

import (
	"slices"
	"sort"
	"sync"
)

// Default buffer bounds.
const (
	DefaultLiveCapacity     = 20
	DefaultSnapshotCapacity = 100
)

// Store owns every tag's buffer. It is safe for concurrent use; each
// mutation is serialized behind the store's lock.
type Store struct {
	mu               sync.RWMutex
	buffers          map[string][]Sample
	liveCapacity     int
	snapshotCapacity int
	orderedInsert    bool
}

// Option configures a Store.
type Option func(*Store)

// WithOrderedInsert makes AppendLive place a late sample at its
// chronological position instead of appending it at the end.
func WithOrderedInsert() Option {
	return func(s *Store) { s.orderedInsert = true }
}

// NewStore creates a store. Non-positive capacities fall back to the
// defaults.
func NewStore(liveCapacity, snapshotCapacity int, opts ...Option) *Store {
	if liveCapacity <= 0 {
		liveCapacity = DefaultLiveCapacity
	}
	if snapshotCapacity <= 0 {
		snapshotCapacity = DefaultSnapshotCapacity
	}
	s := &Store{
		buffers:          make(map[string][]Sample),
		liveCapacity:     liveCapacity,
		snapshotCapacity: snapshotCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadSnapshot replaces the buffer for tag with a downsampled copy of
// samples, sorted by timestamp and capped at the snapshot capacity.
func (s *Store) LoadSnapshot(tag string, samples []Sample) {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	buf := Downsample(sorted, s.snapshotCapacity)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[tag] = buf
}

// AppendLive adds sample to the buffer for tag and evicts from the front
// until the buffer holds at most the live capacity.
func (s *Store) AppendLive(tag string, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[tag]
	if s.orderedInsert {
		i := sort.Search(len(buf), func(i int) bool {
			return buf[i].Timestamp.After(sample.Timestamp)
		})
		buf = slices.Insert(buf, i, sample)
	} else {
		buf = append(buf, sample)
	}

	if over := len(buf) - s.liveCapacity; over > 0 {
		// Copy down so the evicted prefix does not pin the backing array.
		n := copy(buf, buf[over:])
		clear(buf[n:])
		buf = buf[:n]
	}
	s.buffers[tag] = buf
}

// Get returns a copy of the buffer for tag. An unknown tag yields an
// empty slice.
func (s *Store) Get(tag string) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.buffers[tag]
	out := make([]Sample, len(buf))
	copy(out, buf)
	return out
}

// Len returns the number of samples held for tag.
func (s *Store) Len(tag string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[tag])
}

// Drop removes the buffer for tag.
func (s *Store) Drop(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, tag)
}

// Retain drops every buffer whose tag is not in keep.
func (s *Store) Retain(keep []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag := range s.buffers {
		if !slices.Contains(keep, tag) {
			delete(s.buffers, tag)
		}
	}
}

// Tags returns the tags that currently have a buffer, sorted.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.buffers))
	for tag := range s.buffers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// LiveCapacity returns the live bound.
func (s *Store) LiveCapacity() int { return s.liveCapacity }

// SnapshotCapacity returns the snapshot bound.
func (s *Store) SnapshotCapacity() int { return s.snapshotCapacity }
