package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/0xlens/yieldsync/internal/metrics"
)

const (
	// DefaultCapacity bounds the number of live entries before eviction.
	DefaultCapacity = 1000
	// DefaultTTL applies to Set calls that omit a TTL.
	DefaultTTL = 10 * time.Minute
	// DefaultCleanupInterval paces the periodic expiry sweep.
	DefaultCleanupInterval = 5 * time.Minute
)

// EvictionPolicy selects the victim when the store is at capacity.
type EvictionPolicy string

const (
	// EvictFIFO removes the globally oldest entry by creation time.
	EvictFIFO EvictionPolicy = "fifo"
	// EvictLRU removes the entry with the stalest access time.
	EvictLRU EvictionPolicy = "lru"
)

// Options configures a Store. Zero values fall back to the documented
// defaults so tests only set what they exercise.
type Options struct {
	Capacity        int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Eviction        EvictionPolicy
	Clock           clock.Clock
	Mirror          *Mirror
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
}

// Store is the shared in-memory sample cache: TTL-keyed entries with
// per-entry metadata, capacity eviction, lifetime counters, and an optional
// best-effort Valkey mirror for the web tier. All methods are safe for
// concurrent use.
type Store struct {
	capacity     int
	defaultTTL   time.Duration
	cleanupEvery time.Duration
	eviction     EvictionPolicy
	clock        clock.Clock
	mirror       *Mirror
	metrics      *metrics.Recorder
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	memory  int64

	hits      uint64
	misses    uint64
	sets      uint64
	deletes   uint64
	cleanups  uint64
	evictions uint64

	group singleflight.Group
}

// New constructs a Store. It does not start the cleanup sweeper; call Start
// with the process context to arm it.
func New(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Eviction == "" {
		opts.Eviction = EvictFIFO
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		capacity:     opts.Capacity,
		defaultTTL:   opts.DefaultTTL,
		cleanupEvery: opts.CleanupInterval,
		eviction:     opts.Eviction,
		clock:        opts.Clock,
		mirror:       opts.Mirror,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(slog.String("agent", "sample_cache")),
		entries:      make(map[string]*Entry),
	}
}

// Start runs the periodic expiry sweep until the context is cancelled. Without
// it the store still expires lazily on read, but entries nobody reads again
// would pin memory indefinitely.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := s.clock.Ticker(s.cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.Cleanup()
				if removed > 0 {
					s.logger.Debug("cache sweep removed expired entries", slog.Int("removed", removed))
				}
			}
		}
	}()
}

// Set inserts or replaces an entry. A zero ttl uses the store default. When
// the store is at capacity and the key is new, the eviction policy removes one
// victim first. The optional mirror is written after the in-memory state is
// settled so a slow replica never blocks readers.
func (s *Store) Set(ctx context.Context, key string, data any, source string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock.Now()
	size := estimateSize(data)

	s.mu.Lock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.capacity {
		s.evictLocked()
	}
	if prev, ok := s.entries[key]; ok {
		s.memory -= prev.SizeBytes
	}
	s.entries[key] = &Entry{
		Key:       key,
		Data:      data,
		Source:    source,
		CreatedAt: now,
		TTL:       ttl,
		SizeBytes: size,
	}
	s.memory += size
	s.sets++
	s.publishUsageLocked()
	s.mu.Unlock()

	s.metrics.ObserveCacheOp("set", metrics.CacheStored)
	if s.mirror != nil {
		s.mirror.Set(ctx, key, data, ttl)
	}
}

// Get returns the live payload for key. Expired entries are removed as a side
// effect and count as misses.
func (s *Store) Get(key string) (any, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok && s.expired(entry, now) {
		s.removeLocked(entry)
		ok = false
	}
	if !ok {
		s.misses++
		s.mu.Unlock()
		s.metrics.ObserveCacheOp("get", metrics.CacheMiss)
		return nil, false
	}
	entry.HitCount++
	entry.LastAccessedAt = now
	s.hits++
	data := entry.Data
	s.mu.Unlock()

	s.metrics.ObserveCacheOp("get", metrics.CacheHit)
	return data, true
}

// Has reports liveness with the same expiration check as Get but touches
// neither the hit/miss counters nor the entry's access time.
func (s *Store) Has(key string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.expired(entry, now) {
		s.removeLocked(entry)
		return false
	}
	return true
}

// Delete removes one entry, reporting whether it was present.
func (s *Store) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok {
		s.removeLocked(entry)
		s.deletes++
		s.publishUsageLocked()
	}
	s.mu.Unlock()

	if ok {
		s.metrics.ObserveCacheOp("delete", metrics.CacheRemoved)
		if s.mirror != nil {
			s.mirror.Delete(ctx, key)
		}
	}
	return ok
}

// Clear removes every entry and returns the removed count.
func (s *Store) Clear(ctx context.Context) int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		keys = append(keys, key)
		s.removeLocked(entry)
		s.deletes++
	}
	s.publishUsageLocked()
	s.mu.Unlock()

	if len(keys) > 0 {
		s.metrics.ObserveCacheOp("clear", metrics.CacheRemoved)
		if s.mirror != nil {
			s.mirror.Delete(ctx, keys...)
		}
	}
	return len(keys)
}

// ClearBySource removes every entry tagged with source and returns the count.
func (s *Store) ClearBySource(ctx context.Context, source string) int {
	s.mu.Lock()
	var keys []string
	for key, entry := range s.entries {
		if entry.Source != source {
			continue
		}
		keys = append(keys, key)
		s.removeLocked(entry)
		s.deletes++
	}
	s.publishUsageLocked()
	s.mu.Unlock()

	if len(keys) > 0 {
		s.metrics.ObserveCacheOp("clear_source", metrics.CacheRemoved)
		if s.mirror != nil {
			s.mirror.Delete(ctx, keys...)
		}
	}
	return len(keys)
}

// Cleanup scans all entries and deletes expired ones. The cleanups counter
// advances once per pass, deletes once per removed entry. Expiry is also the
// mirror's job (entries there carry their own TTL), so removals are not
// forwarded.
func (s *Store) Cleanup() int {
	now := s.clock.Now()
	s.mu.Lock()
	removed := 0
	for _, entry := range s.entries {
		if s.expired(entry, now) {
			s.removeLocked(entry)
			s.deletes++
			removed++
		}
	}
	s.cleanups++
	s.publishUsageLocked()
	s.mu.Unlock()
	return removed
}

// GetOrFetch returns the cached payload for key, coalescing concurrent misses
// into a single upstream fetch. The winning fetch populates the store once and
// every waiter observes the same result. Fetch failures are returned to all
// waiters and cache nothing, leaving any previous entry alone.
func (s *Store) GetOrFetch(ctx context.Context, key, source string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	if data, ok := s.Get(key); ok {
		return data, nil
	}
	data, err, _ := s.group.Do(key, func() (any, error) {
		// A concurrent winner may have populated the key while this caller
		// queued on the flight group.
		if data, ok := s.Get(key); ok {
			return data, nil
		}
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(ctx, key, data, source, ttl)
		return data, nil
	})
	return data, err
}

// Stats snapshots the aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		TotalEntries:     len(s.entries),
		TotalMemoryBytes: s.memory,
		TotalHits:        s.hits,
		TotalMisses:      s.misses,
		Sets:             s.sets,
		Deletes:          s.deletes,
		Cleanups:         s.cleanups,
		Evictions:        s.evictions,
	}
	if lookups := s.hits + s.misses; lookups > 0 {
		stats.HitRate = float64(s.hits) / float64(lookups)
		stats.MissRate = float64(s.misses) / float64(lookups)
	}
	for _, entry := range s.entries {
		created := entry.CreatedAt
		if stats.OldestEntryAt == nil || created.Before(*stats.OldestEntryAt) {
			t := created
			stats.OldestEntryAt = &t
		}
		if stats.NewestEntryAt == nil || created.After(*stats.NewestEntryAt) {
			t := created
			stats.NewestEntryAt = &t
		}
	}
	return stats
}

// Entries returns introspection views of every entry, newest first. Expiry
// fields are derived at call time; expired entries still present (not yet
// swept or read) are included and flagged.
func (s *Store) Entries() []EntryView {
	now := s.clock.Now()
	s.mu.Lock()
	views := make([]EntryView, 0, len(s.entries))
	for _, entry := range s.entries {
		views = append(views, s.viewLocked(entry, now))
	}
	s.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].Key < views[j].Key
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// Search filters entries by source tag and a case-insensitive key substring,
// bounded by limit. Zero or negative limit means unbounded.
func (s *Store) Search(source, query string, limit int) []EntryView {
	views := s.Entries()
	query = strings.ToLower(strings.TrimSpace(query))
	filtered := views[:0]
	for _, view := range views {
		if source != "" && view.Source != source {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(view.Key), query) {
			continue
		}
		filtered = append(filtered, view)
		if limit > 0 && len(filtered) >= limit {
			break
		}
	}
	return filtered
}

// Sources summarizes entries grouped by the adapter that populated them.
func (s *Store) Sources() []SourceGroup {
	now := s.clock.Now()
	s.mu.Lock()
	groups := make(map[string]*SourceGroup)
	ages := make(map[string]time.Duration)
	for _, entry := range s.entries {
		group, ok := groups[entry.Source]
		if !ok {
			group = &SourceGroup{Source: entry.Source}
			groups[entry.Source] = group
		}
		group.Count++
		group.SizeBytes += entry.SizeBytes
		group.Hits += entry.HitCount
		ages[entry.Source] += now.Sub(entry.CreatedAt)
	}
	s.mu.Unlock()

	out := make([]SourceGroup, 0, len(groups))
	for source, group := range groups {
		group.AverageAge = ages[source] / time.Duration(group.Count)
		out = append(out, *group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Close releases the optional mirror connection. The cleanup goroutine stops
// with the context passed to Start.
func (s *Store) Close(ctx context.Context) error {
	if s.mirror != nil {
		return s.mirror.Close(ctx)
	}
	return nil
}

func (s *Store) expired(entry *Entry, now time.Time) bool {
	return !now.Before(entry.CreatedAt.Add(entry.TTL))
}

func (s *Store) removeLocked(entry *Entry) {
	delete(s.entries, entry.Key)
	s.memory -= entry.SizeBytes
}

// evictLocked removes one victim to admit a new key. FIFO picks the globally
// oldest creation time irrespective of source; LRU prefers the stalest access
// time, falling back to creation time for never-read entries.
func (s *Store) evictLocked() {
	var victim *Entry
	for _, entry := range s.entries {
		if victim == nil {
			victim = entry
			continue
		}
		if s.evictionStamp(entry).Before(s.evictionStamp(victim)) {
			victim = entry
		}
	}
	if victim == nil {
		return
	}
	s.removeLocked(victim)
	s.evictions++
	s.metrics.ObserveCacheOp("evict", metrics.CacheRemoved)
}

func (s *Store) evictionStamp(entry *Entry) time.Time {
	if s.eviction == EvictLRU && !entry.LastAccessedAt.IsZero() {
		return entry.LastAccessedAt
	}
	return entry.CreatedAt
}

func (s *Store) viewLocked(entry *Entry, now time.Time) EntryView {
	remaining := entry.CreatedAt.Add(entry.TTL).Sub(now)
	view := EntryView{
		Entry:        *entry,
		TimeToExpire: remaining,
		Expired:      remaining <= 0,
	}
	if view.Expired {
		view.TimeToExpire = 0
	}
	return view
}

func (s *Store) publishUsageLocked() {
	s.metrics.SetCacheUsage(len(s.entries), s.memory)
}
