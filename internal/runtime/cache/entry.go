package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one cached sample plus the metadata the admin surface reports.
type Entry struct {
	Key            string        `json:"key"`
	Data           any           `json:"data"`
	Source         string        `json:"source"`
	CreatedAt      time.Time     `json:"createdAt"`
	TTL            time.Duration `json:"ttl"`
	SizeBytes      int64         `json:"sizeBytes"`
	HitCount       int64         `json:"hitCount"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
}

// EntryView is the introspection shape returned to operational tooling. The
// expiry fields are derived at call time so two snapshots of the same entry
// can disagree about liveness.
type EntryView struct {
	Entry
	TimeToExpire time.Duration `json:"timeToExpire"`
	Expired      bool          `json:"expired"`
}

// Stats is an aggregate snapshot of the store. Hit and miss rates are
// computed over the lifetime counters, not per-entry hit counts.
type Stats struct {
	TotalEntries     int        `json:"totalEntries"`
	TotalMemoryBytes int64      `json:"totalMemoryUsage"`
	TotalHits        uint64     `json:"totalHits"`
	TotalMisses      uint64     `json:"totalMisses"`
	HitRate          float64    `json:"hitRate"`
	MissRate         float64    `json:"missRate"`
	Sets             uint64     `json:"sets"`
	Deletes          uint64     `json:"deletes"`
	Cleanups         uint64     `json:"cleanups"`
	Evictions        uint64     `json:"evictions"`
	OldestEntryAt    *time.Time `json:"oldestEntryAt,omitempty"`
	NewestEntryAt    *time.Time `json:"newestEntryAt,omitempty"`
}

// SourceGroup summarizes the entries one adapter populated.
type SourceGroup struct {
	Source     string        `json:"source"`
	Count      int           `json:"count"`
	SizeBytes  int64         `json:"sizeBytes"`
	Hits       int64         `json:"hits"`
	AverageAge time.Duration `json:"averageAge"`
}

// estimateSize approximates the serialized footprint of a payload for memory
// reporting. Estimation never fails a Set: non-marshalable payloads fall back
// to a bytes-per-character estimate of their printed form.
func estimateSize(data any) int64 {
	if data == nil {
		return 0
	}
	if raw, err := json.Marshal(data); err == nil {
		return int64(len(raw))
	}
	return int64(len(fmt.Sprint(data)))
}
