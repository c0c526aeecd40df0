package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is one cached value with its freshness metadata.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       time.Duration   `json:"ttl"`
	Version   int64           `json:"version"`
}

// Expired reports whether the entry outlived its TTL.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.Timestamp) >= e.TTL
}

// Stale reports whether the entry should be refreshed in the background.
func (e CacheEntry) Stale(now time.Time, after time.Duration) bool {
	return after > 0 && now.Sub(e.Timestamp) >= after
}

// CacheStats describes one cache manager.
type CacheStats struct {
	Name          string  `json:"name"`
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Revalidations uint64  `json:"revalidations"`
	HitRatio      float64 `json:"hitRatio"`
	Version       int64   `json:"version"`
}

// NetworkStatus is the agent's view of backend reachability.
type NetworkStatus struct {
	Online      bool       `json:"online"`
	LastChange  *time.Time `json:"lastChange,omitempty"`
	LastProbe   *time.Time `json:"lastProbe,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	Transitions uint64     `json:"transitions"`
}
