package database

import (
	"sync"
	"time"
)

// QueryMetric records one monitored query execution.
type QueryMetric struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	CacheHit  bool          `json:"cacheHit"`
	Timestamp time.Time     `json:"timestamp"`
}

// QuerySummary aggregates recorded metrics over a window.
type QuerySummary struct {
	Since           time.Time               `json:"since"`
	TotalQueries    int                     `json:"totalQueries"`
	FailedQueries   int                     `json:"failedQueries"`
	CacheHits       int                     `json:"cacheHits"`
	AverageDuration time.Duration           `json:"averageDuration"`
	MaxDuration     time.Duration           `json:"maxDuration"`
	ByName          map[string]NameActivity `json:"byName"`
}

// NameActivity is per-query-name aggregation inside a QuerySummary.
type NameActivity struct {
	Count           int           `json:"count"`
	Failures        int           `json:"failures"`
	AverageDuration time.Duration `json:"averageDuration"`
	MaxDuration     time.Duration `json:"maxDuration"`
}

// MetricsStore keeps recent query metrics in a bounded in-memory ring.
// Entries age out after the retention window; the ring drops oldest first
// when full. All methods are safe for concurrent use.
type MetricsStore struct {
	mu        sync.RWMutex
	entries   []QueryMetric
	head      int
	size      int
	retention time.Duration
}

// NewMetricsStore builds a store holding at most capacity entries for at
// most retention time.
func NewMetricsStore(capacity int, retention time.Duration) *MetricsStore {
	if capacity <= 0 {
		capacity = 10000
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MetricsStore{
		entries:   make([]QueryMetric, capacity),
		retention: retention,
	}
}

// Record appends a metric, evicting the oldest entry when full.
func (s *MetricsStore) Record(metric QueryMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.head + s.size) % len(s.entries)
	if s.size == len(s.entries) {
		s.head = (s.head + 1) % len(s.entries)
	} else {
		s.size++
	}
	s.entries[idx] = metric
}

// Len reports how many entries are currently retained.
func (s *MetricsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// snapshotSince copies retained entries at or after cutoff, oldest first.
func (s *MetricsStore) snapshotSince(cutoff time.Time) []QueryMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QueryMetric, 0, s.size)
	for i := 0; i < s.size; i++ {
		entry := s.entries[(s.head+i)%len(s.entries)]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Recent returns entries within the retention window, oldest first.
func (s *MetricsStore) Recent() []QueryMetric {
	return s.snapshotSince(time.Now().UTC().Add(-s.retention))
}

// SlowQueries returns entries since the given time whose duration exceeds
// threshold, oldest first.
func (s *MetricsStore) SlowQueries(threshold time.Duration, since time.Time) []QueryMetric {
	var slow []QueryMetric
	for _, entry := range s.snapshotSince(since) {
		if entry.Duration > threshold {
			slow = append(slow, entry)
		}
	}
	return slow
}

// Summary aggregates everything recorded since the given time.
func (s *MetricsStore) Summary(since time.Time) QuerySummary {
	summary := QuerySummary{
		Since:  since,
		ByName: make(map[string]NameActivity),
	}

	var totalDuration time.Duration
	nameDurations := make(map[string]time.Duration)
	for _, entry := range s.snapshotSince(since) {
		summary.TotalQueries++
		totalDuration += entry.Duration
		if !entry.Success {
			summary.FailedQueries++
		}
		if entry.CacheHit {
			summary.CacheHits++
		}
		if entry.Duration > summary.MaxDuration {
			summary.MaxDuration = entry.Duration
		}

		activity := summary.ByName[entry.Name]
		activity.Count++
		if !entry.Success {
			activity.Failures++
		}
		if entry.Duration > activity.MaxDuration {
			activity.MaxDuration = entry.Duration
		}
		nameDurations[entry.Name] += entry.Duration
		summary.ByName[entry.Name] = activity
	}

	if summary.TotalQueries > 0 {
		summary.AverageDuration = totalDuration / time.Duration(summary.TotalQueries)
	}
	for name, activity := range summary.ByName {
		if activity.Count > 0 {
			activity.AverageDuration = nameDurations[name] / time.Duration(activity.Count)
			summary.ByName[name] = activity
		}
	}
	return summary
}
