package service

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// slowThreshold marks a read or recalculation pass as slow
const slowThreshold = 100 * time.Millisecond

// PerformanceMonitor tracks read latency (cache hits vs store reads) and recalculation pass durations.
// A nil monitor records nothing.
type PerformanceMonitor struct {
	mu             sync.RWMutex
	cachedReads    []time.Duration
	storeReads     []time.Duration
	recalcPasses   []time.Duration
	cacheHits      int64
	cacheMisses    int64
	slowOperations int64 // reads or passes over slowThreshold
	totalReads     int64
	totalPasses    int64
	maxSamples     int
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		maxSamples: 1000, // Keep last 1000 samples
	}
}

// RecordRead records how long a read took and whether the cache served it
func (pm *PerformanceMonitor) RecordRead(duration time.Duration, cached bool) {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalReads++
	if cached {
		pm.cacheHits++
		pm.cachedReads = pm.keep(append(pm.cachedReads, duration))
	} else {
		pm.cacheMisses++
		pm.storeReads = pm.keep(append(pm.storeReads, duration))
	}
	if duration > slowThreshold {
		pm.slowOperations++
	}
}

// RecordRecalculation records the duration of one recalculation pass
func (pm *PerformanceMonitor) RecordRecalculation(duration time.Duration) {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalPasses++
	pm.recalcPasses = pm.keep(append(pm.recalcPasses, duration))
	if duration > slowThreshold {
		pm.slowOperations++
	}
}

func (pm *PerformanceMonitor) keep(samples []time.Duration) []time.Duration {
	if len(samples) > pm.maxSamples {
		return samples[len(samples)-pm.maxSamples:]
	}
	return samples
}

// GetStats returns current performance statistics
func (pm *PerformanceMonitor) GetStats() *PerformanceStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := &PerformanceStats{
		TotalReads:     pm.totalReads,
		CacheHits:      pm.cacheHits,
		CacheMisses:    pm.cacheMisses,
		SlowOperations: pm.slowOperations,
		RecalcPasses:   pm.totalPasses,
	}

	if pm.totalReads > 0 {
		stats.CacheHitRate = float64(pm.cacheHits) / float64(pm.totalReads) * 100
	}
	stats.AvgCachedReadMs = averageMs(pm.cachedReads)
	stats.AvgStoreReadMs = averageMs(pm.storeReads)
	stats.AvgRecalcMs = averageMs(pm.recalcPasses)
	stats.P95RecalcMs = percentileMs(pm.recalcPasses, 0.95)
	stats.P99RecalcMs = percentileMs(pm.recalcPasses, 0.99)

	return stats
}

// Reset resets all performance metrics
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.cachedReads = nil
	pm.storeReads = nil
	pm.recalcPasses = nil
	pm.cacheHits = 0
	pm.cacheMisses = 0
	pm.slowOperations = 0
	pm.totalReads = 0
	pm.totalPasses = 0
}

// CheckPerformance reports averages over the slow threshold and a poor cache hit rate
func (pm *PerformanceMonitor) CheckPerformance() *PerformanceCheck {
	stats := pm.GetStats()

	check := &PerformanceCheck{
		Passed: true,
		Issues: make([]string, 0),
	}

	limitMs := float64(slowThreshold.Milliseconds())
	if stats.AvgCachedReadMs > limitMs {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("Average cached read time (%.2fms) exceeds %.0fms threshold", stats.AvgCachedReadMs, limitMs))
	}
	if stats.P95RecalcMs > limitMs {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("P95 recalculation time (%.2fms) exceeds %.0fms threshold", stats.P95RecalcMs, limitMs))
	}

	// Hit rate only means something once there is traffic
	if stats.CacheHitRate < 50 && stats.TotalReads > 100 {
		check.Issues = append(check.Issues,
			fmt.Sprintf("Cache hit rate (%.2f%%) is below 50%% - consider increasing the cache TTL", stats.CacheHitRate))
	}

	return check
}

// PerformanceStats contains performance statistics
type PerformanceStats struct {
	TotalReads      int64   `json:"total_reads"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	CacheHitRate    float64 `json:"cache_hit_rate"` // Percentage
	SlowOperations  int64   `json:"slow_operations"`
	AvgCachedReadMs float64 `json:"avg_cached_read_ms"`
	AvgStoreReadMs  float64 `json:"avg_store_read_ms"`
	RecalcPasses    int64   `json:"recalc_passes"`
	AvgRecalcMs     float64 `json:"avg_recalc_ms"`
	P95RecalcMs     float64 `json:"p95_recalc_ms"`
	P99RecalcMs     float64 `json:"p99_recalc_ms"`
}

// PerformanceCheck contains performance check results
type PerformanceCheck struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

func averageMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(samples))
}

func percentileMs(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return float64(sorted[i].Milliseconds())
}
