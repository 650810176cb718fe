package service

import (
	"testing"
	"time"
)

func TestPerformanceMonitor_RecordRead(t *testing.T) {
	pm := NewPerformanceMonitor()

	pm.RecordRead(50*time.Millisecond, true)
	pm.RecordRead(75*time.Millisecond, true)
	pm.RecordRead(90*time.Millisecond, true)
	pm.RecordRead(200*time.Millisecond, false)
	pm.RecordRead(300*time.Millisecond, false)

	stats := pm.GetStats()

	if stats.TotalReads != 5 {
		t.Errorf("Expected 5 total reads, got %d", stats.TotalReads)
	}
	if stats.CacheHits != 3 {
		t.Errorf("Expected 3 cache hits, got %d", stats.CacheHits)
	}
	if stats.CacheMisses != 2 {
		t.Errorf("Expected 2 cache misses, got %d", stats.CacheMisses)
	}
	if stats.CacheHitRate != 60.0 {
		t.Errorf("Expected cache hit rate 60.00%%, got %.2f%%", stats.CacheHitRate)
	}
	if stats.AvgCachedReadMs < 70 || stats.AvgCachedReadMs > 73 {
		t.Errorf("Expected average cached read time around 71.67ms, got %.2fms", stats.AvgCachedReadMs)
	}
	if stats.AvgStoreReadMs != 250 {
		t.Errorf("Expected average store read time 250ms, got %.2fms", stats.AvgStoreReadMs)
	}
	if stats.SlowOperations != 2 {
		t.Errorf("Expected 2 slow operations, got %d", stats.SlowOperations)
	}
}

func TestPerformanceMonitor_RecalcPercentiles(t *testing.T) {
	pm := NewPerformanceMonitor()

	for i := 1; i <= 100; i++ {
		pm.RecordRecalculation(time.Duration(i) * time.Millisecond)
	}

	stats := pm.GetStats()
	if stats.RecalcPasses != 100 {
		t.Errorf("Expected 100 passes, got %d", stats.RecalcPasses)
	}
	if stats.P95RecalcMs < 94 || stats.P95RecalcMs > 96 {
		t.Errorf("Expected P95 around 95ms, got %.2fms", stats.P95RecalcMs)
	}
	if stats.P99RecalcMs < 98 || stats.P99RecalcMs > 100 {
		t.Errorf("Expected P99 around 99ms, got %.2fms", stats.P99RecalcMs)
	}
}

func TestPerformanceMonitor_CheckPerformance(t *testing.T) {
	pm := NewPerformanceMonitor()

	for i := 0; i < 100; i++ {
		pm.RecordRead(5*time.Millisecond, true)
		pm.RecordRecalculation(20 * time.Millisecond)
	}
	check := pm.CheckPerformance()
	if !check.Passed {
		t.Errorf("Performance check should pass, but got issues: %v", check.Issues)
	}

	pm.Reset()
	for i := 0; i < 100; i++ {
		pm.RecordRecalculation(150 * time.Millisecond)
	}
	check = pm.CheckPerformance()
	if check.Passed {
		t.Error("Performance check should fail for slow recalculations")
	}
	if len(check.Issues) == 0 {
		t.Error("Expected performance issues to be reported")
	}
}

func TestPerformanceMonitor_Reset(t *testing.T) {
	pm := NewPerformanceMonitor()
	pm.RecordRead(50*time.Millisecond, true)
	pm.RecordRecalculation(time.Millisecond)

	pm.Reset()

	stats := pm.GetStats()
	if stats.TotalReads != 0 || stats.RecalcPasses != 0 {
		t.Errorf("Expected empty stats after reset, got %+v", stats)
	}
}

func TestPerformanceMonitor_NilIsNoop(t *testing.T) {
	var pm *PerformanceMonitor
	pm.RecordRead(time.Second, true)
	pm.RecordRecalculation(time.Second)
}

func TestSnapshotService_RecordsReadsAndPasses(t *testing.T) {
	f := newFixture(t)
	pm := NewPerformanceMonitor()
	f.snapshots.SetPerformanceMonitor(pm)

	f.seedThreeDays(t)
	if _, err := f.snapshots.GetLatestSnapshot(testContext(t), testOwner); err != nil {
		t.Fatalf("GetLatestSnapshot failed: %v", err)
	}

	stats := pm.GetStats()
	if stats.RecalcPasses != 3 {
		t.Errorf("Expected 3 recalculation passes, got %d", stats.RecalcPasses)
	}
	if stats.CacheMisses != 1 {
		t.Errorf("Expected 1 store read without a cache, got %d", stats.CacheMisses)
	}
}
