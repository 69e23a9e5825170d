package runtime

import (
	"slices"
	"time"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// latencyWindow keeps the most recent handler durations in a ring.
type latencyWindow struct {
	ring  []time.Duration
	next  int
	count int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]time.Duration, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.ring) == 0 {
		return
	}
	lw.ring[lw.next] = d
	lw.next = (lw.next + 1) % len(lw.ring)
	lw.count = min(lw.count+1, len(lw.ring))
}

func (lw *latencyWindow) last() time.Duration {
	if lw.count == 0 {
		return 0
	}
	return lw.ring[(lw.next-1+len(lw.ring))%len(lw.ring)]
}

// Snapshot reports nearest-rank percentiles over the window.
func (lw *latencyWindow) Snapshot() LatencyMetrics {
	if lw == nil || lw.count == 0 {
		return LatencyMetrics{}
	}

	// The ring fills from index 0, so the first count slots are the samples.
	sorted := slices.Clone(lw.ring[:lw.count])
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		AverageNs:  int64(sum) / int64(len(sorted)),
		P50Ns:      int64(nearestRank(sorted, 50)),
		P95Ns:      int64(nearestRank(sorted, 95)),
		P99Ns:      int64(nearestRank(sorted, 99)),
		LastNs:     int64(lw.last()),
		SampleSize: len(sorted),
	}
}

// nearestRank returns the pct-th percentile of the ascending samples.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	return sorted[min(max(rank, 1), len(sorted))-1]
}

// throughputWindow counts handled events over a sliding horizon. Expired
// timestamps are skipped by advancing head and compacted lazily.
type throughputWindow struct {
	horizon time.Duration
	stamps  []time.Time
	head    int
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, stamps: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.stamps = append(tw.stamps, now)

	cutoff := now.Add(-tw.horizon)
	for tw.head < len(tw.stamps) && tw.stamps[tw.head].Before(cutoff) {
		tw.head++
	}
	if tw.head > len(tw.stamps)/2 {
		tw.stamps = append(tw.stamps[:0], tw.stamps[tw.head:]...)
		tw.head = 0
	}

	live := tw.stamps[tw.head:]
	span := max(now.Sub(live[0]), time.Nanosecond)
	return throughputSnapshot{
		Count:         len(live),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(live)) / span.Seconds(),
	}
}
