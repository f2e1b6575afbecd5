package pipeline

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stats collects per-path frame latency samples and counters for the
// periodic statistics log line. It keeps a bounded ring buffer of recent
// observations per path from which percentiles are computed on demand.
//
// Safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	loopback latencyBuffer
	send     latencyBuffer
	receive  latencyBuffer

	frames int64
	drops  int64
}

// NewStats creates a Stats with the given window size (maximum number of
// latency samples retained per path).
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{
		loopback: newLatencyBuffer(windowSize),
		send:     newLatencyBuffer(windowSize),
		receive:  newLatencyBuffer(windowSize),
	}
}

// RecordFrame records a completed frame on path. Unknown paths only count.
func (s *Stats) RecordFrame(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	switch path {
	case PathLoopback:
		s.loopback.add(d)
	case PathSend:
		s.send.add(d)
	case PathReceive:
		s.receive.add(d)
	}
}

// RecordDrop counts a dropped frame.
func (s *Stats) RecordDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops++
}

// LatencyPercentiles holds p50 and p95 values for a path.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot is a point-in-time view of [Stats].
type Snapshot struct {
	Loopback LatencyPercentiles
	Send     LatencyPercentiles
	Receive  LatencyPercentiles
	Frames   int64
	Drops    int64
}

// Snapshot returns a point-in-time view of all statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Loopback: s.loopback.percentiles(),
		Send:     s.send.percentiles(),
		Receive:  s.receive.percentiles(),
		Frames:   s.frames,
		Drops:    s.drops,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) from a sorted
// slice of durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
