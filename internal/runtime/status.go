package runtime

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/conditionflow/internal/runtime/ingest"
)

const latencySampleSize = 256

// Status is the snapshot served on /healthz.
type Status struct {
	Status      string        `json:"status"`
	Consumer    ConsumerStats `json:"consumer"`
	Connections int           `json:"connections"`
	Resource    ResourceUsage `json:"resource"`
}

// ConsumerStats counts processed messages by outcome.
type ConsumerStats struct {
	State                  string         `json:"state"`
	Processed              uint64         `json:"processed"`
	SkippedInvalid         uint64         `json:"skipped_invalid"`
	SkippedUnknownResource uint64         `json:"skipped_unknown_resource"`
	Failed                 uint64         `json:"failed"`
	LastProcessedAt        *time.Time     `json:"last_processed_at"`
	Latency                LatencyMetrics `json:"latency"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// statsProcessor records outcome counts and latency around a processor.
type statsProcessor struct {
	inner ingest.MessageProcessor
	now   func() time.Time

	mu      sync.Mutex
	counts  map[ingest.Outcome]uint64
	last    time.Time
	latency *latencyWindow
}

func newStatsProcessor(inner ingest.MessageProcessor, now func() time.Time) *statsProcessor {
	if now == nil {
		now = time.Now
	}
	return &statsProcessor{
		inner:   inner,
		now:     now,
		counts:  make(map[ingest.Outcome]uint64),
		latency: newLatencyWindow(latencySampleSize),
	}
}

func (p *statsProcessor) Process(ctx context.Context, payload []byte) ingest.Outcome {
	start := time.Now()
	outcome := p.inner.Process(ctx, payload)
	took := time.Since(start)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[outcome]++
	p.last = p.now()
	p.latency.Add(took)
	return outcome
}

func (p *statsProcessor) Snapshot() ConsumerStats {
	if p == nil {
		return ConsumerStats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := ConsumerStats{
		Processed:              p.counts[ingest.Processed],
		SkippedInvalid:         p.counts[ingest.SkippedInvalid],
		SkippedUnknownResource: p.counts[ingest.SkippedUnknownResource],
		Failed:                 p.counts[ingest.Failed],
		Latency:                p.latency.Snapshot(),
	}
	if !p.last.IsZero() {
		last := p.last
		stats.LastProcessedAt = &last
	}
	return stats
}

// latencyWindow keeps the most recent samples in a ring.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	// The ring fills from index 0, so the first filled slots hold every sample.
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.SampleSize = len(sorted)
	m.AverageNs = sum / int64(len(sorted))
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	return m
}

// percentile interpolates linearly between the two nearest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}
