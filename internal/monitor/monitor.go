// Package monitor records per-operation performance samples and produces
// aggregate statistics. A Monitor is created once at process start and
// passed explicitly to every component that records into it; tests reset it
// between runs.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Outcome classifies a recorded sample.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Sample is a single recorded observation. Samples are never mutated after
// they are appended.
type Sample struct {
	Operation string
	Duration  time.Duration
	Outcome   Outcome
	Timestamp time.Time
}

// Monitor is a process-wide append-only sample log, safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	samples []Sample
	now     func() time.Time
}

// New creates an empty Monitor.
func New() *Monitor {
	return &Monitor{now: time.Now}
}

// Record appends one sample for the given operation.
func (m *Monitor) Record(operation string, d time.Duration, outcome Outcome) {
	m.mu.Lock()
	m.samples = append(m.samples, Sample{
		Operation: operation,
		Duration:  d,
		Outcome:   outcome,
		Timestamp: m.now(),
	})
	m.mu.Unlock()
}

// Observe records a sample for an operation started at start, deriving the
// outcome from err.
func (m *Monitor) Observe(operation string, start time.Time, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Record(operation, m.now().Sub(start), outcome)
}

// Len returns the number of recorded samples.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Reset discards all recorded samples.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()
}

// OperationStats is the aggregate view over all samples of one operation.
type OperationStats struct {
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"` // in [0, 1]
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
}

// Summary aggregates the sample log per operation. It is read-only: calling
// it twice with no intervening activity returns identical results.
func (m *Monitor) Summary() map[string]OperationStats {
	m.mu.Lock()
	samples := make([]Sample, len(m.samples))
	copy(samples, m.samples)
	m.mu.Unlock()

	byOp := make(map[string][]Sample)
	for _, s := range samples {
		byOp[s.Operation] = append(byOp[s.Operation], s)
	}

	out := make(map[string]OperationStats, len(byOp))
	for op, ss := range byOp {
		stats := OperationStats{Count: len(ss)}
		durations := make([]time.Duration, 0, len(ss))
		for _, s := range ss {
			if s.Outcome == OutcomeSuccess {
				stats.Successes++
			} else {
				stats.Failures++
			}
			durations = append(durations, s.Duration)
		}
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Count)
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		stats.P50 = percentile(durations, 50)
		stats.P95 = percentile(durations, 95)
		out[op] = stats
	}
	return out
}

// Report renders the summary as human-readable text, sorted by operation.
func (m *Monitor) Report() string {
	summary := m.Summary()

	ops := make([]string, 0, len(summary))
	total := 0
	for op, s := range summary {
		ops = append(ops, op)
		total += s.Count
	}
	sort.Strings(ops)

	var sb strings.Builder
	sb.WriteString("=== PERFORMANCE REPORT ===\n")
	fmt.Fprintf(&sb, "total samples: %d\n\n", total)
	for _, op := range ops {
		s := summary[op]
		fmt.Fprintf(&sb, "%s\n", op)
		fmt.Fprintf(&sb, "  calls:        %d\n", s.Count)
		fmt.Fprintf(&sb, "  success rate: %.1f%%\n", s.SuccessRate*100)
		fmt.Fprintf(&sb, "  p50 / p95:    %v / %v\n\n",
			s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond))
	}
	return sb.String()
}

// percentile returns the p-th percentile of sorted durations using
// nearest-rank on the closed index range.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}
