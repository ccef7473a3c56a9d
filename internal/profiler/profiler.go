// Package profiler measures operation durations and surfaces slow outliers.
// Timing entries share the workflow event log with stage records and survive
// process restarts, so bottleneck detection compares against everything the
// workflow has seen, not just the current run.
package profiler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/store"
)

// MaxLabelLength bounds timer labels.
const MaxLabelLength = 128

// DefaultBottleneckMultiplier flags a duration this many times the
// historical mean for its label.
const DefaultBottleneckMultiplier = 3.0

// recordKind tags profiler lines in the shared event log.
const recordKind = "timing"

// Outcome of a timed operation.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// TimingEntry is one persisted measurement.
type TimingEntry struct {
	Kind       string        `json:"kind"`
	Label      string        `json:"label"`
	Start      time.Time     `json:"start"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"`
	Bottleneck bool          `json:"bottleneck,omitempty"`
	Note       string        `json:"note,omitempty"`
}

// Profiler emits and aggregates timing entries through the workflow store.
type Profiler struct {
	store      *store.Store
	multiplier float64
	now        func() time.Time
}

// Option customizes a Profiler.
type Option func(*Profiler)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Profiler) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithBottleneckMultiplier overrides the slow-outlier threshold.
func WithBottleneckMultiplier(m float64) Option {
	return func(p *Profiler) {
		if m > 0 {
			p.multiplier = m
		}
	}
}

// New wires a profiler to the store that persists its entries.
func New(s *store.Store, opts ...Option) (*Profiler, error) {
	if s == nil {
		return nil, fmt.Errorf("profiler: store is required")
	}
	p := &Profiler{
		store:      s,
		multiplier: DefaultBottleneckMultiplier,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// ScopedTimer measures one operation from StartTimer to Stop.
type ScopedTimer struct {
	profiler   *Profiler
	workflowID string
	label      string
	start      time.Time
	stopped    bool
	invalid    error
}

// StartTimer begins timing an operation under the given label. Labels must
// pass the label input policy; a violation surfaces from Stop and the
// measurement is discarded.
func (p *Profiler) StartTimer(workflowID, label string) *ScopedTimer {
	t := &ScopedTimer{
		profiler:   p,
		workflowID: workflowID,
		label:      label,
		start:      p.now(),
	}
	if _, err := securegate.ValidateInput(label, securegate.KindLabel, MaxLabelLength); err != nil {
		t.invalid = err
	}
	return t
}

// Stop records the elapsed duration. The entry is written whether the
// operation succeeded or not; opErr only selects the outcome and note.
// Stop is idempotent so defer-plus-explicit call patterns stay safe.
func (t *ScopedTimer) Stop(opErr error) error {
	if t.stopped {
		return nil
	}
	t.stopped = true
	if t.invalid != nil {
		return t.invalid
	}

	entry := TimingEntry{
		Kind:     recordKind,
		Label:    t.label,
		Start:    t.start,
		Duration: t.profiler.now().Sub(t.start),
		Outcome:  OutcomeOK,
	}
	if opErr != nil {
		entry.Outcome = OutcomeError
		entry.Note = opErr.Error()
	}

	history, err := t.profiler.Entries(t.workflowID)
	if err != nil {
		return err
	}
	if mean, n := historicalMean(history, t.label); n > 0 {
		entry.Bottleneck = float64(entry.Duration) > t.profiler.multiplier*float64(mean)
	}
	return t.profiler.store.AppendEvent(t.workflowID, entry)
}

// Entries returns every timing entry for the workflow in append order.
func (p *Profiler) Entries(workflowID string) ([]TimingEntry, error) {
	lines, err := p.store.ReadEventLines(workflowID)
	if err != nil {
		return nil, err
	}
	entries := make([]TimingEntry, 0, len(lines))
	for _, line := range lines {
		var entry TimingEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // other record kinds share the log
		}
		if entry.Kind != recordKind {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LabelStats summarizes all measurements recorded under one label.
type LabelStats struct {
	Label       string        `json:"label"`
	Count       int           `json:"count"`
	Total       time.Duration `json:"total"`
	Mean        time.Duration `json:"mean"`
	P95         time.Duration `json:"p95"`
	Bottlenecks int           `json:"bottlenecks"`
}

// Aggregate computes per-label statistics across the workflow's entries.
func (p *Profiler) Aggregate(workflowID string) (map[string]LabelStats, error) {
	entries, err := p.Entries(workflowID)
	if err != nil {
		return nil, err
	}
	byLabel := map[string][]time.Duration{}
	bottlenecks := map[string]int{}
	for _, entry := range entries {
		byLabel[entry.Label] = append(byLabel[entry.Label], entry.Duration)
		if entry.Bottleneck {
			bottlenecks[entry.Label]++
		}
	}
	stats := make(map[string]LabelStats, len(byLabel))
	for label, durations := range byLabel {
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		stats[label] = LabelStats{
			Label:       label,
			Count:       len(durations),
			Total:       total,
			Mean:        total / time.Duration(len(durations)),
			P95:         percentile95(durations),
			Bottlenecks: bottlenecks[label],
		}
	}
	return stats, nil
}

func historicalMean(entries []TimingEntry, label string) (time.Duration, int) {
	var total time.Duration
	var n int
	for _, entry := range entries {
		if entry.Label != label {
			continue
		}
		total += entry.Duration
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return total / time.Duration(n), n
}

func percentile95(durations []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
