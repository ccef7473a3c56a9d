package tracker

import (
	"fmt"
	"time"
)

// DefaultParallelWindow classifies stage starts within this span as parallel.
const DefaultParallelWindow = 5 * time.Second

// ParallelValidationRecord captures the parallel-execution analysis for a
// set of stages.
type ParallelValidationRecord struct {
	Stages            []string      `json:"stages"`
	Window            time.Duration `json:"window"`
	SequentialTime    time.Duration `json:"sequential_time"`
	ParallelTime      time.Duration `json:"parallel_time"`
	TimeSaved         time.Duration `json:"time_saved"`
	EfficiencyPercent float64       `json:"efficiency_percent"`
	// Applicable is false when fewer than two stages were eligible, in which
	// case no timing analysis was performed.
	Applicable bool `json:"applicable"`
	// Parallel is true when every start falls within Window of the others.
	Parallel bool `json:"parallel"`
	// Regression flags that parallel execution was expected but did not occur.
	Regression bool `json:"regression"`
}

// VerifyParallel classifies whether the named stages actually executed in
// parallel. Every stage must have a recorded start and a terminal event.
//
// sequential_time is the sum of individual durations; parallel_time is
// max(end) - min(start) across the set. When the starts exceed the window the
// record flags a regression and reports zero efficiency, since the expected
// overlap did not happen. Fewer than two stages cannot overlap at all; that
// comes back as a not-applicable record, not an error.
func (t *Tracker) VerifyParallel(workflowID string, stages []string, window time.Duration) (ParallelValidationRecord, error) {
	if window <= 0 {
		window = DefaultParallelWindow
	}
	if len(stages) < 2 {
		return ParallelValidationRecord{
			Stages: append([]string(nil), stages...),
			Window: window,
		}, nil
	}
	events, err := t.Events(workflowID)
	if err != nil {
		return ParallelValidationRecord{}, err
	}

	starts := map[string]time.Time{}
	ends := map[string]time.Time{}
	for _, event := range events {
		switch event.Type {
		case EventStarted:
			if _, seen := starts[event.Stage]; !seen {
				starts[event.Stage] = event.Time
			}
		case EventCompleted, EventFailed, EventTimedOut:
			ends[event.Stage] = event.Time
		}
	}

	record := ParallelValidationRecord{
		Stages:     append([]string(nil), stages...),
		Window:     window,
		Applicable: true,
	}
	var minStart, maxStart, maxEnd time.Time
	for i, name := range stages {
		start, ok := starts[name]
		if !ok {
			return ParallelValidationRecord{}, fmt.Errorf("tracker: workflow %s stage %s has no start event", workflowID, name)
		}
		end, ok := ends[name]
		if !ok {
			return ParallelValidationRecord{}, fmt.Errorf("tracker: workflow %s stage %s has no terminal event", workflowID, name)
		}
		record.SequentialTime += end.Sub(start)
		if i == 0 || start.Before(minStart) {
			minStart = start
		}
		if i == 0 || start.After(maxStart) {
			maxStart = start
		}
		if i == 0 || end.After(maxEnd) {
			maxEnd = end
		}
	}

	record.ParallelTime = maxEnd.Sub(minStart)
	record.Parallel = maxStart.Sub(minStart) <= window
	if !record.Parallel {
		record.Regression = true
		return record, nil
	}
	record.TimeSaved = record.SequentialTime - record.ParallelTime
	if record.TimeSaved < 0 {
		record.TimeSaved = 0
	}
	if record.SequentialTime > 0 {
		record.EfficiencyPercent = float64(record.TimeSaved) / float64(record.SequentialTime) * 100
	}
	return record, nil
}
