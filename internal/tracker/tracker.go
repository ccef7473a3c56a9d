// Package tracker records stage lifecycle events and answers completeness
// questions about a workflow. Events are append-only JSON lines in the
// workflow's event log; a record is never mutated after being written.
package tracker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kingrea/crucible/internal/store"
)

// EventType enumerates stage lifecycle transitions.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventTimedOut  EventType = "timed-out"
)

// recordKind tags tracker lines in the shared event log.
const recordKind = "stage"

// StageEvent is one immutable lifecycle record.
type StageEvent struct {
	Kind     string    `json:"kind"`
	Stage    string    `json:"stage"`
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Artifact string    `json:"artifact,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// Tracker appends and reads stage events through the workflow store.
type Tracker struct {
	store *store.Store
	now   func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

// New wires a tracker to the store that persists its events.
func New(s *store.Store, opts ...Option) (*Tracker, error) {
	if s == nil {
		return nil, fmt.Errorf("tracker: store is required")
	}
	t := &Tracker{store: s, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// RecordStart appends a started event.
func (t *Tracker) RecordStart(workflowID, stage string) error {
	return t.append(workflowID, StageEvent{Stage: stage, Type: EventStarted})
}

// RecordComplete appends a completed event referencing the committed artifact.
func (t *Tracker) RecordComplete(workflowID, stage, artifactRef string) error {
	return t.append(workflowID, StageEvent{Stage: stage, Type: EventCompleted, Artifact: artifactRef})
}

// RecordFailed appends a failed event. The record stays in the log; failure
// is data, not something to scrub.
func (t *Tracker) RecordFailed(workflowID, stage, reason string) error {
	return t.append(workflowID, StageEvent{Stage: stage, Type: EventFailed, Note: reason})
}

// RecordTimeout appends a timed-out event, distinct from failure so the
// analysis can tell the two apart.
func (t *Tracker) RecordTimeout(workflowID, stage string) error {
	return t.append(workflowID, StageEvent{Stage: stage, Type: EventTimedOut})
}

func (t *Tracker) append(workflowID string, event StageEvent) error {
	event.Kind = recordKind
	if event.Time.IsZero() {
		event.Time = t.now()
	}
	return t.store.AppendEvent(workflowID, event)
}

// Events returns every stage event for the workflow in append order.
func (t *Tracker) Events(workflowID string) ([]StageEvent, error) {
	lines, err := t.store.ReadEventLines(workflowID)
	if err != nil {
		return nil, err
	}
	events := make([]StageEvent, 0, len(lines))
	for _, line := range lines {
		var event StageEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // other record kinds share the log
		}
		if event.Kind != recordKind {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// MissingReport breaks down why stages are missing from the completed set.
type MissingReport struct {
	// Missing is expected minus completed, in expected order. Started-only,
	// failed, and timed-out stages all count as missing.
	Missing []string
	// StartedOnly lists stages with a start event but no terminal event.
	StartedOnly []string
	// Failed lists stages whose latest terminal event is failed or timed-out.
	Failed []string
}

// MissingStages computes the set-difference between the expected sequence
// and the stages recorded as completed.
func (t *Tracker) MissingStages(workflowID string, expected []string) (MissingReport, error) {
	events, err := t.Events(workflowID)
	if err != nil {
		return MissingReport{}, err
	}
	completed := map[string]bool{}
	started := map[string]bool{}
	failed := map[string]bool{}
	for _, event := range events {
		switch event.Type {
		case EventStarted:
			started[event.Stage] = true
		case EventCompleted:
			completed[event.Stage] = true
			delete(failed, event.Stage)
		case EventFailed, EventTimedOut:
			failed[event.Stage] = true
		}
	}
	report := MissingReport{}
	for _, name := range expected {
		if completed[name] {
			continue
		}
		report.Missing = append(report.Missing, name)
		switch {
		case failed[name]:
			report.Failed = append(report.Failed, name)
		case started[name]:
			report.StartedOnly = append(report.StartedOnly, name)
		}
	}
	return report, nil
}
