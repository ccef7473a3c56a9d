package workflow

import (
	"fmt"
	"time"
)

// Status enumerates workflow lifecycle states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusValidating Status = "VALIDATING"
	StatusRunning    Status = "RUNNING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists every legal state change. Cancellation is only reachable
// from RUNNING because cancels happen at stage boundaries.
var transitions = map[Status][]Status{
	StatusPending:    {StatusValidating, StatusFailed},
	StatusValidating: {StatusRunning, StatusFailed},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:     {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Manifest is the root metadata record of a workflow. It is the only mutable
// file in a workflow directory, and only the orchestrator mutates it.
type Manifest struct {
	WorkflowID      string    `json:"workflow_id"`
	Request         string    `json:"request"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StageSequence   []string  `json:"stage_sequence"`
	CompletedStages []string  `json:"completed_stages"`
	// Checkpoint is the index of the last completed stage in StageSequence;
	// -1 means no stage has completed yet.
	Checkpoint int    `json:"checkpoint"`
	FailureNote string `json:"failure_note,omitempty"`
}

// NewManifest builds the initial manifest for a freshly created workflow.
func NewManifest(id, request string, sequence []string, now time.Time) Manifest {
	seq := make([]string, len(sequence))
	copy(seq, sequence)
	return Manifest{
		WorkflowID:      id,
		Request:         request,
		Status:          StatusPending,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
		StageSequence:   seq,
		CompletedStages: []string{},
		Checkpoint:      -1,
	}
}

// Transition moves the manifest to the next status, enforcing the state
// machine. Transitioning a terminal manifest is always an error.
func (m *Manifest) Transition(to Status, now time.Time) error {
	if m.Status == to {
		return nil
	}
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("workflow %s: illegal transition %s -> %s", m.WorkflowID, m.Status, to)
	}
	m.Status = to
	m.UpdatedAt = now.UTC()
	return nil
}

// MarkStageCompleted appends the stage to the completed list and advances the
// checkpoint when the stage appears in the declared sequence.
func (m *Manifest) MarkStageCompleted(stage string, now time.Time) {
	for _, done := range m.CompletedStages {
		if done == stage {
			return
		}
	}
	m.CompletedStages = append(m.CompletedStages, stage)
	for i, name := range m.StageSequence {
		if name == stage && i > m.Checkpoint {
			m.Checkpoint = i
		}
	}
	m.UpdatedAt = now.UTC()
}

// StageCompleted reports whether the named stage is recorded as completed.
func (m *Manifest) StageCompleted(stage string) bool {
	for _, done := range m.CompletedStages {
		if done == stage {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the manifest.
func (m Manifest) Clone() Manifest {
	clone := m
	clone.StageSequence = append([]string(nil), m.StageSequence...)
	clone.CompletedStages = append([]string(nil), m.CompletedStages...)
	return clone
}
