package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Envelope statuses reported by the external capability.
const (
	StatusOK      = "ok"
	StatusFail    = "fail"
	StatusTimeout = "timeout"
)

// StageRequest is the input handed to the external capability. Instructions
// are an opaque reference; the core never inspects their content.
type StageRequest struct {
	WorkflowID     string
	Stage          string
	InputArtifacts map[string][]byte
	Instructions   string
}

// StageEnvelope is the typed result of one capability invocation. Modeling
// the outcome as a variant keeps the state machine isolated from however the
// capability happens to fail.
type StageEnvelope struct {
	Status   string
	Artifact []byte
	Notes    string
}

// StageRunner is the external stage-execution capability.
type StageRunner interface {
	Run(ctx context.Context, req StageRequest) StageEnvelope
}

// StageFailureError reports which stage halted a workflow and why.
type StageFailureError struct {
	WorkflowID string
	Stage      string
	Reason     string
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("orchestrator: workflow %s stage %s: %s", e.WorkflowID, e.Stage, e.Reason)
}

// IsStageFailure reports whether err is a stage failure.
func IsStageFailure(err error) bool {
	var sf *StageFailureError
	return errors.As(err, &sf)
}
