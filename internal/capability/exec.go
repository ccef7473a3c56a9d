// Package capability adapts an external stage-execution command to the
// orchestrator's runner contract. The command receives the stage request as
// JSON on stdin and must print a result envelope as JSON on stdout. The core
// inspects only the envelope, never what the command did to produce it.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"

	"github.com/kingrea/crucible/internal/orchestrator"
)

type execRequest struct {
	WorkflowID     string            `json:"workflow_id"`
	Stage          string            `json:"stage"`
	Instructions   string            `json:"instructions,omitempty"`
	InputArtifacts map[string]string `json:"input_artifacts,omitempty"`
}

type execEnvelope struct {
	Status   string `json:"status"`
	Artifact string `json:"artifact,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ExecRunner shells out to one command per stage invocation. The stage name
// is appended as the final argument.
type ExecRunner struct {
	command string
	args    []string
}

// NewExecRunner builds a runner for the given command line.
func NewExecRunner(command string, args ...string) *ExecRunner {
	return &ExecRunner{command: command, args: args}
}

// Run invokes the command and translates its output into a typed envelope.
// Every failure mode maps onto the envelope variants; Run never panics and
// never returns an unbounded error.
func (r *ExecRunner) Run(ctx context.Context, req orchestrator.StageRequest) orchestrator.StageEnvelope {
	payload := execRequest{
		WorkflowID:   req.WorkflowID,
		Stage:        req.Stage,
		Instructions: req.Instructions,
	}
	if len(req.InputArtifacts) > 0 {
		payload.InputArtifacts = make(map[string]string, len(req.InputArtifacts))
		for name, data := range req.InputArtifacts {
			payload.InputArtifacts[name] = string(data)
		}
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.StageEnvelope{Status: orchestrator.StatusFail, Notes: "encode request: " + err.Error()}
	}

	args := append(append([]string(nil), r.args...), req.Stage)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return orchestrator.StageEnvelope{Status: orchestrator.StatusTimeout}
	}
	if err != nil {
		notes := strings.TrimSpace(stderr.String())
		if notes == "" {
			notes = err.Error()
		}
		return orchestrator.StageEnvelope{Status: orchestrator.StatusFail, Notes: notes}
	}

	var envelope execEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(out), &envelope); err != nil {
		return orchestrator.StageEnvelope{Status: orchestrator.StatusFail, Notes: "malformed envelope: " + err.Error()}
	}
	return orchestrator.StageEnvelope{
		Status:   envelope.Status,
		Artifact: []byte(envelope.Artifact),
		Notes:    envelope.Notes,
	}
}
