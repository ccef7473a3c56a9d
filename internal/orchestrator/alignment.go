package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/store"
)

// Policy declares the scope constraints a request must align with before any
// workflow state is created.
type Policy struct {
	// ForbiddenPhrases reject requests touching declared out-of-scope areas.
	// Matching is case-insensitive substring.
	ForbiddenPhrases []string
}

// AlignmentViolationError rejects a request before workflow creation.
type AlignmentViolationError struct {
	Reason string
}

func (e *AlignmentViolationError) Error() string {
	return fmt.Sprintf("orchestrator: alignment violation: %s", e.Reason)
}

// IsAlignmentViolation reports whether err is an alignment rejection.
func IsAlignmentViolation(err error) bool {
	var av *AlignmentViolationError
	return errors.As(err, &av)
}

// ValidateAlignment is the mandatory pre-flight gate. It fails closed and has
// no side effects: no workflow, artifact, or log entry exists for a rejected
// request.
func (o *Orchestrator) ValidateAlignment(request string) error {
	if _, err := securegate.ValidateInput(request, securegate.KindRequestText, store.MaxRequestLength); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(request)
	if trimmed == "" {
		return &AlignmentViolationError{Reason: "request is empty"}
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range o.policy.ForbiddenPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, phrase) {
			return &AlignmentViolationError{Reason: fmt.Sprintf("request conflicts with declared scope (%q)", phrase)}
		}
	}
	return nil
}
