// Package stage defines the typed stage contracts the orchestrator executes.
// Each stage is one unit of pipeline work producing exactly one artifact.
package stage

import (
	"fmt"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/workflow"
)

// Class captures scheduling behavior. Sequential stages consume the
// immediately preceding stage's committed artifact; validation stages have no
// data dependency on one another and may run concurrently.
type Class string

const (
	ClassSequential Class = "sequential"
	ClassValidation Class = "validation"
)

// Stage declares one pipeline stage.
type Stage struct {
	Name        string
	Description string
	// ArtifactExt is the payload format of the stage's output artifact.
	ArtifactExt string
	Class       Class
	// Prerequisites are stage names that must be completed before this stage
	// may start.
	Prerequisites []string
	// MinTier is the lowest execution tier at which the stage is mandatory.
	// At lower tiers the stage still runs but its failure does not halt the
	// sequence.
	MinTier string
	// Instructions references the opaque instruction pack handed to the
	// external capability. The core never inspects its content.
	Instructions string
}

// Validate ensures the stage declaration is well-formed.
func (s Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage: name is required")
	}
	switch s.ArtifactExt {
	case workflow.ArtifactExtJSON, workflow.ArtifactExtText:
	default:
		return fmt.Errorf("stage: unknown artifact format %q for %s", s.ArtifactExt, s.Name)
	}
	switch s.Class {
	case ClassSequential, ClassValidation:
	default:
		return fmt.Errorf("stage: unknown class %q for %s", s.Class, s.Name)
	}
	if _, ok := tierRank[s.MinTier]; !ok {
		return fmt.Errorf("stage: unknown tier %q for %s", s.MinTier, s.Name)
	}
	return nil
}

var tierRank = map[string]int{
	config.TierQuick:    0,
	config.TierStandard: 1,
	config.TierFull:     2,
}

// MandatoryFor reports whether the stage is mandatory at the given tier.
// Unknown tiers are treated as full so nothing is skipped by accident.
func (s Stage) MandatoryFor(tier string) bool {
	rank, ok := tierRank[tier]
	if !ok {
		rank = tierRank[config.TierFull]
	}
	return rank >= tierRank[s.MinTier]
}
