package stage

import (
	"fmt"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/workflow"
)

// Default returns the canonical seven-stage pipeline. The first four stages
// are strictly sequential; the trailing three are validation-class and may
// execute concurrently once integration has committed its artifact.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(Stage{
		Name:         "plan",
		Description:  "Break the request into an implementation plan",
		ArtifactExt:  workflow.ArtifactExtJSON,
		Class:        ClassSequential,
		MinTier:      config.TierQuick,
		Instructions: "instructions/plan",
	})
	r.MustRegister(Stage{
		Name:          "test-suite",
		Description:   "Author the test suite the implementation must satisfy",
		ArtifactExt:   workflow.ArtifactExtJSON,
		Class:         ClassSequential,
		Prerequisites: []string{"plan"},
		MinTier:       config.TierQuick,
		Instructions:  "instructions/test-suite",
	})
	r.MustRegister(Stage{
		Name:          "implementation",
		Description:   "Produce the implementation satisfying the test suite",
		ArtifactExt:   workflow.ArtifactExtJSON,
		Class:         ClassSequential,
		Prerequisites: []string{"test-suite"},
		MinTier:       config.TierQuick,
		Instructions:  "instructions/implementation",
	})
	r.MustRegister(Stage{
		Name:          "integration",
		Description:   "Reconcile implementation with the test suite",
		ArtifactExt:   workflow.ArtifactExtJSON,
		Class:         ClassSequential,
		Prerequisites: []string{"implementation"},
		MinTier:       config.TierQuick,
		Instructions:  "instructions/integration",
	})
	r.MustRegister(Stage{
		Name:          "review",
		Description:   "Expert review of the integrated change",
		ArtifactExt:   workflow.ArtifactExtText,
		Class:         ClassValidation,
		Prerequisites: []string{"integration"},
		MinTier:       config.TierStandard,
		Instructions:  "instructions/review",
	})
	r.MustRegister(Stage{
		Name:          "security-report",
		Description:   "Security assessment of the integrated change",
		ArtifactExt:   workflow.ArtifactExtJSON,
		Class:         ClassValidation,
		Prerequisites: []string{"integration"},
		MinTier:       config.TierFull,
		Instructions:  "instructions/security-report",
	})
	r.MustRegister(Stage{
		Name:          "docs",
		Description:   "Documentation for the shipped change",
		ArtifactExt:   workflow.ArtifactExtText,
		Class:         ClassValidation,
		Prerequisites: []string{"integration"},
		MinTier:       config.TierStandard,
		Instructions:  "instructions/docs",
	})
	return r
}

// PrerequisitesMet reports whether every prerequisite of the named stage is
// in the completed set.
func (r *Registry) PrerequisitesMet(name string, completed map[string]bool) (bool, error) {
	s, ok := r.Get(name)
	if !ok {
		return false, fmt.Errorf("stage: unknown stage %s", name)
	}
	for _, dep := range s.Prerequisites {
		if !completed[dep] {
			return false, nil
		}
	}
	return true, nil
}

// ValidationBatch returns the names of consecutive validation-class stages
// starting at index i of the sequence. Sequential stages always come back as
// a batch of one.
func (r *Registry) ValidationBatch(sequence []string, i int) []string {
	if i >= len(sequence) {
		return nil
	}
	first, ok := r.Get(sequence[i])
	if !ok || first.Class != ClassValidation {
		return sequence[i : i+1]
	}
	j := i
	for j < len(sequence) {
		s, ok := r.Get(sequence[j])
		if !ok || s.Class != ClassValidation {
			break
		}
		j++
	}
	return sequence[i:j]
}
