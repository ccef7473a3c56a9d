// internal/workflow/workflow.go
//
// Defines the per-workflow directory structure and file constants. Every
// workflow owns one directory under the artifacts root; the manifest is the
// root metadata record and stage outputs sit next to it.

package workflow

import (
	"path/filepath"
)

// File names inside a workflow directory.
const (
	FileManifest = "manifest.json"
)

// ArtifactExtJSON and ArtifactExtText are the two artifact payload formats.
const (
	ArtifactExtJSON = "json"
	ArtifactExtText = "text"
)

// Workflow manages the directory structure for a single workflow run.
type Workflow struct {
	root string
	id   string
}

// New creates a workflow handle rooted at the artifacts root. It performs no
// filesystem operations; the store owns creation.
func New(artifactsRoot, id string) *Workflow {
	return &Workflow{root: filepath.Clean(artifactsRoot), id: id}
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string {
	return w.id
}

// Root returns the artifacts root this workflow lives under.
func (w *Workflow) Root() string {
	return w.root
}

// Dir returns the workflow's directory.
func (w *Workflow) Dir() string {
	return filepath.Join(w.root, w.id)
}

// ManifestPath returns the path to manifest.json.
func (w *Workflow) ManifestPath() string {
	return filepath.Join(w.Dir(), FileManifest)
}

// ArtifactPath returns the committed location for a stage's output.
func (w *Workflow) ArtifactPath(stage, ext string) string {
	if ext == "" {
		ext = ArtifactExtJSON
	}
	return filepath.Join(w.Dir(), stage+"."+ext)
}

// EventLogPath returns the append-only timing/event log for this workflow,
// kept outside the workflow directory so artifact listings stay clean.
func (w *Workflow) EventLogPath(logsDir string) string {
	return filepath.Join(logsDir, w.id+".log")
}
