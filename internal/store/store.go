// Package store owns every byte written under the artifacts root. Artifact
// commits are atomic: payloads land in a temp file inside the workflow
// directory and are renamed into place, so readers never observe partial
// content. Every path the store touches has passed the security gate first.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/workflow"
)

// MaxRequestLength bounds the original request text.
const MaxRequestLength = 10000

// MaxIdentifierLength bounds workflow ids and artifact kinds.
const MaxIdentifierLength = 128

// ErrWorkflowNotFound is returned when no workflow directory exists for an id.
var ErrWorkflowNotFound = errors.New("store: workflow not found")

// ErrArtifactNotFound is returned when a stage has not committed its output.
var ErrArtifactNotFound = errors.New("store: artifact not found")

// WriteConflictError reports a second concurrent writer on an artifact slot.
// The store fails fast rather than queuing; retry policy belongs to callers.
type WriteConflictError struct {
	WorkflowID string
	Kind       string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("store: write conflict on %s/%s: slot already held", e.WorkflowID, e.Kind)
}

// IsWriteConflict reports whether err is a write conflict.
func IsWriteConflict(err error) bool {
	var wc *WriteConflictError
	return errors.As(err, &wc)
}

// Store creates and mutates workflow state on disk.
type Store struct {
	gate    *securegate.Gate
	root    string
	logsDir string
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	logs     map[string]*logbook.Logbook
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for manifest timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New builds a store rooted at artifactsRoot. The root itself must pass the
// gate, which also pins down its canonical form for later joins.
func New(gate *securegate.Gate, artifactsRoot string, opts ...Option) (*Store, error) {
	if gate == nil {
		return nil, fmt.Errorf("store: security gate is required")
	}
	root, err := gate.ValidatePath(artifactsRoot, "init-store")
	if err != nil {
		return nil, err
	}
	s := &Store{
		gate:     gate,
		root:     root,
		logsDir:  filepath.Join(root, "workflows"),
		now:      time.Now,
		inflight: map[string]struct{}{},
		logs:     map[string]*logbook.Logbook{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := os.MkdirAll(s.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure logs dir: %w", err)
	}
	return s, nil
}

// Root returns the canonical artifacts root.
func (s *Store) Root() string {
	return s.root
}

// CreateWorkflow allocates a unique id, creates the workflow directory, and
// writes the initial manifest with status PENDING.
func (s *Store) CreateWorkflow(request string, sequence []string) (workflow.Manifest, error) {
	if _, err := securegate.ValidateInput(request, securegate.KindRequestText, MaxRequestLength); err != nil {
		return workflow.Manifest{}, err
	}
	if len(sequence) == 0 {
		return workflow.Manifest{}, fmt.Errorf("store: stage sequence is required")
	}

	now := s.now()
	var wf *workflow.Workflow
	for attempt := 0; ; attempt++ {
		id := workflow.NewID(now)
		candidate := workflow.New(s.root, id)
		dir, err := s.gate.ValidatePath(candidate.Dir(), "create-workflow")
		if err != nil {
			return workflow.Manifest{}, err
		}
		if err := os.Mkdir(dir, 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) && attempt < 5 {
				continue
			}
			return workflow.Manifest{}, fmt.Errorf("store: create workflow dir: %w", err)
		}
		wf = candidate
		break
	}

	manifest := workflow.NewManifest(wf.ID(), request, sequence, now)
	if err := s.SaveManifest(manifest); err != nil {
		return workflow.Manifest{}, err
	}
	return manifest, nil
}

// LoadManifest reads the manifest for a workflow id.
func (s *Store) LoadManifest(id string) (workflow.Manifest, error) {
	wf, err := s.handle(id)
	if err != nil {
		return workflow.Manifest{}, err
	}
	path, err := s.gate.ValidatePath(wf.ManifestPath(), "read-manifest")
	if err != nil {
		return workflow.Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return workflow.Manifest{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return workflow.Manifest{}, err
	}
	var manifest workflow.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return workflow.Manifest{}, fmt.Errorf("store: parse manifest for %s: %w", id, err)
	}
	return manifest, nil
}

// SaveManifest atomically replaces the manifest. The manifest is the only
// mutable file in a workflow directory.
func (s *Store) SaveManifest(manifest workflow.Manifest) error {
	wf, err := s.handle(manifest.WorkflowID)
	if err != nil {
		return err
	}
	path, err := s.gate.ValidatePath(wf.ManifestPath(), "write-manifest")
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, append(encoded, '\n'))
}

// WriteArtifact commits a stage's payload. At most one writer may hold a
// (workflow, kind) slot at a time; a second concurrent attempt fails with
// WriteConflictError.
func (s *Store) WriteArtifact(id, kind, ext string, payload []byte) error {
	wf, err := s.handle(id)
	if err != nil {
		return err
	}
	if _, err := securegate.ValidateInput(kind, securegate.KindIdentifier, MaxIdentifierLength); err != nil {
		return err
	}
	path, err := s.gate.ValidatePath(wf.ArtifactPath(kind, ext), "write-artifact")
	if err != nil {
		return err
	}

	slot := id + "/" + kind
	s.mu.Lock()
	if _, held := s.inflight[slot]; held {
		s.mu.Unlock()
		return &WriteConflictError{WorkflowID: id, Kind: kind}
	}
	s.inflight[slot] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, slot)
		s.mu.Unlock()
	}()

	return atomicWrite(path, payload)
}

// ReadArtifact returns a committed artifact payload.
func (s *Store) ReadArtifact(id, kind, ext string) ([]byte, error) {
	wf, err := s.handle(id)
	if err != nil {
		return nil, err
	}
	path, err := s.gate.ValidatePath(wf.ArtifactPath(kind, ext), "read-artifact")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, id, kind)
		}
		return nil, err
	}
	return data, nil
}

// Summary is the manifest plus derived progress.
type Summary struct {
	Manifest        workflow.Manifest `json:"manifest"`
	ProgressPercent float64           `json:"progress_percent"`
}

// GetSummary returns the manifest and completed/expected progress.
func (s *Store) GetSummary(id string) (Summary, error) {
	manifest, err := s.LoadManifest(id)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Manifest: manifest}
	if expected := len(manifest.StageSequence); expected > 0 {
		summary.ProgressPercent = float64(len(manifest.CompletedStages)) / float64(expected) * 100
	}
	return summary, nil
}

// EventLog returns the append-only timing/event logbook for a workflow.
func (s *Store) EventLog(id string) (*logbook.Logbook, error) {
	wf, err := s.handle(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lb, ok := s.logs[id]; ok {
		return lb, nil
	}
	path, err := s.gate.ValidatePath(wf.EventLogPath(s.logsDir), "append-event-log")
	if err != nil {
		return nil, err
	}
	lb, err := logbook.New(path)
	if err != nil {
		return nil, err
	}
	s.logs[id] = lb
	return lb, nil
}

// AppendEvent writes one structured record to the workflow's event log.
func (s *Store) AppendEvent(id string, record any) error {
	lb, err := s.EventLog(id)
	if err != nil {
		return err
	}
	return lb.AppendRecord(record)
}

// ReadEventLines returns every line of the workflow's event log in append
// order. A missing log reads as empty.
func (s *Store) ReadEventLines(id string) ([]string, error) {
	lb, err := s.EventLog(id)
	if err != nil {
		return nil, err
	}
	return lb.Tail(1 << 20), nil
}

func (s *Store) handle(id string) (*workflow.Workflow, error) {
	if _, err := securegate.ValidateInput(id, securegate.KindIdentifier, MaxIdentifierLength); err != nil {
		return nil, err
	}
	return workflow.New(s.root, id), nil
}

// atomicWrite stages data in a temp file beside path and renames it into
// place. Rename within a directory is atomic on POSIX filesystems.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: stage temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: commit %s: %w", path, err)
	}
	return nil
}
