// Package securegate is the single validation gateway for every filesystem
// path and external input the system touches. Validation is whitelist-only:
// a path is allowed when its canonical form sits under one of the configured
// roots, and rejected otherwise. There is no blacklist fallback.
package securegate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxPathLength bounds candidate path lengths before any resolution.
const DefaultMaxPathLength = 4096

// PathViolationError reports a rejected path. The candidate never reaches
// the filesystem layer.
type PathViolationError struct {
	Candidate string
	Purpose   string
	Reason    string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("securegate: path violation (%s): %s: %s", e.Purpose, e.Reason, e.Candidate)
}

// IsPathViolation reports whether err is a path violation.
func IsPathViolation(err error) bool {
	var pv *PathViolationError
	return errors.As(err, &pv)
}

// Directories that stay off-limits even under the test-mode allow-list.
var testModeExcluded = []string{
	"/etc", "/usr", "/bin", "/sbin", "/boot", "/proc", "/sys", "/dev",
}

// Gate validates paths against a whitelist of canonical roots and records
// every decision in the audit log.
type Gate struct {
	roots    []string
	testMode bool
	maxPath  int
	auditor  *Auditor
}

// Option customizes a Gate during construction.
type Option func(*Gate)

// WithAuditor attaches an audit log writer. Without one, decisions are
// still made but not recorded.
func WithAuditor(a *Auditor) Option {
	return func(g *Gate) {
		g.auditor = a
	}
}

// WithTestMode widens the allow-list to include the system temp root while
// keeping system and config directories excluded.
func WithTestMode(enabled bool) Option {
	return func(g *Gate) {
		g.testMode = enabled
	}
}

// WithMaxPathLength overrides the candidate length bound.
func WithMaxPathLength(limit int) Option {
	return func(g *Gate) {
		if limit > 0 {
			g.maxPath = limit
		}
	}
}

// New builds a gate for the provided allow-listed roots. Roots are
// canonicalized up front so later prefix checks compare like with like.
func New(roots []string, opts ...Option) (*Gate, error) {
	gate := &Gate{maxPath: DefaultMaxPathLength}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	for _, root := range roots {
		clean := strings.TrimSpace(root)
		if clean == "" {
			continue
		}
		if !filepath.IsAbs(clean) {
			return nil, fmt.Errorf("securegate: allow-listed root must be absolute: %s", root)
		}
		canonical, err := canonicalize(filepath.Clean(clean))
		if err != nil {
			return nil, fmt.Errorf("securegate: canonicalize root %s: %w", root, err)
		}
		gate.roots = append(gate.roots, canonical)
	}
	if gate.testMode {
		if tmp, err := canonicalize(os.TempDir()); err == nil {
			gate.roots = append(gate.roots, tmp)
		}
	}
	if len(gate.roots) == 0 {
		return nil, fmt.Errorf("securegate: at least one allow-listed root is required")
	}
	return gate, nil
}

// Roots returns the canonical allow-list.
func (g *Gate) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// ValidatePath canonicalizes candidate and verifies it sits under an
// allow-listed root. The returned path is the only form callers may hand to
// the filesystem.
func (g *Gate) ValidatePath(candidate, purpose string) (string, error) {
	if strings.TrimSpace(candidate) == "" {
		return "", g.deny(candidate, purpose, "empty path")
	}
	if len(candidate) > g.maxPath {
		return "", g.deny(candidate, purpose, fmt.Sprintf("path exceeds %d bytes", g.maxPath))
	}
	if strings.ContainsRune(candidate, 0) {
		return "", g.deny(candidate, purpose, "path contains NUL byte")
	}
	if containsTraversal(candidate) {
		return "", g.deny(candidate, purpose, "path contains traversal token")
	}

	resolved := candidate
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(g.roots[0], resolved)
	}
	resolved = filepath.Clean(resolved)

	canonical, err := canonicalize(resolved)
	if err != nil {
		return "", g.deny(candidate, purpose, fmt.Sprintf("cannot resolve: %v", err))
	}

	if g.testMode {
		for _, excluded := range testModeExcluded {
			if withinRoot(canonical, excluded) {
				return "", g.deny(candidate, purpose, fmt.Sprintf("system directory %s excluded in test mode", excluded))
			}
		}
	}

	for _, root := range g.roots {
		if withinRoot(canonical, root) {
			g.allow(canonical, purpose)
			return canonical, nil
		}
	}
	return "", g.deny(candidate, purpose, "outside allow-listed roots")
}

func (g *Gate) allow(path, purpose string) {
	if g.auditor == nil {
		return
	}
	g.auditor.Record(AuditEntry{
		Operation: purpose,
		Path:      path,
		Decision:  DecisionAllow,
	})
}

func (g *Gate) deny(candidate, purpose, reason string) error {
	if g.auditor != nil {
		g.auditor.Record(AuditEntry{
			Operation: purpose,
			Path:      candidate,
			Decision:  DecisionDeny,
			Reason:    reason,
		})
	}
	return &PathViolationError{Candidate: candidate, Purpose: purpose, Reason: reason}
}

// containsTraversal reports whether any path segment is "..".
func containsTraversal(path string) bool {
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// canonicalize resolves symlinks in the deepest existing ancestor of path and
// rejoins the non-existent remainder, so targets that do not exist yet (a
// workflow directory about to be created) still canonicalize correctly.
func canonicalize(path string) (string, error) {
	remainder := []string{}
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(remainder) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, remainder[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		remainder = append(remainder, filepath.Base(current))
		current = parent
	}
}

func withinRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
