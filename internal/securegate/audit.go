package securegate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Decision records the outcome of a gate check.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AuditEntry is one structured line in the security audit log.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
}

// Logger matches the logging surface auditors report degraded mode through.
type Logger interface {
	Printf(format string, args ...any)
}

// Auditor appends audit entries to a single file, one JSON object per line.
// A write failure never aborts the calling operation: the auditor flips into
// degraded mode, reports a warning, and keeps accepting entries so later
// appends can recover.
type Auditor struct {
	path   string
	logger Logger
	clock  func() time.Time

	mu       sync.Mutex
	degraded bool
}

// AuditorOption customizes an Auditor.
type AuditorOption func(*Auditor)

// AuditorWithLogger directs degraded-mode warnings to the provided logger.
func AuditorWithLogger(logger Logger) AuditorOption {
	return func(a *Auditor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// AuditorWithClock injects a deterministic clock for tests.
func AuditorWithClock(clock func() time.Time) AuditorOption {
	return func(a *Auditor) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAuditor creates an auditor writing to path.
func NewAuditor(path string, opts ...AuditorOption) (*Auditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("securegate: ensure audit dir: %w", err)
	}
	auditor := &Auditor{
		path:  path,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(auditor)
		}
	}
	return auditor, nil
}

// Path returns the audit log location.
func (a *Auditor) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Record appends the entry. The timestamp is taken under the lock, so the
// log stays in strict time order even with concurrent callers; failures are
// surfaced as warnings, never swallowed and never propagated to the caller.
func (a *Auditor) Record(entry AuditEntry) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry.Time.IsZero() {
		entry.Time = a.clock()
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		a.degradeLocked("encode audit entry: %v", err)
		return
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.degradeLocked("open audit log: %v", err)
		return
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		a.degradeLocked("append audit log: %v", err)
		return
	}
	a.degraded = false
}

// Degraded reports whether the most recent append failed.
func (a *Auditor) Degraded() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

func (a *Auditor) degradeLocked(format string, args ...any) {
	a.degraded = true
	if a.logger != nil {
		a.logger.Printf("securegate: audit log degraded: "+format, args...)
	}
}
