// Package bridge exposes the workflow control surface over HTTP so external
// tooling can create workflows, poll progress, and resume paused runs.
// Outcomes distinguish success, advisory warnings, and blocking failures in
// both the HTTP status code and the response body.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/crucible/internal/orchestrator"
	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/store"
	"github.com/kingrea/crucible/internal/tracker"
	"github.com/kingrea/crucible/internal/workflow"
)

// Outcome classifies a control-surface response.
const (
	OutcomeSuccess  = "success"
	OutcomeAdvisory = "advisory"
	OutcomeBlocking = "blocking"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("bridge: server disabled")

// Logger receives operational messages.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Server wraps the HTTP listener and handlers backing the control surface.
type Server struct {
	settings Settings
	orch     *orchestrator.Orchestrator
	store    *store.Store
	tracker  *tracker.Tracker
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a control-surface server over the given collaborators.
func NewServer(settings Settings, orch *orchestrator.Orchestrator, st *store.Store, tr *tracker.Tracker, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("bridge: orchestrator is required")
	}
	if st == nil {
		return nil, fmt.Errorf("bridge: store is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("bridge: tracker is required")
	}
	s := &Server{
		settings: settings,
		orch:     orch,
		store:    st,
		tracker:  tr,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("bridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("bridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workflows", s.handleWorkflows)
	mux.HandleFunc("/workflows/", s.handleWorkflowByID)
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("bridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("bridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type createRequest struct {
	Request string `json:"request"`
}

type workflowResponse struct {
	Outcome string        `json:"outcome"`
	Summary store.Summary `json:"summary"`
	Error   string        `json:"error,omitempty"`
}

type missingResponse struct {
	Outcome     string   `json:"outcome"`
	Missing     []string `json:"missing"`
	StartedOnly []string `json:"started_only,omitempty"`
	Failed      []string `json:"failed,omitempty"`
}

type parallelResponse struct {
	Outcome string                           `json:"outcome"`
	Record  tracker.ParallelValidationRecord `json:"record"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

// handleWorkflows creates a workflow and drives it to a settled state.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req createRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	manifest, err := s.orch.Execute(r.Context(), req.Request)
	s.respondWithRun(w, manifest, err)
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/workflows/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow id required"})
		return
	}
	switch action {
	case "":
		s.handleSummary(w, r, id)
	case "missing":
		s.handleMissing(w, r, id)
	case "parallel":
		s.handleParallel(w, r, id)
	case "resume":
		s.handleResume(w, r, id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	summary, err := s.store.GetSummary(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{Outcome: OutcomeSuccess, Summary: summary})
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	manifest, err := s.store.LoadManifest(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	report, err := s.tracker.MissingStages(id, manifest.StageSequence)
	if err != nil {
		s.respondError(w, err)
		return
	}
	outcome := OutcomeSuccess
	if len(report.Missing) > 0 {
		outcome = OutcomeAdvisory
	}
	writeJSON(w, http.StatusOK, missingResponse{
		Outcome:     outcome,
		Missing:     report.Missing,
		StartedOnly: report.StartedOnly,
		Failed:      report.Failed,
	})
}

func (s *Server) handleParallel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	record, err := s.orch.VerifyParallel(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	outcome := OutcomeSuccess
	if record.Regression || !record.Applicable {
		outcome = OutcomeAdvisory
	}
	writeJSON(w, http.StatusOK, parallelResponse{Outcome: outcome, Record: record})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	manifest, err := s.orch.Resume(r.Context(), id)
	s.respondWithRun(w, manifest, err)
}

// respondWithRun maps a settled run to an outcome. A completed workflow is a
// success; paused and cancelled runs are advisory; everything else blocks.
func (s *Server) respondWithRun(w http.ResponseWriter, manifest workflow.Manifest, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	summary, sumErr := s.store.GetSummary(manifest.WorkflowID)
	if sumErr != nil {
		summary = store.Summary{Manifest: manifest}
	}
	switch manifest.Status {
	case workflow.StatusCompleted:
		writeJSON(w, http.StatusCreated, workflowResponse{Outcome: OutcomeSuccess, Summary: summary})
	case workflow.StatusPaused, workflow.StatusCancelled:
		writeJSON(w, http.StatusOK, workflowResponse{Outcome: OutcomeAdvisory, Summary: summary})
	default:
		writeJSON(w, http.StatusUnprocessableEntity, workflowResponse{Outcome: OutcomeBlocking, Summary: summary})
	}
}

// respondError translates domain errors into blocking HTTP responses.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case orchestrator.IsAlignmentViolation(err):
		code = http.StatusConflict
	case securegate.IsInputViolation(err), securegate.IsPathViolation(err):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrWorkflowNotFound), errors.Is(err, store.ErrArtifactNotFound):
		code = http.StatusNotFound
	case orchestrator.IsStageFailure(err), store.IsWriteConflict(err):
		code = http.StatusUnprocessableEntity
	}
	s.logger.Printf("bridge: request failed: %v", err)
	writeJSON(w, code, map[string]string{"outcome": OutcomeBlocking, "error": err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return false
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return false
	}
	if err := json.Unmarshal(body, into); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
