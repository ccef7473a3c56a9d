package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/orchestrator"
	"github.com/kingrea/crucible/internal/profiler"
	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/stage"
	"github.com/kingrea/crucible/internal/store"
	"github.com/kingrea/crucible/internal/tracker"
	"github.com/kingrea/crucible/internal/workflow"
)

type okRunner struct {
	pauseOn string
	orch    **orchestrator.Orchestrator
}

func (r *okRunner) Run(ctx context.Context, req orchestrator.StageRequest) orchestrator.StageEnvelope {
	if r.pauseOn != "" && req.Stage == r.pauseOn && r.orch != nil && *r.orch != nil {
		(*r.orch).RequestPause(req.WorkflowID)
		r.pauseOn = ""
	}
	return orchestrator.StageEnvelope{Status: orchestrator.StatusOK, Artifact: []byte(`{}`)}
}

type bridgeHarness struct {
	server  *Server
	store   *store.Store
	tracker *tracker.Tracker
}

func newBridgeHarness(t *testing.T, runner *okRunner, orchOpts ...orchestrator.Option) *bridgeHarness {
	t.Helper()
	root := t.TempDir()
	gate, err := securegate.New([]string{root})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	s, err := store.New(gate, root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	tr, err := tracker.New(s)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	p, err := profiler.New(s)
	if err != nil {
		t.Fatalf("profiler: %v", err)
	}
	orch, err := orchestrator.New(s, tr, p, stage.Default(), runner, orchOpts...)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	if runner.orch != nil {
		*runner.orch = orch
	}

	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0}
	settings.normalize()
	srv, err := NewServer(settings, orch, s, tr)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		// Every harness binds the same default port, so drop idle keep-alive
		// connections to the shut-down server before the next test posts.
		http.DefaultClient.CloseIdleConnections()
	})
	return &bridgeHarness{server: srv, store: s, tracker: tr}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{})
	resp, err := http.Get(h.server.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[healthResponse](t, resp)
	if body.Status != string(StatusReady) {
		t.Fatalf("server status = %s", body.Status)
	}
}

func TestCreateWorkflowRunsToCompletion(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{})
	resp := postJSON(t, h.server.BaseURL()+"/workflows", createRequest{Request: "add X"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[workflowResponse](t, resp)
	if body.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", body.Outcome)
	}
	if body.Summary.Manifest.Status != workflow.StatusCompleted {
		t.Fatalf("workflow status = %s", body.Summary.Manifest.Status)
	}
	if body.Summary.ProgressPercent != 100 {
		t.Fatalf("progress = %f", body.Summary.ProgressPercent)
	}
}

func TestAlignmentRejectionIsBlocking(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{},
		orchestrator.WithPolicy(orchestrator.Policy{ForbiddenPhrases: []string{"drop the database"}}))
	resp := postJSON(t, h.server.BaseURL()+"/workflows", createRequest{Request: "drop the database please"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSummaryUnknownWorkflow(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{})
	resp, err := http.Get(h.server.BaseURL() + "/workflows/wf-20260830-000000-deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMissingStagesAdvisory(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{})
	manifest, err := h.store.CreateWorkflow("req", stage.Default().Names())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, name := range []string{"plan", "test-suite"} {
		if err := h.tracker.RecordStart(manifest.WorkflowID, name); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := h.tracker.RecordComplete(manifest.WorkflowID, name, name+".json"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	resp, err := http.Get(h.server.BaseURL() + "/workflows/" + manifest.WorkflowID + "/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[missingResponse](t, resp)
	if body.Outcome != OutcomeAdvisory {
		t.Fatalf("outcome = %s, want advisory", body.Outcome)
	}
	if len(body.Missing) != 5 {
		t.Fatalf("missing = %v", body.Missing)
	}
}

func TestResumePausedWorkflow(t *testing.T) {
	runner := &okRunner{pauseOn: "implementation"}
	var orch *orchestrator.Orchestrator
	runner.orch = &orch
	h := newBridgeHarness(t, runner)

	resp := postJSON(t, h.server.BaseURL()+"/workflows", createRequest{Request: "req"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for paused run", resp.StatusCode)
	}
	body := decode[workflowResponse](t, resp)
	if body.Outcome != OutcomeAdvisory {
		t.Fatalf("outcome = %s, want advisory", body.Outcome)
	}
	id := body.Summary.Manifest.WorkflowID

	resp = postJSON(t, h.server.BaseURL()+"/workflows/"+id+"/resume", struct{}{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	resumed := decode[workflowResponse](t, resp)
	if resumed.Summary.Manifest.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s", resumed.Summary.Manifest.Status)
	}
}

func TestParallelMetricsEndpoint(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{})
	resp := postJSON(t, h.server.BaseURL()+"/workflows", createRequest{Request: "req"})
	body := decode[workflowResponse](t, resp)
	id := body.Summary.Manifest.WorkflowID

	metrics, err := http.Get(h.server.BaseURL() + "/workflows/" + id + "/parallel")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", metrics.StatusCode)
	}
	record := decode[parallelResponse](t, metrics)
	if !record.Record.Parallel {
		t.Fatalf("validation stages should classify as parallel: %+v", record.Record)
	}
}

func TestParallelNotApplicableIsAdvisory(t *testing.T) {
	h := newBridgeHarness(t, &okRunner{}, orchestrator.WithTier(config.TierQuick))
	resp := postJSON(t, h.server.BaseURL()+"/workflows", createRequest{Request: "req"})
	body := decode[workflowResponse](t, resp)
	id := body.Summary.Manifest.WorkflowID

	metrics, err := http.Get(h.server.BaseURL() + "/workflows/" + id + "/parallel")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", metrics.StatusCode)
	}
	parallel := decode[parallelResponse](t, metrics)
	if parallel.Outcome != OutcomeAdvisory {
		t.Fatalf("outcome = %s, want advisory", parallel.Outcome)
	}
	if parallel.Record.Applicable {
		t.Fatalf("quick tier has no eligible validation stages: %+v", parallel.Record)
	}
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("CRUCIBLE_BRIDGE_PORT", "9001")
	t.Setenv("CRUCIBLE_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("CRUCIBLE_BRIDGE_ENABLED", "true")
	cfg := &config.Config{}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("port = %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("host = %s", settings.Host)
	}
	if !settings.Enabled {
		t.Fatalf("expected enabled=true from env override")
	}
	if settings.ReadTimeout != DefaultReadTimeout {
		t.Fatalf("read timeout = %s", settings.ReadTimeout)
	}
}

func TestDisabledServerRefusesStart(t *testing.T) {
	settings := Settings{Enabled: false}
	settings.normalize()
	root := t.TempDir()
	gate, err := securegate.New([]string{root})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	s, err := store.New(gate, root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	tr, err := tracker.New(s)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	p, err := profiler.New(s)
	if err != nil {
		t.Fatalf("profiler: %v", err)
	}
	orch, err := orchestrator.New(s, tr, p, stage.Default(), &okRunner{})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	srv, err := NewServer(settings, orch, s, tr)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("disabled server must refuse to start")
	}
}
