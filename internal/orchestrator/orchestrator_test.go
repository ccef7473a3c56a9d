package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/profiler"
	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/stage"
	"github.com/kingrea/crucible/internal/store"
	"github.com/kingrea/crucible/internal/tracker"
	"github.com/kingrea/crucible/internal/workflow"
)

// stubRunner is a scriptable stand-in for the external capability.
type stubRunner struct {
	mu      sync.Mutex
	invoked []string
	fail    map[string]string
	timeout map[string]bool
	delay   map[string]time.Duration
	onRun   func(req StageRequest)
}

func (r *stubRunner) Run(ctx context.Context, req StageRequest) StageEnvelope {
	r.mu.Lock()
	r.invoked = append(r.invoked, req.Stage)
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun(req)
	}
	if d, ok := r.delay[req.Stage]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return StageEnvelope{Status: StatusTimeout}
		}
	}
	if r.timeout[req.Stage] {
		return StageEnvelope{Status: StatusTimeout}
	}
	if notes, ok := r.fail[req.Stage]; ok {
		return StageEnvelope{Status: StatusFail, Notes: notes}
	}
	return StageEnvelope{Status: StatusOK, Artifact: []byte(`{"stage":"` + req.Stage + `"}`)}
}

func (r *stubRunner) invocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invoked...)
}

func (r *stubRunner) invokedCount(name string) int {
	n := 0
	for _, s := range r.invocations() {
		if s == name {
			n++
		}
	}
	return n
}

type harness struct {
	store        *store.Store
	tracker      *tracker.Tracker
	orchestrator *Orchestrator
	runner       *stubRunner
}

func newHarness(t *testing.T, runner *stubRunner, opts ...Option) *harness {
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
	o, err := New(s, tr, p, stage.Default(), runner, opts...)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return &harness{store: s, tracker: tr, orchestrator: o, runner: runner}
}

func TestExecuteRunsFullPipeline(t *testing.T) {
	runner := &stubRunner{delay: map[string]time.Duration{
		"review":          20 * time.Millisecond,
		"security-report": 30 * time.Millisecond,
		"docs":            15 * time.Millisecond,
	}}
	h := newHarness(t, runner)

	manifest, err := h.orchestrator.Execute(context.Background(), "add X to the parser")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if manifest.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", manifest.Status)
	}
	summary, err := h.store.GetSummary(manifest.WorkflowID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ProgressPercent != 100 {
		t.Fatalf("progress = %f, want 100", summary.ProgressPercent)
	}
	for _, name := range []string{"plan", "test-suite", "implementation", "integration"} {
		if _, err := h.store.ReadArtifact(manifest.WorkflowID, name, workflow.ArtifactExtJSON); err != nil {
			t.Fatalf("artifact %s missing: %v", name, err)
		}
	}

	record, err := h.orchestrator.VerifyParallel(manifest.WorkflowID)
	if err != nil {
		t.Fatalf("verify parallel: %v", err)
	}
	if !record.Parallel {
		t.Fatalf("validation stages should start within the window: %+v", record)
	}
	if record.EfficiencyPercent <= 0 {
		t.Fatalf("overlapping validation stages should save time: %+v", record)
	}
}

func TestAlignmentRejectionHasNoSideEffects(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner, WithPolicy(Policy{ForbiddenPhrases: []string{"rewrite the billing system"}}))

	_, err := h.orchestrator.Execute(context.Background(), "please rewrite the billing system tonight")
	if !IsAlignmentViolation(err) {
		t.Fatalf("expected alignment violation, got %v", err)
	}
	if got := runner.invocations(); len(got) != 0 {
		t.Fatalf("no stage may run for a rejected request: %v", got)
	}
	entries, err := os.ReadDir(h.store.Root())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != "workflows" {
			t.Fatalf("workflow directory created despite rejection: %s", entry.Name())
		}
	}
}

func TestMandatoryStageFailureHaltsSequence(t *testing.T) {
	runner := &stubRunner{fail: map[string]string{"implementation": "capability unreachable"}}
	h := newHarness(t, runner)

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if !IsStageFailure(err) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if manifest.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want FAILED", manifest.Status)
	}
	if manifest.FailureNote == "" {
		t.Fatalf("failure note must name the cause")
	}
	if runner.invokedCount("integration") != 0 {
		t.Fatalf("sequence must halt before integration")
	}
	report, err := h.tracker.MissingStages(manifest.WorkflowID, manifest.StageSequence)
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	found := false
	for _, name := range report.Failed {
		if name == "implementation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("implementation should be recorded failed: %+v", report)
	}
}

func TestOptionalStageFailureDoesNotHalt(t *testing.T) {
	runner := &stubRunner{fail: map[string]string{"security-report": "scanner offline"}}
	h := newHarness(t, runner, WithTier(config.TierStandard))

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if manifest.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", manifest.Status)
	}
	if manifest.StageCompleted("security-report") {
		t.Fatalf("failed optional stage must not be marked completed")
	}
}

func TestTimeoutIsTerminalForMandatoryStage(t *testing.T) {
	runner := &stubRunner{timeout: map[string]bool{"test-suite": true}}
	h := newHarness(t, runner)

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if !IsStageFailure(err) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if manifest.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want FAILED", manifest.Status)
	}
	events, err := h.tracker.Events(manifest.WorkflowID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	sawTimeout := false
	for _, event := range events {
		if event.Stage == "test-suite" && event.Type == tracker.EventTimedOut {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatalf("timed-out stage must be recorded, not dropped: %+v", events)
	}
}

func TestResumeCompletedIsNoOp(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner)

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	before := len(runner.invocations())

	resumed, err := h.orchestrator.Resume(context.Background(), manifest.WorkflowID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s", resumed.Status)
	}
	if len(resumed.CompletedStages) != len(manifest.CompletedStages) {
		t.Fatalf("manifest changed on no-op resume")
	}
	if len(runner.invocations()) != before {
		t.Fatalf("resume of a completed workflow must invoke zero stages")
	}
}

func TestPauseAtBoundaryAndResume(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner)
	runner.onRun = func(req StageRequest) {
		if req.Stage == "plan" {
			h.orchestrator.RequestPause(req.WorkflowID)
		}
	}

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if manifest.Status != workflow.StatusPaused {
		t.Fatalf("status = %s, want PAUSED", manifest.Status)
	}
	if !manifest.StageCompleted("plan") {
		t.Fatalf("plan finished before the boundary and must stay completed")
	}
	if runner.invokedCount("test-suite") != 0 {
		t.Fatalf("no stage may start past a pause boundary")
	}

	runner.onRun = nil
	resumed, err := h.orchestrator.Resume(context.Background(), manifest.WorkflowID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != workflow.StatusCompleted {
		t.Fatalf("status after resume = %s", resumed.Status)
	}
	if runner.invokedCount("plan") != 1 {
		t.Fatalf("completed stage re-invoked on resume")
	}
}

func TestCancelAtBoundaryIsTerminal(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner)
	runner.onRun = func(req StageRequest) {
		if req.Stage == "test-suite" {
			h.orchestrator.RequestCancel(req.WorkflowID)
		}
	}

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if manifest.Status != workflow.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", manifest.Status)
	}
	if _, err := h.orchestrator.Resume(context.Background(), manifest.WorkflowID); err == nil {
		t.Fatalf("cancelled workflow must not resume")
	}
}

func TestSelfVerifyReinvokesMissingStages(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner)

	// Persist a workflow whose manifest claims full completion while the
	// tracker only saw the first five stages finish. This is the silent-skip
	// state self-verification exists to close.
	registry := stage.Default()
	manifest, err := h.store.CreateWorkflow("req", registry.Names())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now()
	for i, name := range registry.Names() {
		manifest.MarkStageCompleted(name, now)
		if i < 5 {
			if err := h.tracker.RecordStart(manifest.WorkflowID, name); err != nil {
				t.Fatalf("start: %v", err)
			}
			if err := h.tracker.RecordComplete(manifest.WorkflowID, name, name+".json"); err != nil {
				t.Fatalf("complete: %v", err)
			}
			s, _ := registry.Get(name)
			if err := h.store.WriteArtifact(manifest.WorkflowID, name, s.ArtifactExt, []byte("{}")); err != nil {
				t.Fatalf("artifact: %v", err)
			}
		}
	}
	if err := h.store.SaveManifest(manifest); err != nil {
		t.Fatalf("save: %v", err)
	}

	resumed, err := h.orchestrator.Resume(context.Background(), manifest.WorkflowID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", resumed.Status)
	}
	for _, name := range []string{"security-report", "docs"} {
		if runner.invokedCount(name) != 1 {
			t.Fatalf("self-verify must re-invoke %s exactly once, got %d", name, runner.invokedCount(name))
		}
	}
	for _, name := range []string{"plan", "test-suite", "implementation", "integration", "review"} {
		if runner.invokedCount(name) != 0 {
			t.Fatalf("stage %s already completed, must not re-run", name)
		}
	}
}

func TestResumeRebuildsFromPersistedStateOnly(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner)
	runner.onRun = func(req StageRequest) {
		if req.Stage == "implementation" {
			h.orchestrator.RequestPause(req.WorkflowID)
		}
	}
	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if manifest.Status != workflow.StatusPaused {
		t.Fatalf("status = %s", manifest.Status)
	}
	runner.onRun = nil

	// A fresh orchestrator simulates a process restart: nothing carries over
	// except what the store persisted.
	tr, err := tracker.New(h.store)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	p, err := profiler.New(h.store)
	if err != nil {
		t.Fatalf("profiler: %v", err)
	}
	fresh, err := New(h.store, tr, p, stage.Default(), runner)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	resumed, err := fresh.Resume(context.Background(), manifest.WorkflowID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", resumed.Status)
	}
	// integration consumed the implementation artifact committed before the
	// restart, proving the context came from disk.
	if runner.invokedCount("implementation") != 1 {
		t.Fatalf("implementation ran %d times", runner.invokedCount("implementation"))
	}
}

func TestWriteConflictRetriedUntilSlotReleases(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner, WithWriteRetryPolicy(3, 10*time.Millisecond))
	manifest, err := h.store.CreateWorkflow("req", stage.Default().Names())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var sleeps []time.Duration
	h.orchestrator.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	attempts := 0
	h.orchestrator.writeFn = func(workflowID, kind, ext string, payload []byte) error {
		attempts++
		if attempts <= 2 {
			return &store.WriteConflictError{WorkflowID: workflowID, Kind: kind}
		}
		return h.store.WriteArtifact(workflowID, kind, ext, payload)
	}

	err = h.orchestrator.writeArtifact(context.Background(), manifest.WorkflowID, "plan", workflow.ArtifactExtJSON, []byte(`{}`))
	if err != nil {
		t.Fatalf("write must succeed once the slot releases: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(sleeps) != 2 || sleeps[0] != 10*time.Millisecond || sleeps[1] != 20*time.Millisecond {
		t.Fatalf("backoff must double between attempts: %v", sleeps)
	}
	if _, err := h.store.ReadArtifact(manifest.WorkflowID, "plan", workflow.ArtifactExtJSON); err != nil {
		t.Fatalf("artifact not committed: %v", err)
	}
}

func TestWriteConflictSurfacesAfterRetriesExhausted(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner, WithWriteRetryPolicy(3, 10*time.Millisecond))
	manifest, err := h.store.CreateWorkflow("req", stage.Default().Names())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var sleeps []time.Duration
	h.orchestrator.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	attempts := 0
	h.orchestrator.writeFn = func(workflowID, kind, ext string, payload []byte) error {
		attempts++
		return &store.WriteConflictError{WorkflowID: workflowID, Kind: kind}
	}

	err = h.orchestrator.writeArtifact(context.Background(), manifest.WorkflowID, "plan", workflow.ArtifactExtJSON, []byte(`{}`))
	if !store.IsWriteConflict(err) {
		t.Fatalf("expected write conflict after exhaustion, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want initial try plus 3 retries", attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", sleeps, want)
		}
	}
}

func TestExecuteSurvivesTransientWriteConflict(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner, WithWriteRetryPolicy(2, time.Millisecond))
	conflicted := false
	h.orchestrator.writeFn = func(workflowID, kind, ext string, payload []byte) error {
		if kind == "plan" && !conflicted {
			conflicted = true
			return &store.WriteConflictError{WorkflowID: workflowID, Kind: kind}
		}
		return h.store.WriteArtifact(workflowID, kind, ext, payload)
	}

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if manifest.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", manifest.Status)
	}
	if !conflicted {
		t.Fatalf("conflict never injected")
	}
	if runner.invokedCount("plan") != 1 {
		t.Fatalf("a retried write must not re-run the stage, got %d invocations", runner.invokedCount("plan"))
	}
}

func TestVerifyParallelAtQuickTierIsNotApplicable(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner, WithTier(config.TierQuick))

	manifest, err := h.orchestrator.Execute(context.Background(), "req")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	record, err := h.orchestrator.VerifyParallel(manifest.WorkflowID)
	if err != nil {
		t.Fatalf("an empty mandatory validation set is not an error: %v", err)
	}
	if record.Applicable {
		t.Fatalf("quick tier has no mandatory validation stages: %+v", record)
	}
	if record.Parallel || record.Regression {
		t.Fatalf("no analysis may be reported: %+v", record)
	}
}

func TestMalformedEnvelopeIsFailure(t *testing.T) {
	runner := &stubRunner{}
	h := newHarness(t, runner)
	runner.onRun = nil
	bad := runnerFunc(func(ctx context.Context, req StageRequest) StageEnvelope {
		return StageEnvelope{Status: "maybe"}
	})
	tr, err := tracker.New(h.store)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	p, err := profiler.New(h.store)
	if err != nil {
		t.Fatalf("profiler: %v", err)
	}
	o, err := New(h.store, tr, p, stage.Default(), bad)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	manifest, err := o.Execute(context.Background(), "req")
	if !IsStageFailure(err) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if manifest.Status != workflow.StatusFailed {
		t.Fatalf("status = %s", manifest.Status)
	}
}

type runnerFunc func(ctx context.Context, req StageRequest) StageEnvelope

func (f runnerFunc) Run(ctx context.Context, req StageRequest) StageEnvelope {
	return f(ctx, req)
}
