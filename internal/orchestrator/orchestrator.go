// Package orchestrator drives the stage sequence for a workflow. It owns the
// workflow state machine, checkpoints at stage boundaries, and is the sole
// writer of stage events for a given workflow while it runs.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/profiler"
	"github.com/kingrea/crucible/internal/stage"
	"github.com/kingrea/crucible/internal/store"
	"github.com/kingrea/crucible/internal/tracker"
	"github.com/kingrea/crucible/internal/workflow"
)

// DefaultStageTimeout bounds a single capability invocation.
const DefaultStageTimeout = 10 * time.Minute

// Orchestrator coordinates the store, tracker, profiler, and the external
// capability while persisting workflow state.
type Orchestrator struct {
	store    *store.Store
	tracker  *tracker.Tracker
	profiler *profiler.Profiler
	registry *stage.Registry
	runner   StageRunner

	policy         Policy
	tier           string
	stageTimeout   time.Duration
	parallelWindow time.Duration
	writeRetries   int
	writeBackoff   time.Duration
	now            func() time.Time
	writeFn        func(workflowID, kind, ext string, payload []byte) error
	sleep          func(ctx context.Context, d time.Duration) error

	ctlMu    sync.Mutex
	controls map[string]*control
}

type control struct {
	pause  bool
	cancel bool
}

// Option customizes the orchestrator instance.
type Option func(*Orchestrator)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithPolicy sets the alignment policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithTier sets the execution tier.
func WithTier(tier string) Option {
	return func(o *Orchestrator) {
		if tier != "" {
			o.tier = tier
		}
	}
}

// WithStageTimeout bounds how long one stage may run.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

// WithParallelWindow sets the start window used by parallel verification.
func WithParallelWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.parallelWindow = d
		}
	}
}

// WithWriteRetryPolicy bounds artifact write-conflict retries.
func WithWriteRetryPolicy(retries int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if retries >= 0 {
			o.writeRetries = retries
		}
		if backoff > 0 {
			o.writeBackoff = backoff
		}
	}
}

// New wires an orchestrator to its collaborators.
func New(s *store.Store, t *tracker.Tracker, p *profiler.Profiler, registry *stage.Registry, runner StageRunner, opts ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if t == nil {
		return nil, fmt.Errorf("orchestrator: tracker is required")
	}
	if p == nil {
		return nil, fmt.Errorf("orchestrator: profiler is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("orchestrator: stage registry is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("orchestrator: stage runner is required")
	}
	o := &Orchestrator{
		store:          s,
		tracker:        t,
		profiler:       p,
		registry:       registry,
		runner:         runner,
		tier:           config.TierFull,
		stageTimeout:   DefaultStageTimeout,
		parallelWindow: tracker.DefaultParallelWindow,
		writeRetries:   3,
		writeBackoff:   250 * time.Millisecond,
		now:            func() time.Time { return time.Now().UTC() },
		writeFn:        s.WriteArtifact,
		sleep:          sleepContext,
		controls:       map[string]*control{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Execute runs a request through the full pipeline: alignment pre-check,
// workflow creation, stage execution, self-verification, finalization. A
// paused or cancelled workflow comes back with that status and a nil error.
func (o *Orchestrator) Execute(ctx context.Context, request string) (workflow.Manifest, error) {
	if err := o.ValidateAlignment(request); err != nil {
		return workflow.Manifest{}, err
	}
	manifest, err := o.store.CreateWorkflow(request, o.registry.Names())
	if err != nil {
		return workflow.Manifest{}, err
	}
	if err := o.transition(&manifest, workflow.StatusValidating); err != nil {
		return manifest, err
	}
	if err := o.validateSequence(&manifest); err != nil {
		return o.failWorkflow(manifest, err)
	}
	if err := o.transition(&manifest, workflow.StatusRunning); err != nil {
		return manifest, err
	}
	return o.runFrom(ctx, manifest)
}

// Resume reconstructs execution exclusively from persisted state. Resuming a
// COMPLETED workflow is a no-op that invokes zero stages; FAILED and
// CANCELLED workflows cannot be resumed.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (workflow.Manifest, error) {
	manifest, err := o.store.LoadManifest(workflowID)
	if err != nil {
		return workflow.Manifest{}, err
	}
	switch manifest.Status {
	case workflow.StatusCompleted:
		return manifest, nil
	case workflow.StatusFailed, workflow.StatusCancelled:
		return manifest, fmt.Errorf("orchestrator: workflow %s: cannot resume a %s workflow", workflowID, manifest.Status)
	case workflow.StatusPending:
		if err := o.transition(&manifest, workflow.StatusValidating); err != nil {
			return manifest, err
		}
		fallthrough
	case workflow.StatusValidating:
		if err := o.validateSequence(&manifest); err != nil {
			return o.failWorkflow(manifest, err)
		}
	}
	if err := o.transition(&manifest, workflow.StatusRunning); err != nil {
		return manifest, err
	}
	return o.runFrom(ctx, manifest)
}

// RequestPause asks the orchestrator to pause the workflow at the next stage
// boundary. Running stages are opaque and always run to their own end.
func (o *Orchestrator) RequestPause(workflowID string) {
	o.ctlMu.Lock()
	defer o.ctlMu.Unlock()
	o.ensureControl(workflowID).pause = true
}

// RequestCancel asks the orchestrator to cancel the workflow at the next
// stage boundary.
func (o *Orchestrator) RequestCancel(workflowID string) {
	o.ctlMu.Lock()
	defer o.ctlMu.Unlock()
	o.ensureControl(workflowID).cancel = true
}

func (o *Orchestrator) ensureControl(workflowID string) *control {
	ctl, ok := o.controls[workflowID]
	if !ok {
		ctl = &control{}
		o.controls[workflowID] = ctl
	}
	return ctl
}

// runFrom executes the remaining stages of the manifest's declared sequence.
// Consecutive validation-class stages run concurrently; everything else is
// strictly sequential. Checkpoints happen only at stage boundaries.
func (o *Orchestrator) runFrom(ctx context.Context, manifest workflow.Manifest) (workflow.Manifest, error) {
	sequence := manifest.StageSequence
	for i := 0; i < len(sequence); {
		if manifest.StageCompleted(sequence[i]) {
			i++
			continue
		}
		halted, err := o.checkBoundary(&manifest)
		if err != nil {
			return manifest, err
		}
		if halted {
			return manifest, nil
		}

		batch := o.registry.ValidationBatch(sequence, i)
		if len(batch) == 1 {
			if err := o.executeAndRecord(ctx, &manifest, batch[0]); err != nil {
				return o.failWorkflow(manifest, err)
			}
		} else {
			if err := o.executeBatch(ctx, &manifest, batch); err != nil {
				return o.failWorkflow(manifest, err)
			}
		}
		if err := o.store.SaveManifest(manifest); err != nil {
			return manifest, err
		}
		i += len(batch)
	}

	if err := o.SelfVerify(ctx, &manifest); err != nil {
		return o.failWorkflow(manifest, err)
	}
	if err := o.transition(&manifest, workflow.StatusCompleted); err != nil {
		return manifest, err
	}
	return manifest, nil
}

// executeAndRecord runs one stage and, on success, marks it completed in the
// manifest. Failures of stages optional at the current tier are recorded but
// do not halt the sequence.
func (o *Orchestrator) executeAndRecord(ctx context.Context, manifest *workflow.Manifest, name string) error {
	err := o.runStage(ctx, manifest.Clone(), name)
	if err == nil {
		manifest.MarkStageCompleted(name, o.now())
		return nil
	}
	if s, ok := o.registry.Get(name); ok && !s.MandatoryFor(o.tier) {
		return nil
	}
	return err
}

// executeBatch runs validation-class stages concurrently. All stages in the
// batch run to their own end before the boundary is evaluated; the first
// mandatory failure wins.
func (o *Orchestrator) executeBatch(ctx context.Context, manifest *workflow.Manifest, batch []string) error {
	snapshot := manifest.Clone()
	results := make([]error, len(batch))
	var wg sync.WaitGroup
	for idx, name := range batch {
		if manifest.StageCompleted(name) {
			continue
		}
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			results[idx] = o.runStage(ctx, snapshot, name)
		}(idx, name)
	}
	wg.Wait()

	var firstFailure error
	for idx, name := range batch {
		if manifest.StageCompleted(name) {
			continue
		}
		if results[idx] == nil {
			manifest.MarkStageCompleted(name, o.now())
			continue
		}
		if s, ok := o.registry.Get(name); ok && !s.MandatoryFor(o.tier) {
			continue
		}
		if firstFailure == nil {
			firstFailure = results[idx]
		}
	}
	return firstFailure
}

// runStage invokes the external capability for one stage and persists the
// outcome. On success the completion event is recorded first, then the
// artifact is committed.
func (o *Orchestrator) runStage(ctx context.Context, manifest workflow.Manifest, name string) (err error) {
	s, ok := o.registry.Get(name)
	if !ok {
		return &StageFailureError{WorkflowID: manifest.WorkflowID, Stage: name, Reason: "stage not registered"}
	}

	timer := o.profiler.StartTimer(manifest.WorkflowID, "stage:"+name)
	defer func() {
		if stopErr := timer.Stop(err); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	completed := map[string]bool{}
	for _, done := range manifest.CompletedStages {
		completed[done] = true
	}
	met, err := o.registry.PrerequisitesMet(name, completed)
	if err != nil {
		return err
	}
	if !met {
		return &StageFailureError{WorkflowID: manifest.WorkflowID, Stage: name, Reason: "prerequisites not completed"}
	}

	inputs, err := o.inputArtifacts(manifest.WorkflowID, s)
	if err != nil {
		return err
	}
	if err := o.tracker.RecordStart(manifest.WorkflowID, name); err != nil {
		return err
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	envelope := o.runner.Run(stageCtx, StageRequest{
		WorkflowID:     manifest.WorkflowID,
		Stage:          name,
		InputArtifacts: inputs,
		Instructions:   s.Instructions,
	})

	switch envelope.Status {
	case StatusOK:
		artifactRef := name + "." + s.ArtifactExt
		if err := o.tracker.RecordComplete(manifest.WorkflowID, name, artifactRef); err != nil {
			return err
		}
		if err := o.writeArtifact(ctx, manifest.WorkflowID, name, s.ArtifactExt, envelope.Artifact); err != nil {
			return err
		}
		return nil
	case StatusTimeout:
		if recErr := o.tracker.RecordTimeout(manifest.WorkflowID, name); recErr != nil {
			return recErr
		}
		return &StageFailureError{WorkflowID: manifest.WorkflowID, Stage: name, Reason: "stage timed out"}
	case StatusFail:
		reason := envelope.Notes
		if reason == "" {
			reason = "capability reported failure"
		}
		if recErr := o.tracker.RecordFailed(manifest.WorkflowID, name, reason); recErr != nil {
			return recErr
		}
		return &StageFailureError{WorkflowID: manifest.WorkflowID, Stage: name, Reason: reason}
	default:
		reason := fmt.Sprintf("malformed result envelope (status %q)", envelope.Status)
		if recErr := o.tracker.RecordFailed(manifest.WorkflowID, name, reason); recErr != nil {
			return recErr
		}
		return &StageFailureError{WorkflowID: manifest.WorkflowID, Stage: name, Reason: reason}
	}
}

// inputArtifacts loads the committed artifacts of the stage's prerequisites.
func (o *Orchestrator) inputArtifacts(workflowID string, s stage.Stage) (map[string][]byte, error) {
	if len(s.Prerequisites) == 0 {
		return nil, nil
	}
	inputs := make(map[string][]byte, len(s.Prerequisites))
	for _, dep := range s.Prerequisites {
		depStage, ok := o.registry.Get(dep)
		if !ok {
			return nil, fmt.Errorf("orchestrator: workflow %s: unknown prerequisite %s", workflowID, dep)
		}
		payload, err := o.store.ReadArtifact(workflowID, dep, depStage.ArtifactExt)
		if err != nil {
			return nil, err
		}
		inputs[dep] = payload
	}
	return inputs, nil
}

// writeArtifact commits a payload, retrying write conflicts with bounded
// exponential backoff before giving up.
func (o *Orchestrator) writeArtifact(ctx context.Context, workflowID, kind, ext string, payload []byte) error {
	var err error
	for attempt := 0; attempt <= o.writeRetries; attempt++ {
		if attempt > 0 {
			backoff := o.writeBackoff * time.Duration(1<<(attempt-1))
			if sleepErr := o.sleep(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
		}
		err = o.writeFn(workflowID, kind, ext, payload)
		if err == nil || !store.IsWriteConflict(err) {
			return err
		}
	}
	return err
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SelfVerify compares the stages the tracker recorded as completed against
// the mandatory set for the tier and re-invokes anything missing. A workflow
// may not reach COMPLETED while a mandatory stage has no completion event.
func (o *Orchestrator) SelfVerify(ctx context.Context, manifest *workflow.Manifest) error {
	expected := o.registry.MandatoryNames(o.tier)
	report, err := o.tracker.MissingStages(manifest.WorkflowID, expected)
	if err != nil {
		return err
	}
	for _, name := range report.Missing {
		if err := o.runStage(ctx, manifest.Clone(), name); err != nil {
			return err
		}
		manifest.MarkStageCompleted(name, o.now())
		if err := o.store.SaveManifest(*manifest); err != nil {
			return err
		}
	}
	report, err = o.tracker.MissingStages(manifest.WorkflowID, expected)
	if err != nil {
		return err
	}
	if len(report.Missing) > 0 {
		return &StageFailureError{
			WorkflowID: manifest.WorkflowID,
			Stage:      report.Missing[0],
			Reason:     "mandatory stage still missing after self-verification",
		}
	}
	return nil
}

// VerifyParallel reports the parallel-execution analysis for the workflow's
// validation-class stages.
func (o *Orchestrator) VerifyParallel(workflowID string) (tracker.ParallelValidationRecord, error) {
	var stages []string
	for _, s := range o.registry.Sequence() {
		if s.Class == stage.ClassValidation && s.MandatoryFor(o.tier) {
			stages = append(stages, s.Name)
		}
	}
	return o.tracker.VerifyParallel(workflowID, stages, o.parallelWindow)
}

// checkBoundary applies any pending pause or cancel request. Both are
// honored only between stages.
func (o *Orchestrator) checkBoundary(manifest *workflow.Manifest) (bool, error) {
	o.ctlMu.Lock()
	ctl, ok := o.controls[manifest.WorkflowID]
	var pause, cancel bool
	if ok {
		pause, cancel = ctl.pause, ctl.cancel
		ctl.pause, ctl.cancel = false, false
	}
	o.ctlMu.Unlock()
	if cancel {
		return true, o.transition(manifest, workflow.StatusCancelled)
	}
	if pause {
		return true, o.transition(manifest, workflow.StatusPaused)
	}
	return false, nil
}

func (o *Orchestrator) validateSequence(manifest *workflow.Manifest) error {
	for _, name := range manifest.StageSequence {
		if _, ok := o.registry.Get(name); !ok {
			return &StageFailureError{WorkflowID: manifest.WorkflowID, Stage: name, Reason: "declared stage is not registered"}
		}
	}
	return nil
}

// transition moves the manifest and persists it in one step.
func (o *Orchestrator) transition(manifest *workflow.Manifest, to workflow.Status) error {
	if err := manifest.Transition(to, o.now()); err != nil {
		return err
	}
	return o.store.SaveManifest(*manifest)
}

// failWorkflow records the failure note and moves the workflow to FAILED.
// The original error is returned so callers see which stage halted.
func (o *Orchestrator) failWorkflow(manifest workflow.Manifest, cause error) (workflow.Manifest, error) {
	manifest.FailureNote = cause.Error()
	if err := o.transition(&manifest, workflow.StatusFailed); err != nil {
		return manifest, fmt.Errorf("%v (additionally: %w)", cause, err)
	}
	return manifest, cause
}
