// Package orchestrator is the Run Orchestrator: a DAG executor that resolves an
// ExecutionPlan's steps in dependency order, runs each through a fixed pipeline of
// internal stages (prepare_context, exec_mcp/exec_llm, validate, diagram,
// gate_produced, diff, audit, finalize, publish), and drives a run through
// created -> running -> {completed|failed|aborted}.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/internal/capreg"
	"github.com/cam-modernize/learning-control-plane/internal/config"
	"github.com/cam-modernize/learning-control-plane/internal/eventbus"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/internal/mcpinvoker"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// NewInvokerFunc builds an MCP Invoker for an integration snapshot; production code
// passes mcpinvoker.New, tests substitute a fake.
type NewInvokerFunc func(*models.Integration) (mcpinvoker.Invoker, error)

// Engine executes capability-pack playbooks against a workspace.
type Engine struct {
	kinds      kindreg.Registry
	artifacts  artifactstore.Store
	catalog    *capreg.InMemoryCatalog
	resolver   *capreg.Resolver
	validators *kindreg.ValidatorCache
	publisher  *eventbus.Publisher
	llm        LLMClient
	newInvoker NewInvokerFunc
	cfg        config.OrchestratorConfig
	routingOrg string

	mu             sync.Mutex
	runs           map[string]context.CancelFunc
	runRecords     map[string]*models.Run
	pendingBatches map[string][]artifactstore.UpsertPayload
}

// NewEngine wires an Engine over its collaborators. publisher and llm may be nil
// (best-effort eventing / no LLM provider configured respectively).
func NewEngine(
	kinds kindreg.Registry,
	artifacts artifactstore.Store,
	catalog *capreg.InMemoryCatalog,
	resolver *capreg.Resolver,
	validators *kindreg.ValidatorCache,
	publisher *eventbus.Publisher,
	llm LLMClient,
	newInvoker NewInvokerFunc,
	cfg config.OrchestratorConfig,
	routingOrg string,
) *Engine {
	if newInvoker == nil {
		newInvoker = mcpinvoker.New
	}
	return &Engine{
		kinds:          kinds,
		artifacts:      artifacts,
		catalog:        catalog,
		resolver:       resolver,
		validators:     validators,
		publisher:      publisher,
		llm:            llm,
		newInvoker:     newInvoker,
		cfg:            cfg,
		routingOrg:     routingOrg,
		runs:           make(map[string]context.CancelFunc),
		runRecords:     make(map[string]*models.Run),
		pendingBatches: make(map[string][]artifactstore.UpsertPayload),
	}
}

// StartRun resolves (packKey, packVersion, playbookID) into a plan, creates the Run
// record, and begins async execution. It returns immediately with the created Run.
func (e *Engine) StartRun(ctx context.Context, workspaceID, packKey, packVersion, playbookID string, strategy models.RunStrategy, inputs map[string]any, options models.RunOptions) (*models.Run, error) {
	plan, err := e.resolver.Resolve(ctx, packKey, packVersion, playbookID, workspaceID)
	if err != nil {
		return nil, err
	}

	fp, err := canonical.Fingerprint(inputs)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}

	run := &models.Run{
		RunID:            "run_" + uuid.New().String(),
		WorkspaceID:      workspaceID,
		PackID:           plan.PackKey + "@" + plan.PackVersion,
		PlaybookID:       playbookID,
		Strategy:         strategy,
		Inputs:           inputs,
		InputFingerprint: fp,
		Options:          options,
		Status:           models.RunStatusCreated,
		Produced:         make(map[string][]models.Artifact),
		DiffsByKind:      make(map[string]models.KindDiff),
		RunSummary:       models.RunSummary{StartedAt: time.Now().UTC()},
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.runs[run.RunID] = cancel
	e.runRecords[run.RunID] = run
	e.mu.Unlock()

	go e.executeAsync(runCtx, run, plan)

	return run, nil
}

// CancelRun propagates cancellation to a running execution; it has no effect on a
// run that already finished.
func (e *Engine) CancelRun(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.runs[runID]
	if ok {
		cancel()
		delete(e.runs, runID)
	}
	e.mu.Unlock()
	return ok
}

// GetRun returns the (live-updating) run record for runID, including runs still
// in progress; the run document is the orchestrator's sole source of truth for
// REST status polling.
func (e *Engine) GetRun(runID string) (*models.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runRecords[runID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "run", Key: runID}
	}
	return run, nil
}

// ListRuns returns every tracked run, optionally narrowed to one workspace, newest
// first by start time.
func (e *Engine) ListRuns(workspaceID string) []*models.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Run, 0, len(e.runRecords))
	for _, run := range e.runRecords {
		if workspaceID != "" && run.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RunSummary.StartedAt.After(out[j].RunSummary.StartedAt)
	})
	return out
}

func (e *Engine) forgetRun(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// executeAsync drives one run's steps to completion. Steps run in topological order;
// any batch of steps whose dependencies are all satisfied runs concurrently.
func (e *Engine) executeAsync(ctx context.Context, run *models.Run, plan *models.ExecutionPlan) {
	defer e.forgetRun(run.RunID)

	run.Status = models.RunStatusRunning
	e.publishRunEvent(ctx, run, "started")

	workspace, err := e.loadOrCreateWorkspace(ctx, run.WorkspaceID)
	if err != nil {
		e.failRun(ctx, run, fmt.Sprintf("load workspace: %v", err))
		return
	}

	completed := make(map[string]bool)
	var completedMu sync.Mutex
	lastStepID := lastStepOf(plan.Steps)

	for {
		select {
		case <-ctx.Done():
			run.Status = models.RunStatusAborted
			e.publishRunEvent(ctx, run, "aborted")
			return
		default:
		}

		ready := readySteps(plan, completed, &completedMu)
		if len(ready) == 0 {
			completedMu.Lock()
			allDone := len(completed) == len(plan.Steps)
			completedMu.Unlock()
			if allDone {
				break
			}
			e.failRun(ctx, run, "deadlock: no steps ready but not all complete")
			return
		}

		var wg sync.WaitGroup
		var failuresMu sync.Mutex
		var hardFailure error

		for _, step := range ready {
			wg.Add(1)
			go func(step models.Step) {
				defer wg.Done()
				audit, stepErr := e.executeStep(ctx, run, workspace, step, step.ID == lastStepID)
				completedMu.Lock()
				run.Audit = append(run.Audit, audit)
				completed[step.ID] = true
				completedMu.Unlock()

				if stepErr != nil {
					log.Warn().Err(stepErr).Str("run_id", run.RunID).Str("step", step.ID).Msg("step failed")
					if !run.Options.AllowPartialStepFailures {
						failuresMu.Lock()
						if hardFailure == nil {
							hardFailure = stepErr
						}
						failuresMu.Unlock()
					}
				}
				e.publishStepEvent(ctx, run, step, audit)
			}(step)
		}
		wg.Wait()

		if hardFailure != nil {
			e.failRun(ctx, run, hardFailure.Error())
			return
		}
	}

	e.completeRun(ctx, run)
}

func (e *Engine) loadOrCreateWorkspace(ctx context.Context, workspaceID string) (*models.WorkspaceAggregate, error) {
	ws, err := e.artifacts.GetParentDoc(ctx, workspaceID, false)
	if err == nil {
		return ws, nil
	}
	var nf *apierr.NotFound
	if !asNotFound(err, &nf) {
		return nil, err
	}
	return e.artifacts.CreateParentDoc(ctx, workspaceID, map[string]any{}, nil)
}

func asNotFound(err error, target **apierr.NotFound) bool {
	nf, ok := err.(*apierr.NotFound)
	if ok {
		*target = nf
	}
	return ok
}

// readySteps returns steps whose DependsOnSteps are all satisfied and that have not
// completed yet.
func readySteps(plan *models.ExecutionPlan, completed map[string]bool, mu *sync.Mutex) []models.Step {
	deps := dependencyMap(plan)
	mu.Lock()
	defer mu.Unlock()
	var ready []models.Step
	for _, step := range plan.Steps {
		if completed[step.ID] {
			continue
		}
		met := true
		for _, d := range deps[step.ID] {
			if !completed[d] {
				met = false
				break
			}
		}
		if met {
			ready = append(ready, step)
		}
	}
	return ready
}

// dependencyMap merges each step's declared DependsOnSteps with any plan edges
// pointing at it (edges may be explicit or the resolver's linear-fallback synthesis).
func dependencyMap(plan *models.ExecutionPlan) map[string][]string {
	out := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		out[step.ID] = append(out[step.ID], step.DependsOnSteps...)
	}
	for _, edge := range plan.Edges {
		out[edge.To] = append(out[edge.To], edge.From)
	}
	return out
}

func lastStepOf(steps []models.Step) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1].ID
}

func (e *Engine) completeRun(ctx context.Context, run *models.Run) {
	now := time.Now().UTC()
	run.RunSummary.CompletedAt = now
	run.RunSummary.DurationS = now.Sub(run.RunSummary.StartedAt).Seconds()
	run.NotesMD += deltaFooter(run)
	run.Status = models.RunStatusCompleted
	e.publishRunEvent(ctx, run, "completed")
	log.Info().Str("run_id", run.RunID).Float64("duration_s", run.RunSummary.DurationS).Msg("run completed")
}

func (e *Engine) failRun(ctx context.Context, run *models.Run, reason string) {
	now := time.Now().UTC()
	run.RunSummary.CompletedAt = now
	run.RunSummary.DurationS = now.Sub(run.RunSummary.StartedAt).Seconds()
	run.Errors = append(run.Errors, reason)
	run.Status = models.RunStatusFailed
	e.publishRunEvent(ctx, run, "failed")
	log.Error().Str("run_id", run.RunID).Str("error", reason).Msg("run failed")
}

func (e *Engine) publishRunEvent(ctx context.Context, run *models.Run, event string) {
	if e.publisher == nil {
		return
	}
	env := eventbus.Envelope{
		RoutingKey: eventbus.RoutingKey(e.routingOrg, "orchestrator", "run."+event, "v1"),
		Body: map[string]any{
			"run_id":       run.RunID,
			"workspace_id": run.WorkspaceID,
			"status":       string(run.Status),
		},
		PublishedAt: time.Now().UTC(),
	}
	e.publisher.Publish(ctx, env)
}

func (e *Engine) publishStepEvent(ctx context.Context, run *models.Run, step models.Step, audit models.StepAudit) {
	if e.publisher == nil {
		return
	}
	env := eventbus.Envelope{
		RoutingKey: eventbus.RoutingKey(e.routingOrg, "orchestrator", "run.step.updated", "v1"),
		Body: map[string]any{
			"run_id":  run.RunID,
			"step_id": step.ID,
			"stage":   audit.Stage,
			"error":   audit.Error,
		},
		PublishedAt: time.Now().UTC(),
	}
	e.publisher.Publish(ctx, env)
}
