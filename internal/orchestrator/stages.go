package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/internal/diagram"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/internal/mcpinvoker"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// smallSchemaTokenBudget is the approximate-token ceiling under which a capability
// step's llm_config call requests response_format=json_schema instead of the looser
// json_object mode, per spec.md §4.4 step 2.
const smallSchemaTokenBudget = 800

// producedItem is a validated, schema-identified output pending diagram generation
// and the diff node's upsert.
type producedItem struct {
	kind          string
	name          string
	data          map[string]any
	schemaVersion string
	identity      string
	diagrams      []models.Diagram
}

// stepState threads working data through one step's fixed pipeline.
type stepState struct {
	step        models.Step
	capability  *models.Capability
	integration *models.Integration
	toolCalls   []models.StepToolCall
	llmConfig   *models.LLMConfig
	contextData map[string][]models.Artifact
	rawOutputs  map[string]map[string]any // kind -> raw output data
	produced    []producedItem
	audit       models.StepAudit
	skipped     bool
}

// executeStep runs one step through load_pack -> preflight -> prepare_context ->
// execute (exec_mcp|exec_llm) -> validate -> diagram -> gate_produced -> diff ->
// audit -> finalize -> publish. "ingest" (loading the workspace aggregate) runs once
// per run, ahead of the step loop, in executeAsync.
func (e *Engine) executeStep(ctx context.Context, run *models.Run, workspace *models.WorkspaceAggregate, step models.Step, isLastStep bool) (models.StepAudit, error) {
	st := &stepState{
		step:  step,
		audit: models.StepAudit{StepID: step.ID, CapabilityID: step.CapabilityID, Mode: string(step.Type)},
	}

	st.audit.Stage = "load_pack"
	if err := e.stageLoadPack(ctx, st); err != nil {
		return e.failStep(st, err)
	}

	st.audit.Stage = "preflight"
	proceed, err := e.stagePreflight(run, st)
	if err != nil {
		return e.failStep(st, err)
	}
	if !proceed {
		st.skipped = true
		log.Info().Str("step", step.ID).Msg("step skipped: condition evaluated false")
		return st.audit, nil
	}

	st.audit.Stage = "prepare_context"
	if err := e.stagePrepareContext(ctx, run, workspace, st); err != nil {
		return e.failStep(st, err)
	}

	st.audit.Stage = "execute"
	if err := e.stageExecute(ctx, run, st); err != nil {
		return e.failStep(st, err)
	}

	st.audit.Stage = "validate"
	if err := e.stageValidate(ctx, st); err != nil {
		return e.failStep(st, err)
	}

	st.audit.Stage = "diagram"
	e.stageDiagram(ctx, st)

	st.audit.Stage = "gate_produced"
	if err := e.stageGateProduced(run, st); err != nil {
		return e.failStep(st, err)
	}

	st.audit.Stage = "diff"
	if err := e.stageDiff(ctx, run, st, isLastStep); err != nil {
		return e.failStep(st, err)
	}

	// "audit" itself is the accumulation already performed above (st.audit.Calls);
	// "finalize" and "publish" are run-level concerns handled once, after every step
	// completes, by completeRun/failRun and publishStepEvent/publishRunEvent.
	st.audit.Stage = "finalize"

	return st.audit, nil
}

func (e *Engine) failStep(st *stepState, err error) (models.StepAudit, error) {
	st.audit.Error = err.Error()
	return st.audit, err
}

// stageLoadPack resolves which capability/tool_calls/llm_config and integration bind
// this step, per spec.md §4.3's resolution order (step ref takes precedence over the
// bound capability's ref).
func (e *Engine) stageLoadPack(ctx context.Context, st *stepState) error {
	step := st.step
	switch step.Type {
	case models.StepToolCall:
		st.toolCalls = step.ToolCalls
	case models.StepCapability:
		cap, err := e.catalog.GetCapability(ctx, step.CapabilityID)
		if err != nil {
			return err
		}
		st.capability = cap
		if cap.LLMConfig != nil {
			st.llmConfig = cap.LLMConfig
		} else {
			st.toolCalls = cap.ToolCalls
		}
	default:
		return &apierr.InvalidParams{Message: "unknown step type: " + string(step.Type)}
	}

	integrationRef := step.IntegrationRef
	if integrationRef == "" && st.capability != nil {
		integrationRef = st.capability.IntegrationRef
	}
	if integrationRef != "" {
		integ, err := e.catalog.GetIntegration(ctx, integrationRef)
		if err != nil {
			return err
		}
		st.integration = integ
	}
	return nil
}

// stagePreflight evaluates step.condition and checks that a tool_call/capability
// binding's integration and tool keys actually exist before any context assembly or
// network work happens.
func (e *Engine) stagePreflight(run *models.Run, st *stepState) (bool, error) {
	ok, err := evaluateCondition(st.step.Condition, conditionEnv(run, map[string]int{}))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if st.llmConfig != nil {
		return true, nil
	}
	if len(st.toolCalls) == 0 {
		return true, nil
	}
	if st.integration == nil {
		return false, &apierr.NotFound{Entity: "integration", Key: st.step.IntegrationRef}
	}
	for _, tc := range st.toolCalls {
		if _, ok := st.integration.Tools[tc.ToolKey]; !ok {
			return false, &apierr.NotFound{Entity: "tool_key", Key: tc.ToolKey}
		}
	}
	return true, nil
}

func (e *Engine) stagePrepareContext(ctx context.Context, run *models.Run, workspace *models.WorkspaceAggregate, st *stepState) error {
	data, err := e.prepareContext(ctx, run, workspace, st.step, e.cfg.ContextMaxItemsPerKind)
	if err != nil {
		return err
	}
	st.contextData = data
	return nil
}

func (e *Engine) stageExecute(ctx context.Context, run *models.Run, st *stepState) error {
	st.rawOutputs = make(map[string]map[string]any)
	if st.llmConfig != nil {
		return e.execLLM(ctx, run, st)
	}
	return e.execMCP(ctx, run, st)
}

// execMCP calls every tool_call bound to this step through an Invoker built from the
// resolved integration snapshot, retrying transport-classified failures with
// exponential backoff base*2^n (base from config, overridable per-integration).
func (e *Engine) execMCP(ctx context.Context, run *models.Run, st *stepState) error {
	if st.integration == nil || len(st.toolCalls) == 0 {
		return nil
	}
	invoker, err := e.newInvoker(st.integration)
	if err != nil {
		return err
	}
	defer invoker.Close()

	maxAttempts := st.integration.Transport.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.StepRetryMaxAttempts
	}
	backoffBase := time.Duration(st.integration.Transport.Retry.BackoffBaseMS) * time.Millisecond
	if backoffBase <= 0 {
		backoffBase = e.cfg.StepRetryBackoffBase
	}

	opts := mcpinvoker.CallOptions{
		TimeoutSec:     st.integration.Transport.TimeoutSec,
		RuntimeVars:    st.step.Runtime,
		Inputs:         run.Inputs,
		ContextAliases: contextAliases(st.contextData),
	}

	for _, tc := range st.toolCalls {
		start := time.Now()
		result, callErr := callWithRetry(ctx, maxAttempts, backoffBase, func() (map[string]any, error) {
			return invoker.CallTool(ctx, tc.ToolKey, tc.Params, opts)
		})
		record := models.ToolCallRecord{Tool: tc.ToolKey, DurationMS: time.Since(start).Milliseconds()}
		if callErr != nil {
			record.Error = callErr.Error()
			st.audit.Calls = append(st.audit.Calls, record)
			return callErr
		}
		record.Produced = len(result)
		st.audit.Calls = append(st.audit.Calls, record)
		assignOutputs(st, result)
	}
	return nil
}

// callWithRetry retries op up to maxAttempts times with exponential backoff starting
// at base, stopping early on a non-retryable (apierr-classified) failure.
func callWithRetry(ctx context.Context, maxAttempts int, base time.Duration, op func() (map[string]any, error)) (map[string]any, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	wrapped := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)

	var result map[string]any
	err := backoff.Retry(func() error {
		r, opErr := op()
		if opErr != nil {
			if !isRetryableOrchErr(opErr) {
				return backoff.Permanent(opErr)
			}
			return opErr
		}
		result = r
		return nil
	}, wrapped)
	return result, err
}

func isRetryableOrchErr(err error) bool {
	switch err.(type) {
	case *apierr.TransportTimeout, *apierr.ConnectFailure, *apierr.ProcessExited:
		return true
	default:
		return false
	}
}

// assignOutputs distributes one tool call's result across the step's emitted kinds:
// a single-kind step takes the whole result, a multi-kind step expects the result
// keyed by kind.
func assignOutputs(st *stepState, result map[string]any) {
	emits := st.step.Emits
	if len(emits) == 1 {
		st.rawOutputs[emits[0]] = mergeOutput(st.rawOutputs[emits[0]], result)
		return
	}
	for _, kindID := range emits {
		if sub, ok := result[kindID].(map[string]any); ok {
			st.rawOutputs[kindID] = mergeOutput(st.rawOutputs[kindID], sub)
		}
	}
}

func mergeOutput(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		return incoming
	}
	for k, v := range incoming {
		existing[k] = v
	}
	return existing
}

// contextAliases flattens a prepared context map into the string aliases the MCP
// Invoker's variable interpolation and the LLM prompt renderer both consume.
func contextAliases(ctxData map[string][]models.Artifact) map[string]string {
	out := make(map[string]string)
	for kindID, artifacts := range ctxData {
		out[kindID+".count"] = fmt.Sprintf("%d", len(artifacts))
		if len(artifacts) > 0 {
			out[kindID+".first_name"] = artifacts[0].Name
		}
	}
	return out
}

// execLLM renders the prompt bound to each emitted kind's latest schema version and
// calls the configured LLMClient in strict-JSON mode, reprompting once with a
// stricter instruction on parse failure (never more than once, per spec.md §4.4
// Retries).
func (e *Engine) execLLM(ctx context.Context, run *models.Run, st *stepState) error {
	if e.llm == nil {
		return &apierr.ConnectFailure{Target: "llm", Cause: fmt.Errorf("no LLM client configured")}
	}
	for _, kindID := range st.step.Emits {
		sv, err := e.kinds.GetSchemaVersion(ctx, kindID, "")
		if err != nil {
			return err
		}
		prompt, err := kindreg.SelectPrompt(e.kinds, ctx, kindID, sv.Version, selectorsFrom(st.step))
		if err != nil {
			return err
		}

		vars := mcpinvoker.BuildVars(st.step.Runtime, run.Inputs, contextAliases(st.contextData))
		vars["name"] = kindID
		vars["kind"] = kindID
		vars["schema_version"] = sv.Version
		userPrompt := mcpinvoker.Interpolate(prompt.UserTemplate, vars)

		var schema map[string]any
		if approxTokensOf(sv.JSONSchema) < smallSchemaTokenBudget {
			schema = sv.JSONSchema
		}

		req := LLMRequest{
			Model:              valueOr(st.llmConfig.Model, "default"),
			Temperature:        st.llmConfig.Temperature,
			MaxTokens:          st.llmConfig.MaxTokens,
			System:             prompt.System,
			User:               userPrompt,
			ResponseJSONSchema: schema,
		}

		start := time.Now()
		resp, err := e.llm.Complete(ctx, req)
		record := models.ToolCallRecord{Tool: "llm:" + kindID, DurationMS: time.Since(start).Milliseconds()}
		if err != nil {
			record.Error = err.Error()
			st.audit.Calls = append(st.audit.Calls, record)
			return err
		}

		data := resp.JSON
		if data == nil {
			data, err = e.reparseStrict(ctx, req)
			if err != nil {
				record.Error = err.Error()
				st.audit.Calls = append(st.audit.Calls, record)
				return &apierr.SchemaValidation{Kind: kindID, Message: "llm did not return valid JSON"}
			}
		}
		record.Produced = 1
		st.audit.Calls = append(st.audit.Calls, record)
		st.rawOutputs[kindID] = data
	}
	return nil
}

func (e *Engine) reparseStrict(ctx context.Context, req LLMRequest) (map[string]any, error) {
	retry := req
	retry.System = req.System + "\nReturn ONLY valid JSON matching the schema. No prose."
	resp, err := e.llm.Complete(ctx, retry)
	if err != nil {
		return nil, err
	}
	if resp.JSON == nil {
		return nil, fmt.Errorf("llm reprompt did not return valid JSON")
	}
	return resp.JSON, nil
}

func selectorsFrom(step models.Step) map[string]string {
	out := map[string]string{}
	for _, key := range []string{"paradigm", "style", "format"} {
		if v, ok := step.Params[key].(string); ok && v != "" {
			out[key] = v
		}
	}
	return out
}

func approxTokensOf(schema map[string]any) int {
	b, err := canonical.JSON(schema)
	if err != nil {
		return smallSchemaTokenBudget + 1
	}
	return (len(b) + 3) / 4
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// stageValidate schema-validates every raw output against its kind's latest version,
// derives its natural-key identity, and stages a producedItem pending diagram
// generation and upsert.
func (e *Engine) stageValidate(ctx context.Context, st *stepState) error {
	for kindID, data := range st.rawOutputs {
		sv, err := e.kinds.GetSchemaVersion(ctx, kindID, "")
		if err != nil {
			return err
		}
		if e.validators != nil {
			if err := e.validators.Validate(kindID, sv.Version, sv.JSONSchema, data); err != nil {
				return err
			}
		}
		name := nameFromData(data, kindID)
		identity := kindreg.NaturalKey(kindID, name, sv.Identity, data)
		st.produced = append(st.produced, producedItem{
			kind:          kindID,
			name:          name,
			data:          data,
			schemaVersion: sv.Version,
			identity:      identity,
		})
	}
	return nil
}

func nameFromData(data map[string]any, fallback string) string {
	if v, ok := data["name"].(string); ok && v != "" {
		return v
	}
	return fallback
}

// stageDiagram renders Mermaid diagrams for each produced item per its kind's
// recipes. This is best-effort: a diagram failure never fails the step, it is only
// logged, since the artifact itself is already valid without its diagram.
func (e *Engine) stageDiagram(ctx context.Context, st *stepState) {
	for i := range st.produced {
		item := &st.produced[i]
		recipes, err := kindreg.GetDiagramRecipes(e.kinds, ctx, item.kind, item.schemaVersion)
		if err != nil {
			log.Warn().Err(err).Str("kind", item.kind).Msg("diagram recipes unavailable")
			continue
		}
		if len(recipes) == 0 {
			continue
		}
		item.diagrams = diagram.Generate(recipes, item.data)
	}
}

// stageGateProduced hard-fails the step when step.emits is not a subset of what was
// actually produced and allow_partial_step_failures is false; otherwise it warns and
// continues.
func (e *Engine) stageGateProduced(run *models.Run, st *stepState) error {
	producedKinds := make(map[string]bool, len(st.produced))
	for _, item := range st.produced {
		producedKinds[item.kind] = true
	}
	var missing []string
	for _, kindID := range st.step.Emits {
		if !producedKinds[kindID] {
			missing = append(missing, kindID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if !run.Options.AllowPartialStepFailures {
		return &apierr.InvalidParams{Message: fmt.Sprintf("step %s failed to produce emitted kinds: %v", st.step.ID, missing)}
	}
	log.Warn().Str("step", st.step.ID).Interface("missing_kinds", missing).Msg("step produced a partial emit set")
	return nil
}

// stageDiff is the authoritative write point (spec.md §9 decision 1): every produced
// item is upserted here, immediately, except under the baseline strategy where items
// are queued and flushed as one batch by the last step.
func (e *Engine) stageDiff(ctx context.Context, run *models.Run, st *stepState, isLastStep bool) error {
	for _, item := range st.produced {
		payload := artifactstore.UpsertPayload{
			Kind:       item.kind,
			Name:       item.name,
			Data:       item.data,
			NaturalKey: item.identity,
			Diagrams:   item.diagrams,
			Provenance: models.Provenance{
				RunID:      run.RunID,
				PlaybookID: run.PlaybookID,
				Step:       st.step.ID,
				PackKey:    run.PackID,
			},
		}

		if run.Strategy == models.RunStrategyBaseline {
			e.queueBatch(run.RunID, payload)
			continue
		}

		artifact, op, err := e.artifacts.UpsertArtifact(ctx, run.WorkspaceID, payload, run.RunID)
		if err != nil {
			return err
		}
		run.Produced[item.kind] = append(run.Produced[item.kind], *artifact)
		e.recordDelta(run, item.kind, artifact.NaturalKey, op)
	}

	if run.Strategy == models.RunStrategyBaseline && isLastStep {
		e.flushBatch(ctx, run)
	}
	return nil
}

func (e *Engine) queueBatch(runID string, payload artifactstore.UpsertPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingBatches[runID] = append(e.pendingBatches[runID], payload)
}

// flushBatch issues the single batch upsert (not transactional) for a baseline-strategy
// run. A batch-level failure degrades to per-item upserts to salvage progress
// (spec.md §4.4 Retries), rather than losing the whole run's output.
func (e *Engine) flushBatch(ctx context.Context, run *models.Run) {
	e.mu.Lock()
	payloads := e.pendingBatches[run.RunID]
	delete(e.pendingBatches, run.RunID)
	e.mu.Unlock()
	if len(payloads) == 0 {
		return
	}

	results, err := e.artifacts.UpsertBatch(ctx, run.WorkspaceID, payloads, run.RunID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("batch upsert failed, degrading to per-item upserts")
		for _, p := range payloads {
			artifact, op, itemErr := e.artifacts.UpsertArtifact(ctx, run.WorkspaceID, p, run.RunID)
			if itemErr != nil {
				run.Errors = append(run.Errors, itemErr.Error())
				continue
			}
			run.Produced[p.Kind] = append(run.Produced[p.Kind], *artifact)
			e.recordDelta(run, p.Kind, artifact.NaturalKey, op)
		}
		return
	}

	for i, res := range results {
		if res.Err != nil {
			run.Errors = append(run.Errors, res.Err.Error())
			continue
		}
		run.Produced[payloads[i].Kind] = append(run.Produced[payloads[i].Kind], *res.Artifact)
		e.recordDelta(run, payloads[i].Kind, res.Artifact.NaturalKey, res.Op)
	}
}

func (e *Engine) recordDelta(run *models.Run, kindID, naturalKey string, op models.UpsertOp) {
	diff := run.DiffsByKind[kindID]
	switch op {
	case models.OpInsert:
		diff.Added = append(diff.Added, naturalKey)
		run.Deltas.New++
	case models.OpUpdate:
		diff.Changed = append(diff.Changed, naturalKey)
		run.Deltas.Updated++
	default:
		diff.Unchanged = append(diff.Unchanged, naturalKey)
		run.Deltas.Unchanged++
	}
	run.DiffsByKind[kindID] = diff
}

// deltaFooter renders the markdown counts footer appended to a completed run's notes.
func deltaFooter(run *models.Run) string {
	return fmt.Sprintf("\n\n---\n**Deltas**: %d new, %d updated, %d unchanged, %d retired, %d deleted\n",
		run.Deltas.New, run.Deltas.Updated, run.Deltas.Unchanged, run.Deltas.Retired, run.Deltas.Deleted)
}
