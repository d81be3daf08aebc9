package capreg

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// Resolver materializes (pack, version, playbook, workspace) into an ExecutionPlan.
type Resolver struct {
	catalog *InMemoryCatalog
}

// NewResolver builds a Plan Resolver over catalog.
func NewResolver(catalog *InMemoryCatalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve builds the ExecutionPlan for playbookID within (packKey, packVersion) against
// workspaceID. An empty packVersion resolves through canary rollout (see rollout.go).
func (r *Resolver) Resolve(ctx context.Context, packKey, packVersion, playbookID, workspaceID string) (*models.ExecutionPlan, error) {
	pack, err := r.catalog.ResolvePack(ctx, packKey, packVersion, workspaceID)
	if err != nil {
		return nil, err
	}

	var pb *models.Playbook
	for i := range pack.Playbooks {
		if pack.Playbooks[i].ID == playbookID {
			pb = &pack.Playbooks[i]
			break
		}
	}
	if pb == nil {
		return nil, &apierr.NotFound{Entity: "playbook", Key: playbookID}
	}

	edges := synthesizeEdges(pb)

	for _, step := range pb.Steps {
		if step.Type != models.StepToolCall {
			continue
		}
		for _, tc := range step.ToolCalls {
			tool, ok := pack.Tools[tc.ToolKey]
			if !ok {
				return nil, &apierr.NotFound{Entity: "tool_key", Key: tc.ToolKey}
			}
			if err := validateToolParams(tool, tc.Params); err != nil {
				return nil, err
			}
		}
	}

	plan := &models.ExecutionPlan{
		PlanID:            planID(pack.Key, pack.Version, playbookID, workspaceID, pack.UpdatedAt),
		PackKey:           pack.Key,
		PackVersion:       pack.Version,
		PlaybookID:        playbookID,
		WorkspaceID:       workspaceID,
		Steps:             pb.Steps,
		Edges:             edges,
		ArtifactsContract: artifactsContract(pb),
		UnmetRequirements: unmetRequirements(pb),
	}
	return plan, nil
}

// synthesizeEdges returns pb.Edges verbatim when non-empty, otherwise a linear
// fallback s_i -> s_{i+1} over pb.Steps in declared order.
func synthesizeEdges(pb *models.Playbook) []models.Edge {
	if len(pb.Edges) > 0 {
		return pb.Edges
	}
	edges := make([]models.Edge, 0, len(pb.Steps))
	for i := 0; i+1 < len(pb.Steps); i++ {
		edges = append(edges, models.Edge{From: pb.Steps[i].ID, To: pb.Steps[i+1].ID})
	}
	return edges
}

// artifactsContract is union(step.emits) ∪ playbook.produces.
func artifactsContract(pb *models.Playbook) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(kind string) {
		if !seen[kind] {
			seen[kind] = true
			out = append(out, kind)
		}
	}
	for _, s := range pb.Steps {
		for _, k := range s.Emits {
			add(k)
		}
	}
	for _, k := range pb.Produces {
		add(k)
	}
	return out
}

// unmetRequirements computes, per step, requires_kinds \ union(emits of prior steps).
// Soft surface only — not enforced at resolve time.
func unmetRequirements(pb *models.Playbook) map[string][]string {
	emittedSoFar := make(map[string]bool)
	out := make(map[string][]string)
	for _, s := range pb.Steps {
		var missing []string
		for _, req := range s.RequiresKinds {
			if !emittedSoFar[req] {
				missing = append(missing, req)
			}
		}
		if len(missing) > 0 {
			out[s.ID] = missing
		}
		for _, k := range s.Emits {
			emittedSoFar[k] = true
		}
	}
	return out
}

// planID builds spec.md's deterministic plan identifier:
// "pln_" + sha1(key:version:playbook:workspace:updated_at)[:16].
func planID(key, version, playbookID, workspaceID string, updatedAt interface{ String() string }) string {
	raw := fmt.Sprintf("%s:%s:%s:%s:%s", key, version, playbookID, workspaceID, updatedAt.String())
	sum := sha1.Sum([]byte(raw))
	return "pln_" + hex.EncodeToString(sum[:])[:16]
}

// validateToolParams JSON-Schema-validates a tool_call step's params against the
// input_schema of the pack's own tool definition for that tool key, when one is known.
func validateToolParams(tool models.ToolDefinition, params map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schemaJSON, err := canonical.JSON(tool.InputSchema)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://capreg/tool/" + tool.Key
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return &apierr.Internal{Cause: err}
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	if err := schema.Validate(params); err != nil {
		return &apierr.SchemaValidation{Kind: tool.Key, Message: err.Error()}
	}
	return nil
}
