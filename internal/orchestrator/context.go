package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// prepareContext collects, for every kind in step.Emits, the artifacts of that kind's
// declared hard/soft prerequisite kinds: produced-within-this-run artifacts are
// preferred over the workspace baseline, and each kind is capped at
// maxItemsPerKind (spec.md §4.4 step 1 — a hard contract, unlike the
// derive_copy_paths soft cap).
func (e *Engine) prepareContext(ctx context.Context, run *models.Run, workspace *models.WorkspaceAggregate, step models.Step, maxItemsPerKind int) (map[string][]models.Artifact, error) {
	out := make(map[string][]models.Artifact)

	prereqs := make(map[string]bool)
	for _, kindID := range step.Emits {
		sv, err := e.kinds.GetSchemaVersion(ctx, kindID, "")
		if err != nil {
			// Kind unresolved: context assembly degrades gracefully, validate
			// will surface the real failure for this kind.
			continue
		}
		for _, k := range sv.DependsOn.Hard {
			prereqs[k] = true
		}
		for _, k := range sv.DependsOn.Soft {
			prereqs[k] = true
		}
	}

	for kindID := range prereqs {
		if _, done := out[kindID]; done {
			continue
		}
		out[kindID] = e.collectKind(run, workspace, kindID, maxItemsPerKind)
	}
	return out, nil
}

// collectKind gathers up to limit artifacts of kindID, preferring this run's
// produced[kindID] over the workspace baseline.
func (e *Engine) collectKind(run *models.Run, workspace *models.WorkspaceAggregate, kindID string, limit int) []models.Artifact {
	var collected []models.Artifact

	if produced, ok := run.Produced[kindID]; ok {
		collected = append(collected, produced...)
	}
	if len(collected) < limit && workspace != nil {
		for _, a := range workspace.Artifacts {
			if a.Kind != kindID || a.DeletedAt != nil {
				continue
			}
			if containsArtifact(collected, a.ArtifactID) {
				continue
			}
			collected = append(collected, a)
			if len(collected) >= limit {
				break
			}
		}
	}
	if len(collected) > limit {
		log.Info().Str("kind", kindID).Int("limit", limit).Int("available", len(collected)).
			Msg("context assembly truncated to per-kind cap")
		collected = collected[:limit]
	}
	return collected
}

func containsArtifact(artifacts []models.Artifact, id string) bool {
	for _, a := range artifacts {
		if a.ArtifactID == id {
			return true
		}
	}
	return false
}
