package artifactstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

var patchMu sync.Mutex

// ApplyPatch applies an RFC 6902 patch over a deep-copy of the artifact's data, then
// calls ReplaceArtifact and RecordPatch with the observed from/to versions. A no-op
// patch (resulting data identical to the original) still bumps version only if the
// resulting data differs, per spec.
func (s *InMemoryStore) ApplyPatch(ctx context.Context, workspaceID, artifactID string, patch []byte, provenance models.Provenance, expectedVersion int64) (*models.Artifact, error) {
	current, err := s.GetArtifact(ctx, workspaceID, artifactID, false)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, &apierr.PreconditionFailed{
			Expected: strconv.FormatInt(expectedVersion, 10),
			Actual:   strconv.FormatInt(current.Version, 10),
		}
	}

	patchedData, err := applyRFC6902(current.Data, patch)
	if err != nil {
		return nil, err
	}

	newFP, err := canonical.Fingerprint(patchedData)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	if newFP == current.Fingerprint {
		return current, nil // no-op patch: version only bumps if resulting data differs
	}

	updated, err := s.ReplaceArtifact(ctx, workspaceID, artifactID, patchedData, nil, provenance, current.Version)
	if err != nil {
		return nil, err
	}
	if err := s.RecordPatch(ctx, artifactID, current.Version, updated.Version, patch, provenance); err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordPatch appends one entry to an artifact's patch history.
func (s *InMemoryStore) RecordPatch(_ context.Context, artifactID string, fromVersion, toVersion int64, patch []byte, provenance models.Provenance) error {
	patchMu.Lock()
	defer patchMu.Unlock()
	s.patches[artifactID] = append(s.patches[artifactID], PatchRecord{
		ArtifactID:  artifactID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Patch:       append([]byte(nil), patch...),
		Provenance:  provenance,
		RecordedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// ListPatches returns the recorded patch history for an artifact, oldest first.
func (s *InMemoryStore) ListPatches(_ context.Context, artifactID string) ([]PatchRecord, error) {
	patchMu.Lock()
	defer patchMu.Unlock()
	return append([]PatchRecord(nil), s.patches[artifactID]...), nil
}

// applyRFC6902 decodes data, applies patch via evanphx/json-patch, and re-encodes.
func applyRFC6902(data map[string]any, patch []byte) (map[string]any, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, &apierr.InvalidParams{Message: "invalid RFC 6902 patch: " + err.Error()}
	}
	docJSON, err := json.Marshal(data)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	patched, err := decoded.Apply(docJSON)
	if err != nil {
		return nil, &apierr.InvalidParams{Message: "patch application failed: " + err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	return out, nil
}
