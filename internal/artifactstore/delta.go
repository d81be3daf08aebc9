package artifactstore

import (
	"context"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// ComputeRunDeltas partitions a workspace's artifacts relative to runID:
//   - first_seen == runID            -> new
//   - provenance.run_id == runID     -> updated
//   - last_seen == runID             -> unchanged
//   - otherwise                      -> retired
//
// Deleted artifacts always land in the deleted bucket, checked first and separately
// from the other four buckets. The four non-deleted buckets partition the non-deleted
// set: |new|+|updated|+|unchanged|+|retired| == |non-deleted artifacts|.
func (s *InMemoryStore) ComputeRunDeltas(_ context.Context, workspaceID, runID string, includeIDs bool) (DeltaBuckets, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return DeltaBuckets{}, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}

	var buckets DeltaBuckets
	for _, a := range agg.Artifacts {
		if a.DeletedAt != nil {
			buckets.Deleted = append(buckets.Deleted, a)
			continue
		}
		switch {
		case a.Lineage.FirstSeenRunID == runID:
			buckets.New = append(buckets.New, a)
		case a.Provenance.RunID == runID:
			buckets.Updated = append(buckets.Updated, a)
		case a.Lineage.LastSeenRunID == runID:
			buckets.Unchanged = append(buckets.Unchanged, a)
		default:
			buckets.Retired = append(buckets.Retired, a)
		}
	}

	buckets.Counts = models.DeltaCounts{
		New:       len(buckets.New),
		Updated:   len(buckets.Updated),
		Unchanged: len(buckets.Unchanged),
		Retired:   len(buckets.Retired),
		Deleted:   len(buckets.Deleted),
	}
	if !includeIDs {
		buckets.New = stripData(buckets.New)
		buckets.Updated = stripData(buckets.Updated)
		buckets.Unchanged = stripData(buckets.Unchanged)
		buckets.Retired = stripData(buckets.Retired)
		buckets.Deleted = stripData(buckets.Deleted)
	}
	return buckets, nil
}

// stripData keeps only the identity fields (artifact_id, kind, name, natural_key); it
// is applied when include_ids is false, while include_ids mode returns full artifacts.
func stripData(in []models.Artifact) []models.Artifact {
	out := make([]models.Artifact, len(in))
	for i, a := range in {
		out[i] = models.Artifact{ArtifactID: a.ArtifactID, Kind: a.Kind, Name: a.Name, NaturalKey: a.NaturalKey}
	}
	return out
}
