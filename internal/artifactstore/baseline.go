package artifactstore

import (
	"context"
	"reflect"
	"strconv"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// SetInputsBaseline replaces the workspace's inputs_baseline. If ifAbsentOnly is set,
// it no-ops when a baseline already exists. If expectedVersion is set, it must match
// the current baseline version or PreconditionFailed is returned. Version only bumps
// when the baseline previously existed; a first-time set starts at version 1.
func (s *InMemoryStore) SetInputsBaseline(_ context.Context, workspaceID string, newInputs models.InputsBaseline, ifAbsentOnly bool, expectedVersion *int64) (*models.InputsBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}

	existed := agg.InputsBaseline.Fingerprint != ""
	if ifAbsentOnly && existed {
		cp := agg.InputsBaseline
		return &cp, nil
	}
	if expectedVersion != nil && agg.InputsBaseline.Version != *expectedVersion {
		return nil, &apierr.PreconditionFailed{
			Expected: strconv.FormatInt(*expectedVersion, 10),
			Actual:   strconv.FormatInt(agg.InputsBaseline.Version, 10),
		}
	}

	fp, err := canonical.Fingerprint(map[string]any{"avc": newInputs.AVC, "pss": newInputs.PSS, "fss_stories": newInputs.FSSStories})
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	newInputs.Fingerprint = fp
	if existed {
		newInputs.Version = agg.InputsBaseline.Version + 1
	} else {
		newInputs.Version = 1
	}
	agg.InputsBaseline = newInputs
	cp := agg.InputsBaseline
	return &cp, nil
}

// MergeInputsBaseline partially replaces avc/pss and upserts fss_stories entries by
// their "key" field, bumping version by exactly 1 if anything actually changed.
// Returns the changed top-level keys for the caller to build a partial-payload event.
func (s *InMemoryStore) MergeInputsBaseline(_ context.Context, workspaceID string, avc, pss map[string]any, fssStoriesUpsert []map[string]any) (*models.InputsBaseline, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}

	var changed []string
	baseline := agg.InputsBaseline
	if avc != nil {
		if !reflect.DeepEqual(avc, baseline.AVC) {
			changed = append(changed, "avc")
		}
		baseline.AVC = avc
	}
	if pss != nil {
		if !reflect.DeepEqual(pss, baseline.PSS) {
			changed = append(changed, "pss")
		}
		baseline.PSS = pss
	}
	if len(fssStoriesUpsert) > 0 {
		stories := upsertStoriesByKey(baseline.FSSStories, fssStoriesUpsert)
		if !reflect.DeepEqual(stories, baseline.FSSStories) {
			changed = append(changed, "fss_stories")
		}
		baseline.FSSStories = stories
	}
	if len(changed) == 0 {
		cp := baseline
		return &cp, nil, nil
	}

	fp, err := canonical.Fingerprint(map[string]any{"avc": baseline.AVC, "pss": baseline.PSS, "fss_stories": baseline.FSSStories})
	if err != nil {
		return nil, nil, &apierr.Internal{Cause: err}
	}
	if fp == agg.InputsBaseline.Fingerprint {
		cp := baseline
		return &cp, nil, nil
	}
	baseline.Fingerprint = fp
	baseline.Version = agg.InputsBaseline.Version + 1
	agg.InputsBaseline = baseline
	cp := baseline
	return &cp, changed, nil
}

func upsertStoriesByKey(existing []map[string]any, upserts []map[string]any) []map[string]any {
	byKey := make(map[string]int, len(existing))
	out := append([]map[string]any(nil), existing...)
	for i, s := range out {
		if k, ok := s["key"].(string); ok {
			byKey[k] = i
		}
	}
	for _, u := range upserts {
		k, ok := u["key"].(string)
		if !ok {
			out = append(out, u)
			continue
		}
		if idx, found := byKey[k]; found {
			out[idx] = u
		} else {
			byKey[k] = len(out)
			out = append(out, u)
		}
	}
	return out
}
