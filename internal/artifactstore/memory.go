package artifactstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// InMemoryStore is a process-local Store, the default and the read cache fronting
// PostgresStore. Writes to a given (workspace, natural_key) are serialized through a
// striped mutex map; reads never block on it.
type InMemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*models.WorkspaceAggregate
	patches    map[string][]PatchRecord

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workspaces: make(map[string]*models.WorkspaceAggregate),
		patches:    make(map[string][]PatchRecord),
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *InMemoryStore) lockFor(workspaceID, naturalKey string) *sync.Mutex {
	key := workspaceID + "|" + naturalKey
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func (s *InMemoryStore) CreateParentDoc(_ context.Context, workspaceID string, snapshot map[string]any, inputsBaseline *models.InputsBaseline) (*models.WorkspaceAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := &models.WorkspaceAggregate{
		WorkspaceID: workspaceID,
		Workspace:   snapshot,
		Artifacts:   []models.Artifact{},
	}
	if inputsBaseline != nil {
		agg.InputsBaseline = *inputsBaseline
	}
	s.workspaces[workspaceID] = agg
	return cloneAggregate(agg), nil
}

func (s *InMemoryStore) GetParentDoc(_ context.Context, workspaceID string, includeDeleted bool) (*models.WorkspaceAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	out := cloneAggregate(agg)
	if !includeDeleted {
		out.Artifacts = filterDeleted(out.Artifacts)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteParentDoc(_ context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	delete(s.workspaces, workspaceID)
	return nil
}

func (s *InMemoryStore) RefreshWorkspaceSnapshot(_ context.Context, workspaceID string, snapshot map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	agg.Workspace = snapshot
	return nil
}

func (s *InMemoryStore) ListArtifacts(_ context.Context, workspaceID string, filter ListFilter) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}

	out := make([]models.Artifact, 0, len(agg.Artifacts))
	for _, a := range agg.Artifacts {
		if !filter.IncludeDeleted && a.DeletedAt != nil {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(a.Name, filter.NamePrefix) {
			continue
		}
		out = append(out, a)
	}
	sortByUpdatedDesc(out)

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetArtifact(_ context.Context, workspaceID, artifactID string, includeDeleted bool) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	for i := range agg.Artifacts {
		a := &agg.Artifacts[i]
		if a.ArtifactID != artifactID {
			continue
		}
		if a.DeletedAt != nil && !includeDeleted {
			return nil, &apierr.NotFound{Entity: "artifact", Key: artifactID}
		}
		cp := *a
		return &cp, nil
	}
	return nil, &apierr.NotFound{Entity: "artifact", Key: artifactID}
}

func (s *InMemoryStore) GetArtifactByName(_ context.Context, workspaceID, kind, name string, includeDeleted bool) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	for i := range agg.Artifacts {
		a := &agg.Artifacts[i]
		if a.Kind != kind || a.Name != name {
			continue
		}
		if a.DeletedAt != nil && !includeDeleted {
			continue
		}
		cp := *a
		return &cp, nil
	}
	return nil, &apierr.NotFound{Entity: "artifact", Key: kind + ":" + name}
}

// UpsertArtifact is the authoritative upsert algorithm from spec.md §4.2:
// resolve natural_key -> compute fingerprints -> find active artifact by
// (workspace, natural_key) -> insert | update | noop.
func (s *InMemoryStore) UpsertArtifact(_ context.Context, workspaceID string, payload UpsertPayload, runID string) (*models.Artifact, models.UpsertOp, error) {
	naturalKey := payload.NaturalKey
	if naturalKey == "" {
		naturalKey = strings.ToLower(payload.Kind + ":" + payload.Name)
	}

	lock := s.lockFor(workspaceID, naturalKey)
	lock.Lock()
	defer lock.Unlock()

	dataFP, err := canonical.Fingerprint(payload.Data)
	if err != nil {
		return nil, "", &apierr.Internal{Cause: err}
	}
	var diagFP string
	if payload.Diagrams != nil {
		diagFP, err = canonical.Fingerprint(payload.Diagrams)
		if err != nil {
			return nil, "", &apierr.Internal{Cause: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, "", &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}

	now := time.Now().UTC()
	for i := range agg.Artifacts {
		a := &agg.Artifacts[i]
		if a.NaturalKey != naturalKey || a.DeletedAt != nil {
			continue
		}
		if a.Fingerprint == dataFP && a.DiagramFingerprint == diagFP {
			a.Lineage.LastSeenRunID = runID
			a.UpdatedAt = now
			cp := *a
			return &cp, models.OpNoop, nil
		}
		a.Data = payload.Data
		a.Fingerprint = dataFP
		if payload.Diagrams != nil {
			a.Diagrams = payload.Diagrams
			a.DiagramFingerprint = diagFP
		}
		a.Version++
		a.Lineage.LastSeenRunID = runID
		a.UpdatedAt = now
		a.Provenance = payload.Provenance
		a.Provenance.RunID = runID
		cp := *a
		return &cp, models.OpUpdate, nil
	}

	artifact := models.Artifact{
		ArtifactID:         uuid.NewString(),
		Kind:                payload.Kind,
		Name:                payload.Name,
		Data:                payload.Data,
		Diagrams:            payload.Diagrams,
		NaturalKey:          naturalKey,
		Fingerprint:         dataFP,
		DiagramFingerprint:  diagFP,
		Version:             1,
		Lineage:             models.Lineage{FirstSeenRunID: runID, LastSeenRunID: runID},
		CreatedAt:           now,
		UpdatedAt:           now,
		Provenance:          payload.Provenance,
	}
	artifact.Provenance.RunID = runID
	agg.Artifacts = append(agg.Artifacts, artifact)
	cp := artifact
	return &cp, models.OpInsert, nil
}

func (s *InMemoryStore) UpsertBatch(ctx context.Context, workspaceID string, payloads []UpsertPayload, runID string) ([]BatchResult, error) {
	results := make([]BatchResult, len(payloads))
	for i, p := range payloads {
		a, op, err := s.UpsertArtifact(ctx, workspaceID, p, runID)
		results[i] = BatchResult{Artifact: a, Op: op, Err: err}
		if err != nil {
			log.Warn().Err(err).Str("workspace", workspaceID).Str("kind", p.Kind).Str("name", p.Name).
				Msg("artifact store: batch item failed, continuing with remaining items")
		}
	}
	return results, nil
}

// ReplaceArtifact unconditionally replaces data/diagrams and bumps version; if
// expectedVersion is non-zero it must match the current version or PreconditionFailed
// is returned.
func (s *InMemoryStore) ReplaceArtifact(_ context.Context, workspaceID, artifactID string, newData map[string]any, newDiagrams []models.Diagram, provenance models.Provenance, expectedVersion int64) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	for i := range agg.Artifacts {
		a := &agg.Artifacts[i]
		if a.ArtifactID != artifactID {
			continue
		}
		if expectedVersion != 0 && a.Version != expectedVersion {
			return nil, &apierr.PreconditionFailed{Expected: strconv.FormatInt(expectedVersion, 10), Actual: strconv.FormatInt(a.Version, 10)}
		}
		dataFP, err := canonical.Fingerprint(newData)
		if err != nil {
			return nil, &apierr.Internal{Cause: err}
		}
		a.Data = newData
		a.Fingerprint = dataFP
		if newDiagrams != nil {
			a.Diagrams = newDiagrams
			diagFP, err := canonical.Fingerprint(newDiagrams)
			if err != nil {
				return nil, &apierr.Internal{Cause: err}
			}
			a.DiagramFingerprint = diagFP
		}
		a.Version++
		a.UpdatedAt = time.Now().UTC()
		a.Provenance = provenance
		cp := *a
		return &cp, nil
	}
	return nil, &apierr.NotFound{Entity: "artifact", Key: artifactID}
}

func (s *InMemoryStore) SoftDeleteArtifact(_ context.Context, workspaceID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return &apierr.NotFound{Entity: "workspace", Key: workspaceID}
	}
	for i := range agg.Artifacts {
		a := &agg.Artifacts[i]
		if a.ArtifactID != artifactID {
			continue
		}
		if a.DeletedAt == nil {
			now := time.Now().UTC()
			a.DeletedAt = &now
			a.UpdatedAt = now
		}
		return nil
	}
	return &apierr.NotFound{Entity: "artifact", Key: artifactID}
}

func filterDeleted(in []models.Artifact) []models.Artifact {
	out := make([]models.Artifact, 0, len(in))
	for _, a := range in {
		if a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

func sortByUpdatedDesc(artifacts []models.Artifact) {
	// list responses sort by updated_at desc, artifact_id asc.
	for i := 1; i < len(artifacts); i++ {
		for j := i; j > 0; j-- {
			a, b := artifacts[j-1], artifacts[j]
			if a.UpdatedAt.Before(b.UpdatedAt) || (a.UpdatedAt.Equal(b.UpdatedAt) && a.ArtifactID > b.ArtifactID) {
				artifacts[j-1], artifacts[j] = artifacts[j], artifacts[j-1]
				continue
			}
			break
		}
	}
}

func cloneAggregate(agg *models.WorkspaceAggregate) *models.WorkspaceAggregate {
	cp := *agg
	cp.Artifacts = append([]models.Artifact(nil), agg.Artifacts...)
	return &cp
}
