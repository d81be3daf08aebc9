// Package capreg is the Capability Registry: the immutable-at-read catalog of
// Integrations, Capabilities, and Capability Packs, plus the Plan Resolver that
// materializes a pack+playbook+workspace combination into an ExecutionPlan.
package capreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// Catalog is the CRUD surface for integrations, capabilities, and packs, with
// write-time validation against the Kind Registry.
type Catalog interface {
	UpsertIntegration(ctx context.Context, in *models.Integration) (*models.Integration, error)
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	ListIntegrations(ctx context.Context) ([]*models.Integration, error)
	RemoveIntegration(ctx context.Context, id string) error

	UpsertCapability(ctx context.Context, cap *models.Capability) (*models.Capability, error)
	GetCapability(ctx context.Context, id string) (*models.Capability, error)
	ListCapabilities(ctx context.Context) ([]*models.Capability, error)
	RemoveCapability(ctx context.Context, id string) error

	UpsertPack(ctx context.Context, pack *models.CapabilityPack) (*models.CapabilityPack, error)
	GetPack(ctx context.Context, key, version string) (*models.CapabilityPack, error)
	ListPacks(ctx context.Context, key string) ([]*models.CapabilityPack, error)
	RemovePack(ctx context.Context, key, version string) error

	UpsertPlaybook(ctx context.Context, key, version string, pb *models.Playbook) (*models.Playbook, error)
	RemovePlaybook(ctx context.Context, key, version, playbookID string) error
	ReorderPlaybookSteps(ctx context.Context, key, version, playbookID string, stepOrder []string) (*models.Playbook, error)
	GetPlaybook(ctx context.Context, key, version, playbookID string) (*models.Playbook, error)
}

// InMemoryCatalog is the process-local Catalog and the read cache fronting
// PostgresCatalog, following the same write-through-cache shape used by
// the Kind Registry and Artifact Store.
type InMemoryCatalog struct {
	mu           sync.RWMutex
	integrations map[string]*models.Integration
	capabilities map[string]*models.Capability
	packs        map[string]*models.CapabilityPack // key: "key@version"
	kinds        kindreg.Registry
}

// NewInMemoryCatalog returns an empty catalog validating against kinds.
func NewInMemoryCatalog(kinds kindreg.Registry) *InMemoryCatalog {
	return &InMemoryCatalog{
		integrations: make(map[string]*models.Integration),
		capabilities: make(map[string]*models.Capability),
		packs:        make(map[string]*models.CapabilityPack),
		kinds:        kinds,
	}
}

func packCacheKey(key, version string) string { return key + "@" + version }

func (c *InMemoryCatalog) UpsertIntegration(_ context.Context, in *models.Integration) (*models.Integration, error) {
	if in.IntegrationID == "" {
		return nil, &apierr.InvalidParams{Message: "integration_id is required"}
	}
	if in.Transport.Kind != models.TransportHTTP && in.Transport.Kind != models.TransportSTDIO {
		return nil, &apierr.InvalidParams{Message: fmt.Sprintf("unknown transport kind %q", in.Transport.Kind)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *in
	c.integrations[in.IntegrationID] = &cp
	out := cp
	return &out, nil
}

func (c *InMemoryCatalog) GetIntegration(_ context.Context, id string) (*models.Integration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	in, ok := c.integrations[id]
	if !ok {
		return nil, &apierr.NotFound{Entity: "integration", Key: id}
	}
	cp := *in
	return &cp, nil
}

func (c *InMemoryCatalog) ListIntegrations(_ context.Context) ([]*models.Integration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Integration, 0, len(c.integrations))
	for _, in := range c.integrations {
		cp := *in
		out = append(out, &cp)
	}
	return out, nil
}

func (c *InMemoryCatalog) RemoveIntegration(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.integrations[id]; !ok {
		return &apierr.NotFound{Entity: "integration", Key: id}
	}
	delete(c.integrations, id)
	return nil
}

// UpsertCapability validates that every produces_kinds and requires_kinds entry
// exists in the Kind Registry via a single bulk KindsExist call.
func (c *InMemoryCatalog) UpsertCapability(ctx context.Context, cap *models.Capability) (*models.Capability, error) {
	if cap.ID == "" {
		return nil, &apierr.InvalidParams{Message: "capability id is required"}
	}
	all := append(append([]string{}, cap.ProducesKinds...), cap.RequiresKinds...)
	if len(all) > 0 {
		exist, err := c.kinds.KindsExist(ctx, all)
		if err != nil {
			return nil, &apierr.Internal{Cause: err}
		}
		for _, k := range all {
			if !exist[k] {
				return nil, &apierr.NotFound{Entity: "kind", Key: k}
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *cap
	c.capabilities[cap.ID] = &cp
	out := cp
	return &out, nil
}

func (c *InMemoryCatalog) GetCapability(_ context.Context, id string) (*models.Capability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cap, ok := c.capabilities[id]
	if !ok {
		return nil, &apierr.NotFound{Entity: "capability", Key: id}
	}
	cp := *cap
	return &cp, nil
}

func (c *InMemoryCatalog) ListCapabilities(_ context.Context) ([]*models.Capability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Capability, 0, len(c.capabilities))
	for _, cap := range c.capabilities {
		cp := *cap
		out = append(out, &cp)
	}
	return out, nil
}

func (c *InMemoryCatalog) RemoveCapability(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.capabilities[id]; !ok {
		return &apierr.NotFound{Entity: "capability", Key: id}
	}
	delete(c.capabilities, id)
	return nil
}

// UpsertPack validates the pack's playbooks against spec.md §4.3:
//   - every capability_id referenced by a capability step exists in pack.capability_ids
//   - every tool_key referenced by a tool_call step exists in pack.tools
//   - depends_on_steps are local to the playbook, no duplicates
func (c *InMemoryCatalog) UpsertPack(_ context.Context, pack *models.CapabilityPack) (*models.CapabilityPack, error) {
	if pack.Key == "" || pack.Version == "" {
		return nil, &apierr.InvalidParams{Message: "pack key and version are required"}
	}
	if err := validatePack(pack); err != nil {
		return nil, err
	}
	if pack.UpdatedAt.IsZero() {
		pack.UpdatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *pack
	c.packs[packCacheKey(pack.Key, pack.Version)] = &cp
	out := cp
	return &out, nil
}

func validatePack(pack *models.CapabilityPack) error {
	capIDs := make(map[string]bool, len(pack.CapabilityIDs))
	for _, id := range pack.CapabilityIDs {
		capIDs[id] = true
	}
	for _, pb := range pack.Playbooks {
		if err := validatePlaybook(pb, capIDs, pack.Tools); err != nil {
			return err
		}
	}
	return nil
}

func validatePlaybook(pb models.Playbook, capIDs map[string]bool, tools map[string]models.ToolDefinition) error {
	stepIDs := make(map[string]bool, len(pb.Steps))
	for _, s := range pb.Steps {
		stepIDs[s.ID] = true
	}
	for _, s := range pb.Steps {
		if s.Type == models.StepCapability && s.CapabilityID != "" && !capIDs[s.CapabilityID] {
			return &apierr.NotFound{Entity: "capability_id", Key: s.CapabilityID}
		}
		if s.Type == models.StepToolCall {
			for _, tc := range s.ToolCalls {
				if _, ok := tools[tc.ToolKey]; !ok {
					return &apierr.NotFound{Entity: "tool_key", Key: tc.ToolKey}
				}
			}
		}
		seen := make(map[string]bool, len(s.DependsOnSteps))
		for _, dep := range s.DependsOnSteps {
			if seen[dep] {
				return &apierr.InvalidParams{Message: fmt.Sprintf("step %q: duplicate depends_on_steps entry %q", s.ID, dep)}
			}
			seen[dep] = true
			if !stepIDs[dep] {
				return &apierr.InvalidParams{Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)}
			}
		}
	}
	for _, e := range pb.Edges {
		if !stepIDs[e.From] || !stepIDs[e.To] {
			return &apierr.InvalidParams{Message: fmt.Sprintf("playbook %q: edge references unknown step", pb.ID)}
		}
	}
	return nil
}

func (c *InMemoryCatalog) GetPack(_ context.Context, key, version string) (*models.CapabilityPack, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pack, ok := c.packs[packCacheKey(key, version)]
	if !ok {
		return nil, &apierr.NotFound{Entity: "pack", Key: packCacheKey(key, version)}
	}
	cp := *pack
	return &cp, nil
}

func (c *InMemoryCatalog) ListPacks(_ context.Context, key string) ([]*models.CapabilityPack, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.CapabilityPack
	for _, pack := range c.packs {
		if key != "" && pack.Key != key {
			continue
		}
		cp := *pack
		out = append(out, &cp)
	}
	return out, nil
}

func (c *InMemoryCatalog) RemovePack(_ context.Context, key, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := packCacheKey(key, version)
	if _, ok := c.packs[k]; !ok {
		return &apierr.NotFound{Entity: "pack", Key: k}
	}
	delete(c.packs, k)
	return nil
}

func (c *InMemoryCatalog) UpsertPlaybook(_ context.Context, key, version string, pb *models.Playbook) (*models.Playbook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pack, ok := c.packs[packCacheKey(key, version)]
	if !ok {
		return nil, &apierr.NotFound{Entity: "pack", Key: packCacheKey(key, version)}
	}
	capIDs := make(map[string]bool, len(pack.CapabilityIDs))
	for _, id := range pack.CapabilityIDs {
		capIDs[id] = true
	}
	if err := validatePlaybook(*pb, capIDs, pack.Tools); err != nil {
		return nil, err
	}
	for i, existing := range pack.Playbooks {
		if existing.ID == pb.ID {
			pack.Playbooks[i] = *pb
			cp := *pb
			return &cp, nil
		}
	}
	pack.Playbooks = append(pack.Playbooks, *pb)
	cp := *pb
	return &cp, nil
}

func (c *InMemoryCatalog) GetPlaybook(_ context.Context, key, version, playbookID string) (*models.Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pack, ok := c.packs[packCacheKey(key, version)]
	if !ok {
		return nil, &apierr.NotFound{Entity: "pack", Key: packCacheKey(key, version)}
	}
	for _, pb := range pack.Playbooks {
		if pb.ID == playbookID {
			cp := pb
			return &cp, nil
		}
	}
	return nil, &apierr.NotFound{Entity: "playbook", Key: playbookID}
}

func (c *InMemoryCatalog) RemovePlaybook(_ context.Context, key, version, playbookID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pack, ok := c.packs[packCacheKey(key, version)]
	if !ok {
		return &apierr.NotFound{Entity: "pack", Key: packCacheKey(key, version)}
	}
	for i, pb := range pack.Playbooks {
		if pb.ID == playbookID {
			pack.Playbooks = append(pack.Playbooks[:i], pack.Playbooks[i+1:]...)
			return nil
		}
	}
	return &apierr.NotFound{Entity: "playbook", Key: playbookID}
}

// ReorderPlaybookSteps reorders Steps to match stepOrder; any step id present in the
// playbook but omitted from stepOrder is appended after the given order, preserving it.
func (c *InMemoryCatalog) ReorderPlaybookSteps(_ context.Context, key, version, playbookID string, stepOrder []string) (*models.Playbook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pack, ok := c.packs[packCacheKey(key, version)]
	if !ok {
		return nil, &apierr.NotFound{Entity: "pack", Key: packCacheKey(key, version)}
	}
	for i := range pack.Playbooks {
		pb := &pack.Playbooks[i]
		if pb.ID != playbookID {
			continue
		}
		byID := make(map[string]models.Step, len(pb.Steps))
		for _, s := range pb.Steps {
			byID[s.ID] = s
		}
		reordered := make([]models.Step, 0, len(pb.Steps))
		placed := make(map[string]bool, len(stepOrder))
		for _, id := range stepOrder {
			s, ok := byID[id]
			if !ok {
				return nil, &apierr.InvalidParams{Message: fmt.Sprintf("reorder references unknown step %q", id)}
			}
			reordered = append(reordered, s)
			placed[id] = true
		}
		for _, s := range pb.Steps {
			if !placed[s.ID] {
				reordered = append(reordered, s)
			}
		}
		pb.Steps = reordered
		cp := *pb
		return &cp, nil
	}
	return nil, &apierr.NotFound{Entity: "playbook", Key: playbookID}
}
