package capreg

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// resolveCanaryVersion picks the canary version for workspaceID when the pack has a
// canary configured and the workspace falls inside its rollout percentage, otherwise
// empty (meaning: use stable). Hash-bucket selection adapted from the percentage
// rollout check used for bundle resolution in the reference registry implementation.
func resolveCanaryVersion(canaryVersion string, canaryPercent int, workspaceID string) string {
	if canaryVersion == "" || canaryPercent <= 0 {
		return ""
	}
	hash := sha256.Sum256([]byte(strings.ToLower(workspaceID)))
	val := uint32(hash[0])<<24 | uint32(hash[1])<<16 | uint32(hash[2])<<8 | uint32(hash[3])
	if int(val%100) < canaryPercent {
		return canaryVersion
	}
	return ""
}

// ResolvePack returns the effective pack for (key, requestedVersion, workspaceID): if
// requestedVersion is empty, it resolves the highest-semver pack under key and, when
// that pack has an active canary rollout, buckets workspaceID into canary or stable.
func (c *InMemoryCatalog) ResolvePack(_ context.Context, key, requestedVersion, workspaceID string) (*models.CapabilityPack, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if requestedVersion != "" {
		p, ok := c.packs[packCacheKey(key, requestedVersion)]
		if !ok {
			return nil, &apierr.NotFound{Entity: "pack", Key: packCacheKey(key, requestedVersion)}
		}
		cp := *p
		return &cp, nil
	}

	var latest *models.CapabilityPack
	var latestVer *semver.Version
	for _, p := range c.packs {
		if p.Key != key {
			continue
		}
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			continue
		}
		if latestVer == nil || v.GreaterThan(latestVer) {
			latestVer = v
			cp := *p
			latest = &cp
		}
	}
	if latest == nil {
		return nil, &apierr.NotFound{Entity: "pack", Key: key}
	}

	if canaryVersion := resolveCanaryVersion(latest.CanaryVersion, latest.CanaryPercent, workspaceID); canaryVersion != "" {
		if cp, ok := c.packs[packCacheKey(key, canaryVersion)]; ok {
			clone := *cp
			return &clone, nil
		}
	}
	return latest, nil
}
