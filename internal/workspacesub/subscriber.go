// Package workspacesub wires platform.workspace.{created,updated,deleted}.v1 events
// to the Artifact Store's parent-doc lifecycle, per spec.md §4.6/§5: workspace
// creation is owned by an external platform service, and the control plane reacts
// by creating, refreshing, or tearing down the corresponding workspace aggregate.
package workspacesub

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/eventbus"
)

// RoutingPatterns returns the topic-exchange binding patterns this subscriber needs.
// "platform" is a fixed org, not the service's own routing org: workspace lifecycle is
// owned by an external platform service, independent of this control plane's identity.
func RoutingPatterns() []string {
	return []string{
		"platform.workspace.created.v1",
		"platform.workspace.updated.v1",
		"platform.workspace.deleted.v1",
	}
}

// Handler builds an eventbus.Handler that dispatches workspace lifecycle events into
// store. Processing is idempotent: created/updated both resolve to an upsert of the
// parent doc's snapshot, and a delete on an already-absent workspace is a no-op.
func Handler(store artifactstore.Store) eventbus.Handler {
	return func(ctx context.Context, routingKey string, body map[string]any) error {
		workspaceID, _ := body["workspace_id"].(string)
		if workspaceID == "" {
			return fmt.Errorf("workspace event missing workspace_id: %s", routingKey)
		}

		switch {
		case hasSuffix(routingKey, ".workspace.created.v1"), hasSuffix(routingKey, ".workspace.updated.v1"):
			snapshot, _ := body["snapshot"].(map[string]any)
			if snapshot == nil {
				snapshot = map[string]any{}
			}
			return upsertWorkspace(ctx, store, workspaceID, snapshot)
		case hasSuffix(routingKey, ".workspace.deleted.v1"):
			if err := store.DeleteParentDoc(ctx, workspaceID); err != nil {
				var nf *apierr.NotFound
				if asNotFound(err, &nf) {
					return nil
				}
				return err
			}
			return nil
		default:
			log.Warn().Str("routing_key", routingKey).Msg("workspacesub: unrecognized routing key, ignoring")
			return nil
		}
	}
}

func upsertWorkspace(ctx context.Context, store artifactstore.Store, workspaceID string, snapshot map[string]any) error {
	if _, err := store.GetParentDoc(ctx, workspaceID, true); err != nil {
		var nf *apierr.NotFound
		if !asNotFound(err, &nf) {
			return err
		}
		_, err := store.CreateParentDoc(ctx, workspaceID, snapshot, nil)
		return err
	}
	return store.RefreshWorkspaceSnapshot(ctx, workspaceID, snapshot)
}

func asNotFound(err error, target **apierr.NotFound) bool {
	nf, ok := err.(*apierr.NotFound)
	if ok {
		*target = nf
	}
	return ok
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
