// Package handlers implements the HTTP handlers for the learning control plane:
// Artifact Store, Kind Registry, Capability Registry, and Run Orchestrator surfaces.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/capreg"
	"github.com/cam-modernize/learning-control-plane/internal/eventbus"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/internal/orchestrator"
)

// Handlers holds every component the REST surface dispatches into.
type Handlers struct {
	Kinds      kindreg.Registry
	Validators *kindreg.ValidatorCache
	Artifacts  artifactstore.Store
	Catalog    *capreg.InMemoryCatalog
	Resolver   *capreg.Resolver
	Engine     *orchestrator.Engine
	Publisher  *eventbus.Publisher // nil-safe; direct artifact writes publish best-effort
	RoutingOrg string
}

// New wires a Handlers instance over its collaborators. publisher may be nil when no
// broker is configured; direct artifact writes then report X-Event-Published: false.
func New(kinds kindreg.Registry, validators *kindreg.ValidatorCache, artifacts artifactstore.Store, catalog *capreg.InMemoryCatalog, resolver *capreg.Resolver, engine *orchestrator.Engine, publisher *eventbus.Publisher, routingOrg string) *Handlers {
	return &Handlers{
		Kinds:      kinds,
		Validators: validators,
		Artifacts:  artifacts,
		Catalog:    catalog,
		Resolver:   resolver,
		Engine:     engine,
		Publisher:  publisher,
		RoutingOrg: routingOrg,
	}
}

// publishArtifactEvent emits "<org>.artifact.<event>.v1" best-effort, mirroring the
// orchestrator's own run/step events (spec.md §6.3); direct REST writes get the same
// at-least-once, never-fail-the-write treatment as run-driven upserts.
func (h *Handlers) publishArtifactEvent(r *http.Request, event string, body map[string]any) bool {
	return h.publishArtifactEventRaw(r, "artifact", event, body)
}

// publishArtifactEventRaw publishes "<org>.<service>.<event>.v1" best-effort; shared
// by every REST surface that emits events directly (artifact, capability).
func (h *Handlers) publishArtifactEventRaw(r *http.Request, service, event string, body map[string]any) bool {
	if h.Publisher == nil {
		return false
	}
	env := eventbus.Envelope{
		RoutingKey:    eventbus.RoutingKey(h.RoutingOrg, service, event, "v1"),
		Body:          body,
		RequestID:     r.Header.Get("X-Request-Id"),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
		PublishedAt:   time.Now().UTC(),
	}
	return h.Publisher.Publish(r.Context(), env)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.StatusOf(err), map[string]string{"detail": err.Error()})
}

func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &apierr.InvalidParams{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}
