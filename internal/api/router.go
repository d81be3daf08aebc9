package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cam-modernize/learning-control-plane/internal/api/handlers"
	"github.com/cam-modernize/learning-control-plane/internal/api/middleware"
	"github.com/cam-modernize/learning-control-plane/internal/apikeyauth"
	"github.com/cam-modernize/learning-control-plane/internal/config"
)

// NewRouter builds the HTTP router over the Artifact Store, Kind Registry,
// Capability Registry, and Run Orchestrator REST surfaces. auth may be nil,
// disabling API-key enforcement entirely (local dev / tests).
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *apikeyauth.Validator) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if auth != nil {
		r.Use(apikeyauth.Middleware(auth))
	}

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Run-Id", "X-Request-Id", "X-Correlation-Id", "X-API-Key", "If-Match"},
		ExposedHeaders:   []string{"ETag", "X-Op", "X-Event-Published", "X-Request-Id"},
		AllowCredentials: !isWildcard, // wildcard origins must not carry credentials
		MaxAge:           300,
	}))

	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", readyzHandler(h))

	r.Route("/artifact/{workspace}", func(r chi.Router) {
		r.Post("/", h.UpsertArtifact)
		r.Get("/", h.ListArtifacts)
		r.Post("/upsert-batch", h.UpsertBatch)
		r.Get("/parent", h.GetParentDoc)
		r.Get("/deltas", h.GetDeltas)
		r.Post("/baseline-inputs", h.SetOrMergeBaselineInputs)
		r.Patch("/baseline-inputs", h.SetOrMergeBaselineInputs)

		r.Route("/{artifact_id}", func(r chi.Router) {
			r.Get("/", h.GetArtifact)
			r.Head("/", h.GetArtifact)
			r.Put("/", h.ReplaceArtifact)
			r.Delete("/", h.SoftDeleteArtifact)
			r.Post("/patch", h.PatchArtifact)
			r.Get("/history", h.GetArtifactHistory)
		})
	})

	r.Route("/registry", func(r chi.Router) {
		r.Get("/kinds", h.ListKinds)
		r.Get("/kinds/{id}", h.GetKind)
		r.Get("/kinds/{id}/prompt", h.GetKindPrompt)
		r.Post("/kinds/{id}/adapt", h.AdaptKind)
		r.Post("/validate", h.ValidateAgainstKind)
		r.Post("/kinds/exists", h.KindsExist)
		r.Get("/meta", h.GetRegistryMeta)
	})

	r.Route("/capability", func(r chi.Router) {
		r.Route("/integration", func(r chi.Router) {
			r.Get("/", h.ListIntegrations)
			r.Post("/", h.UpsertIntegration)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetIntegration)
				r.Delete("/", h.RemoveIntegration)
			})
		})

		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.ListCapabilities)
			r.Post("/", h.UpsertCapability)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCapability)
				r.Delete("/", h.RemoveCapability)
			})
		})

		r.Route("/pack/{key}", func(r chi.Router) {
			r.Get("/", h.ListPacks)
			r.Route("/{version}", func(r chi.Router) {
				r.Get("/", h.GetPack)
				r.Post("/", h.UpsertPack)
				r.Put("/", h.UpsertPack)
				r.Delete("/", h.RemovePack)

				r.Route("/playbooks", func(r chi.Router) {
					r.Post("/", h.UpsertPlaybook)
					r.Route("/{playbook_id}", func(r chi.Router) {
						r.Get("/", h.GetPlaybook)
						r.Put("/", h.UpsertPlaybook)
						r.Delete("/", h.RemovePlaybook)
						r.Post("/reorder", h.ReorderPlaybookSteps)
					})
				})
			})
		})

		r.Post("/resolve", h.ResolvePlan)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.ListRuns)
		r.Post("/", h.StartRun)
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", h.GetRun)
			r.Post("/cancel", h.CancelRun)
		})
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
//
// Examples:
//
//	CPLANE_CORS_ORIGINS=https://example.internal,http://localhost:5173
//	CPLANE_CORS_ORIGINS=*  (default — open access, credentials disabled)
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("CPLANE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readyzHandler reports ready once the Kind Registry has at least recomputed its
// meta/etag once, i.e. the process has finished bootstrapping its in-memory state.
func readyzHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta := h.Kinds.Meta(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if meta.RegistryVersion == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
