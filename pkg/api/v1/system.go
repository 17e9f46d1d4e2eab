package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthRouter mounts the liveness and readiness endpoints.
func HealthRouter(deps Deps) http.Handler {
	routes := &healthRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/", routes.health)
	r.Get("/ready", routes.ready)
	return r
}

type healthRoutes struct {
	deps Deps
}

func (h *healthRoutes) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *healthRoutes) ready(w http.ResponseWriter, _ *http.Request) {
	all := h.deps.Router.ListAllSessions()
	totalSessions := 0
	for _, sessions := range all {
		totalSessions += len(sessions)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ready",
		"tools_count":    len(h.deps.Registry.List()),
		"active_workers": len(all),
		"total_sessions": totalSessions,
	})
}

// ShutdownRouter mounts the graceful-shutdown endpoint. Shutdown is a
// soft request: it destroys every worker's sessions (skipped when force is
// set without cleanup_sessions), reports how many it cleaned, and calls
// trigger shortly after the response is written so the CLI entrypoint can
// stop the HTTP server. Backends are shut down by the entrypoint once the
// server has stopped, not by this handler.
type shutdownRequest struct {
	Force           bool `json:"force"`
	CleanupSessions bool `json:"cleanup_sessions"`
}

func ShutdownRouter(deps Deps, trigger func()) http.Handler {
	routes := &shutdownRoutes{deps: deps, trigger: trigger}
	r := chi.NewRouter()
	r.Post("/", routes.shutdown)
	return r
}

type shutdownRoutes struct {
	deps    Deps
	trigger func()
}

func (s *shutdownRoutes) shutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	_ = decodeJSON(r, &req)

	ctx := r.Context()
	cleaned := 0
	if !req.Force || req.CleanupSessions {
		for workerID := range s.deps.Router.ListAllSessions() {
			cleaned += s.deps.Router.DestroyWorkerSessions(ctx, workerID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions_cleaned": cleaned})

	if s.trigger != nil {
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.trigger()
		}()
	}
}
