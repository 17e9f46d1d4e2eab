package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type warmupRequest struct {
	Backends []string `json:"backends"`
}

// WarmupRouter mounts the warmup-backends and warmup-status endpoints.
func WarmupRouter(deps Deps) http.Handler {
	routes := &warmupRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.warmup)
	r.Get("/status", routes.status)
	return r
}

type warmupRoutes struct {
	deps Deps
}

func (wr *warmupRoutes) warmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	_ = decodeJSON(r, &req)

	ctx := r.Context()
	results := make(map[string]bool)
	errs := make(map[string]string)

	run := func(name string) {
		err := wr.deps.Backends.EnsureWarmedUp(ctx, name)
		results[name] = err == nil
		if err != nil {
			errs[name] = err.Error()
		}
	}

	if len(req.Backends) > 0 {
		for _, name := range req.Backends {
			run(name)
		}
	} else {
		for name, err := range wr.deps.Backends.WarmupAll(ctx) {
			results[name] = err == nil
			if err != nil {
				errs[name] = err.Error()
			}
		}
	}

	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	summary := "all backends warmed up"
	if failed > 0 {
		summary = "some backends failed to warm up"
	}

	resp := map[string]interface{}{"status": "completed", "results": results, "summary": summary}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (wr *warmupRoutes) status(w http.ResponseWriter, r *http.Request) {
	status := wr.deps.Backends.Status()
	backends := make(map[string]interface{}, len(status))
	for name, err := range status {
		backends[name] = map[string]interface{}{"loaded": true, "warmed_up": err == nil}
	}
	summary := "ready"
	for _, err := range status {
		if err != nil {
			summary = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": backends, "summary": summary})
}
