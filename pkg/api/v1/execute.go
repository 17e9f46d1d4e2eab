package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/sandboxd/pkg/dispatch"
)

type executeRequest struct {
	WorkerID string                 `json:"worker_id"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params"`
	Timeout  float64                `json:"timeout"`
	TraceID  string                 `json:"trace_id"`
}

type batchActionRequest struct {
	Action  string                 `json:"action"`
	Params  map[string]interface{} `json:"params"`
	Timeout float64                `json:"timeout"`
}

type batchExecuteRequest struct {
	WorkerID    string               `json:"worker_id"`
	Actions     []batchActionRequest `json:"actions"`
	Parallel    bool                 `json:"parallel"`
	StopOnError bool                 `json:"stop_on_error"`
	TraceID     string               `json:"trace_id"`
}

// ExecuteRouter mounts the single and batch execute endpoints.
func ExecuteRouter(deps Deps) http.Handler {
	routes := &executeRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.execute)
	r.Post("/batch", routes.executeBatch)
	return r
}

type executeRoutes struct {
	deps Deps
}

func (e *executeRoutes) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = workerIDFromBearer(r)
	}
	if req.WorkerID == "" {
		writeBadRequest(w, "worker_id is required")
		return
	}
	env := e.deps.Dispatcher.Execute(r.Context(), dispatch.Request{
		Action:   req.Action,
		Params:   req.Params,
		WorkerID: req.WorkerID,
		Timeout:  durationFromSeconds(req.Timeout),
		TraceID:  req.TraceID,
	})
	writeEnvelope(w, env)
}

func (e *executeRoutes) executeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = workerIDFromBearer(r)
	}
	if req.WorkerID == "" {
		writeBadRequest(w, "worker_id is required")
		return
	}
	actions := make([]dispatch.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		actions = append(actions, dispatch.Action{
			Action:  a.Action,
			Params:  a.Params,
			Timeout: durationFromSeconds(a.Timeout),
		})
	}
	env := e.deps.Dispatcher.ExecuteBatch(r.Context(), dispatch.BatchRequest{
		Actions:     actions,
		WorkerID:    req.WorkerID,
		Parallel:    req.Parallel,
		StopOnError: req.StopOnError,
		TraceID:     req.TraceID,
	})
	writeEnvelope(w, env)
}
