package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/sandboxd/pkg/envelope"
	sberrors "github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/session"
)

type createSessionRequest struct {
	WorkerID      string                 `json:"worker_id"`
	ResourceType  string                 `json:"resource_type"`
	SessionConfig map[string]interface{} `json:"session_config"`
	CustomName    string                 `json:"custom_name"`
}

type workerOnlyRequest struct {
	WorkerID     string `json:"worker_id"`
	ResourceType string `json:"resource_type"`
}

// SessionsRouter mounts session create/destroy/list/refresh and worker
// disconnect endpoints.
func SessionsRouter(deps Deps) http.Handler {
	routes := &sessionRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.create)
	r.Post("/destroy", routes.destroy)
	r.Post("/list", routes.list)
	r.Post("/refresh", routes.refresh)
	r.Post("/disconnect", routes.disconnect)
	return r
}

type sessionRoutes struct {
	deps Deps
}

func (s *sessionRoutes) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = workerIDFromBearer(r)
	}
	if req.WorkerID == "" || req.ResourceType == "" {
		writeBadRequest(w, "worker_id and resource_type are required")
		return
	}

	timer := envelope.NewTimer()
	ctx := r.Context()
	if s.deps.Backends != nil {
		_ = s.deps.Backends.EnsureWarmedUp(ctx, req.ResourceType)
	}
	sess := s.deps.Router.GetOrCreateSession(ctx, req.WorkerID, req.ResourceType, req.SessionConfig, false, req.CustomName)

	if sess.Status == session.StatusError {
		writeEnvelope(w, envelope.BuildError(ctx, sberrors.Code(sberrors.ErrResourceNotInitialized),
			"Resource initialization failed: "+sess.Error,
			map[string]interface{}{"resource_type": req.ResourceType}, "create_session",
			envelope.Options{ExecutionTimeMs: timer.ElapsedMsPtr(), ResourceType: req.ResourceType, SessionID: sess.SessionID}))
		return
	}

	data := map[string]interface{}{
		"session_id":    sess.SessionID,
		"session_name":  sess.SessionName,
		"resource_type": sess.ResourceType,
		"session_status": sess.Status,
	}
	if sess.CompatibilityMode {
		data["compatibility_mode"] = true
		data["compatibility_message"] = sess.CompatibilityMessage
	}
	writeEnvelope(w, envelope.BuildSuccess(ctx, data, "create_session", envelope.Options{
		ExecutionTimeMs: timer.ElapsedMsPtr(), ResourceType: req.ResourceType, SessionID: sess.SessionID,
	}))
}

func (s *sessionRoutes) destroy(w http.ResponseWriter, r *http.Request) {
	var req workerOnlyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = workerIDFromBearer(r)
	}
	if req.WorkerID == "" || req.ResourceType == "" {
		writeBadRequest(w, "worker_id and resource_type are required")
		return
	}
	timer := envelope.NewTimer()
	ctx := r.Context()
	sess, existed := s.deps.Router.DestroySession(ctx, req.WorkerID, req.ResourceType)
	data := map[string]interface{}{"destroyed": existed}
	var sessionID string
	if sess != nil {
		sessionID = sess.SessionID
	}
	writeEnvelope(w, envelope.BuildSuccess(ctx, data, "destroy_session", envelope.Options{
		ExecutionTimeMs: timer.ElapsedMsPtr(), ResourceType: req.ResourceType, SessionID: sessionID,
	}))
}

func (s *sessionRoutes) list(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
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
	timer := envelope.NewTimer()
	ctx := r.Context()
	sessions := s.deps.Router.ListWorkerSessions(req.WorkerID)
	list := make([]map[string]interface{}, 0, len(sessions))
	for resourceType, sess := range sessions {
		list = append(list, map[string]interface{}{
			"resource_type": resourceType,
			"session_id":    sess.SessionID,
			"session_name":  sess.SessionName,
			"status":        sess.Status,
			"auto_created":  sess.AutoCreated,
			"created_at":    sess.CreatedAt,
			"last_activity": sess.LastActivity,
			"expires_at":    sess.ExpiresAt,
		})
	}
	writeEnvelope(w, envelope.BuildSuccess(ctx, map[string]interface{}{"sessions": list}, "list_sessions",
		envelope.Options{ExecutionTimeMs: timer.ElapsedMsPtr()}))
}

func (s *sessionRoutes) refresh(w http.ResponseWriter, r *http.Request) {
	var req workerOnlyRequest
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
	timer := envelope.NewTimer()
	ctx := r.Context()

	var refreshed []string
	if req.ResourceType != "" {
		if s.deps.Router.RefreshSession(req.WorkerID, req.ResourceType) {
			refreshed = append(refreshed, req.ResourceType)
		}
	} else {
		for resourceType := range s.deps.Router.GetActiveResourceTypes(req.WorkerID) {
			if s.deps.Router.RefreshSession(req.WorkerID, resourceType) {
				refreshed = append(refreshed, resourceType)
			}
		}
	}
	writeEnvelope(w, envelope.BuildSuccess(ctx, map[string]interface{}{"refreshed": refreshed}, "refresh_session",
		envelope.Options{ExecutionTimeMs: timer.ElapsedMsPtr()}))
}

func (s *sessionRoutes) disconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
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
	timer := envelope.NewTimer()
	ctx := r.Context()
	cleaned := s.deps.Router.DestroyWorkerSessions(ctx, req.WorkerID)
	writeEnvelope(w, envelope.BuildSuccess(ctx, map[string]interface{}{"sessions_cleaned": cleaned}, "worker_disconnect",
		envelope.Options{ExecutionTimeMs: timer.ElapsedMsPtr()}))
}

// BackgroundExpiry periodically reclaims sessions whose expires_at has
// passed, run as a goroutine from cmd/sandboxd for the lifetime of the
// server.
func BackgroundExpiry(ctx context.Context, router *session.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			router.CleanupExpired(ctx)
		}
	}
}
