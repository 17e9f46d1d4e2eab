// Package v1 implements the HTTP handlers for every endpoint the service
// exposes: execution, session management, warmup, tool discovery, and
// lifecycle (health/readiness/shutdown).
package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stacklok/sandboxd/pkg/backend"
	"github.com/stacklok/sandboxd/pkg/dispatch"
	"github.com/stacklok/sandboxd/pkg/envelope"
	"github.com/stacklok/sandboxd/pkg/logger"
	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

// Deps bundles the components every router needs.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Router     *session.Router
	Registry   *registry.Registry
	Backends   *backend.Manager
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("api: failed to encode response: %v", err)
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

// statusForCode maps an envelope's numeric response code to the HTTP
// status the transport layer returns, per the service's error taxonomy:
// 0 is 200, partial-failure is 207, "not found"-shaped input errors are
// 404, the rest of the 4xxx range is 400, timeouts are 504, and the rest
// of the 5xxx range is 500.
func statusForCode(code int) int {
	switch {
	case code == 0:
		return http.StatusOK
	case code == 5010: // partial_failure
		return http.StatusMultiStatus
	case code == 4006, code == 4007: // no_results_found, resource_not_initialized
		return http.StatusNotFound
	case code >= 4000 && code < 5000:
		return http.StatusBadRequest
	case code == 5006: // timeout_error
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope(w http.ResponseWriter, env envelope.Envelope) {
	writeJSON(w, statusForCode(env.Code), env)
}

func durationFromSeconds(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
