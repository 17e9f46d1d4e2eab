// Package dispatch resolves a tool name, binds it to a worker's session (if
// the tool is session-backed), injects the runtime parameters the tool
// declared it needs, and wraps the result in a response envelope.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/sandboxd/pkg/backend"
	"github.com/stacklok/sandboxd/pkg/envelope"
	sberrors "github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/logger"
	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

// Request is a single tool invocation.
type Request struct {
	Action    string
	Params    map[string]interface{}
	WorkerID  string
	Timeout   time.Duration
	TraceID   string
	SessionID string
}

// Dispatcher resolves, warms up, binds sessions for, and runs tool calls.
type Dispatcher struct {
	registry *registry.Registry
	router   *session.Router
	backends *backend.Manager
}

// New builds a Dispatcher over reg/router/backends.
func New(reg *registry.Registry, router *session.Router, backends *backend.Manager) *Dispatcher {
	return &Dispatcher{registry: reg, router: router, backends: backends}
}

// Execute runs a single tool call and returns its response envelope. It
// does not return a Go error: every failure, business-level or not, is
// encoded in the envelope's Code/Message. An empty WorkerID is the one
// unrecoverable situation and makes Execute panic, so callers reject it
// (as a 400) before dispatching.
func (d *Dispatcher) Execute(ctx context.Context, req Request) envelope.Envelope {
	if req.WorkerID == "" {
		panic("dispatch: WorkerID is required")
	}

	timer := envelope.NewTimer()
	toolName := req.Action
	isTemporarySession := false
	var resourceType string
	var sess *session.Session

	logger.Infof("Execute START: action=%s, worker_id=%s, trace_id=%s", req.Action, req.WorkerID, req.TraceID)

	action := d.registry.NormalizeToolName(req.Action)
	desc, ambiguous, candidates := d.registry.Resolve(action)

	if ambiguous {
		return envelope.BuildError(ctx, sberrors.Code(sberrors.ErrInvalidRequestFormat),
			fmt.Sprintf("Ambiguous tool name '%s'. Multiple matches: %v. Please use full name with prefix.", action, candidates),
			map[string]interface{}{"candidates": candidates}, action,
			envelope.Options{ExecutionTimeMs: timer.ElapsedMsPtr(), TraceID: req.TraceID})
	}
	if desc == nil {
		return envelope.BuildError(ctx, sberrors.Code(sberrors.ErrInvalidRequestFormat),
			fmt.Sprintf("Tool not found: %s", action),
			map[string]interface{}{"action": action}, action,
			envelope.Options{ExecutionTimeMs: timer.ElapsedMsPtr(), TraceID: req.TraceID})
	}

	toolName = desc.SimpleName
	resourceType = desc.ResourceType

	if resourceType != "" && d.backends != nil {
		logger.Infof("Warmup backend: %s", resourceType)
		if err := d.backends.EnsureWarmedUp(ctx, resourceType); err != nil {
			logger.Warnf("Warmup failed for %s, continuing: %v", resourceType, err)
		}
	}

	if resourceType != "" {
		logger.Infof("Getting session for resource_type=%s", resourceType)
		existing, ok := d.router.GetSession(req.WorkerID, resourceType)
		if ok {
			sess = existing
		} else {
			logger.Infof("Creating temporary session for %s", resourceType)
			sess = d.router.GetOrCreateSession(ctx, req.WorkerID, resourceType, nil, true, "")
			isTemporarySession = true
		}

		if sess.Status == session.StatusError {
			return envelope.BuildError(ctx, sberrors.Code(sberrors.ErrResourceNotInitialized),
				fmt.Sprintf("Resource initialization failed: %s", sess.Error),
				map[string]interface{}{"resource_type": resourceType, "details": sess.Error}, desc.FullName,
				envelope.Options{
					ExecutionTimeMs: timer.ElapsedMsPtr(), ResourceType: resourceType,
					SessionID: sess.SessionID, TraceID: req.TraceID,
				})
		}
	}

	params := make(map[string]interface{}, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	injectIfMissing := func(caps registry.Capability, flag registry.Capability, key string, value interface{}) {
		if !caps.Has(flag) {
			return
		}
		if _, exists := params[key]; exists {
			return
		}
		params[key] = value
	}
	injectIfMissing(desc.Capabilities, registry.CapNeedsWorkerID, "worker_id", req.WorkerID)
	injectIfMissing(desc.Capabilities, registry.CapNeedsTraceID, "trace_id", req.TraceID)
	if sess != nil {
		injectIfMissing(desc.Capabilities, registry.CapNeedsSessionID, "session_id", sess.SessionID)
		injectIfMissing(desc.Capabilities, registry.CapNeedsSessionInfo, "session_info", sess)
	}

	logger.Infof("Executing tool function: %s", desc.FullName)
	result, err := d.runWithTimeout(ctx, desc, params, req.Timeout)

	if err != nil {
		if isTemporarySession && resourceType != "" {
			d.router.DestroySession(ctx, req.WorkerID, resourceType)
		}
		kind := sberrors.ErrUnexpectedError
		var sbErr *sberrors.Error
		if ok := asError(err, &sbErr); ok {
			kind = sbErr.Type
		}
		var sessionID string
		if sess != nil {
			sessionID = sess.SessionID
		}
		logger.Errorf("Tool execution failed: %s - %v", toolName, err)
		var errData interface{}
		if sbErr != nil {
			errData = sbErr.Data
		}
		return envelope.BuildError(ctx, sberrors.Code(kind), err.Error(), errData, orFullName(desc, toolName),
			envelope.Options{
				ExecutionTimeMs: timer.ElapsedMsPtr(), ResourceType: resourceType,
				SessionID: sessionID, TraceID: req.TraceID,
			})
	}

	elapsed := timer.ElapsedMsPtr()
	logger.Infof("Execute COMPLETED: %s in %.2fms", req.Action, *elapsed)

	if isTemporarySession && resourceType != "" {
		d.router.DestroySession(ctx, req.WorkerID, resourceType)
		logger.Infof("Destroyed temporary session for %s (worker: %s)", resourceType, req.WorkerID)
	} else if resourceType != "" && sess != nil {
		logger.Infof("Refresh session after action: %s (worker=%s, session_id=%s)", desc.FullName, req.WorkerID, sess.SessionID)
		d.router.RefreshSession(req.WorkerID, resourceType)
	}

	var sessionID string
	if sess != nil {
		sessionID = sess.SessionID
	}
	return envelope.BuildSuccess(ctx, result, desc.FullName, envelope.Options{
		ExecutionTimeMs: elapsed, ResourceType: resourceType, SessionID: sessionID, TraceID: req.TraceID,
	})
}

func orFullName(d *registry.Descriptor, fallback string) string {
	if d != nil {
		return d.FullName
	}
	return fallback
}

func asError(err error, target **sberrors.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if se, ok := e.(*sberrors.Error); ok {
			*target = se
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (d *Dispatcher) runWithTimeout(ctx context.Context, desc *registry.Descriptor, params map[string]interface{}, timeout time.Duration) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in tool %s: %v", desc.FullName, r)
		}
	}()

	if timeout <= 0 {
		return desc.Handler(ctx, params)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, e := desc.Handler(ctx, params)
		done <- outcome{r, e}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, sberrors.NewTimeoutError(fmt.Sprintf("tool execution timed out after %s", timeout), ctx.Err())
		}
		return o.result, o.err
	case <-ctx.Done():
		return nil, sberrors.NewTimeoutError(fmt.Sprintf("tool execution timed out after %s", timeout), ctx.Err())
	}
}
