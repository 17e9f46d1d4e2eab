// Package session implements the per-(worker, resource type) session router:
// it tracks which heavy backend resource a worker currently holds for a
// given resource type, creating sessions lazily and expiring them on TTL.
package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/sandboxd/pkg/logger"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusError        Status = "error"
)

// Session is a single worker's handle on one resource type's backend state.
// Data holds the backend-specific payload (e.g. a VM pool item, a RAG index
// handle); callers type-assert it to the type their backend's Initializer
// returns.
type Session struct {
	SessionID    string
	SessionName  string
	WorkerID     string
	ResourceType string
	Config       map[string]interface{}
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	Status       Status
	AutoCreated  bool
	Data         interface{}
	CustomName   string
	Error        string

	// CompatibilityMode is set when a session is created for a resource
	// type with no registered Initializer: the router still hands out a
	// session id so dispatch can proceed, but no backend state exists.
	CompatibilityMode    bool
	CompatibilityMessage string
}

// Initializer creates the per-worker backend state for a resource type.
// sessionID is the id already assigned to the session being created, so a
// backend can key per-session artifacts (e.g. a recording file) by it.
type Initializer func(ctx context.Context, workerID, sessionID string, config map[string]interface{}) (interface{}, error)

// Cleaner releases the per-worker backend state for a resource type.
type Cleaner func(ctx context.Context, workerID string, sess *Session) error

type resourceRegistration struct {
	initializer   Initializer
	cleaner       Cleaner
	defaultConfig map[string]interface{}
}

// Router manages the worker_id -> resource_type -> session mapping, with
// support for both explicit (client-requested) and automatic (dispatcher
// fallback) session creation.
type Router struct {
	mu sync.Mutex

	routes    map[string]map[string]*Session
	resources map[string]*resourceRegistration

	sessionTTL time.Duration
	counters   map[string]int
}

// NewRouter builds a Router whose sessions expire sessionTTL after their
// last activity.
func NewRouter(sessionTTL time.Duration) *Router {
	return &Router{
		routes:    make(map[string]map[string]*Session),
		resources: make(map[string]*resourceRegistration),
		counters:  make(map[string]int),
		sessionTTL: sessionTTL,
	}
}

// RegisterResourceType registers a backend's lifecycle callbacks and default
// per-session config for resourceType.
func (r *Router) RegisterResourceType(resourceType string, init Initializer, cleaner Cleaner, defaultConfig map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.resources[resourceType]
	if !ok {
		reg = &resourceRegistration{}
		r.resources[resourceType] = reg
	}
	if init != nil {
		reg.initializer = init
	}
	if cleaner != nil {
		reg.cleaner = cleaner
	}
	if defaultConfig != nil {
		reg.defaultConfig = defaultConfig
	}
	logger.Infof("Registered resource type: %s", resourceType)
}

// UnregisterResourceType removes a resource type's registration.
func (r *Router) UnregisterResourceType(resourceType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[resourceType]; !ok {
		return false
	}
	delete(r.resources, resourceType)
	return true
}

// GetRegisteredTypes lists the registered resource type names.
func (r *Router) GetRegisteredTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, 0, len(r.resources))
	for t := range r.resources {
		types = append(types, t)
	}
	return types
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func normalizeCustomName(customName string) string {
	if customName == "" {
		return ""
	}
	safe := unsafeNameChars.ReplaceAllString(customName, "-")
	safe = strings.Trim(safe, "-_")
	if safe == "" {
		return ""
	}
	if len(safe) > 32 {
		safe = safe[:32]
	}
	return safe
}

func sanitizeWorkerID(workerID string) string {
	safe := unsafeNameChars.ReplaceAllString(workerID, "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "worker"
	}
	if len(safe) > 32 {
		safe = safe[:32]
	}
	return safe
}

func (r *Router) generateSessionName(workerID, resourceType, customName string) string {
	workerShort := sanitizeWorkerID(workerID)

	counterKey := workerID + ":" + resourceType
	r.counters[counterKey]++
	baseName := fmt.Sprintf("%s_%s_%03d", resourceType, workerShort, r.counters[counterKey])

	if safeCustom := normalizeCustomName(customName); safeCustom != "" {
		return baseName + "_" + safeCustom
	}
	return baseName
}

func mergeConfig(defaults, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// GetOrCreateSession returns the worker's existing session for resourceType,
// refreshing its TTL, or creates one. The resource type's Initializer (if
// registered) runs while the router's lock is held, matching the reference
// implementation's behavior of serializing session creation; resource types
// with no Initializer are created in compatibility mode.
func (r *Router) GetOrCreateSession(ctx context.Context, workerID, resourceType string, config map[string]interface{}, autoCreated bool, customName string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[workerID]; !ok {
		r.routes[workerID] = make(map[string]*Session)
	}

	if existing, ok := r.routes[workerID][resourceType]; ok {
		now := time.Now()
		existing.LastActivity = now
		existing.ExpiresAt = now.Add(r.sessionTTL)
		return existing
	}

	sessionName := r.generateSessionName(workerID, resourceType, customName)
	sessionID := fmt.Sprintf("%s_%s", sessionName, uuid.New().String()[:8])

	reg := r.resources[resourceType]
	var initConfig map[string]interface{}
	if reg != nil {
		initConfig = mergeConfig(reg.defaultConfig, config)
	} else {
		initConfig = mergeConfig(nil, config)
	}

	now := time.Now()
	sess := &Session{
		SessionID:    sessionID,
		SessionName:  sessionName,
		WorkerID:     workerID,
		ResourceType: resourceType,
		Config:       initConfig,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(r.sessionTTL),
		Status:       StatusInitializing,
		AutoCreated:  autoCreated,
		CustomName:   normalizeCustomName(customName),
	}

	if reg != nil && reg.initializer != nil {
		data, err := reg.initializer(ctx, workerID, sessionID, initConfig)
		if err != nil {
			logger.Errorf("[%s] Resource init failed: %s - %v", workerID, resourceType, err)
			sess.Status = StatusError
			sess.Error = err.Error()
		} else {
			sess.Data = data
			sess.Status = StatusActive
		}
	} else {
		sess.Status = StatusActive
		sess.CompatibilityMode = true
		sess.CompatibilityMessage = fmt.Sprintf(
			"Resource type '%s' does not require session initialization. "+
				"This session was created for compatibility but no initialization was performed.",
			resourceType,
		)
	}

	r.routes[workerID][resourceType] = sess

	createMode := "CREATED"
	if autoCreated {
		createMode = "AUTO-CREATED"
	}
	if sess.CompatibilityMode {
		logger.Warnf("[%s] Session %s (COMPATIBILITY MODE): %s (id=%s, type=%s) - resource type does not require session",
			workerID, createMode, sessionName, sessionID, resourceType)
	} else {
		logger.Infof("[%s] Session %s: %s (id=%s, type=%s)", workerID, createMode, sessionName, sessionID, resourceType)
	}

	return sess
}

// GetSession returns the worker's existing session for resourceType without
// creating one.
func (r *Router) GetSession(workerID, resourceType string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.routes[workerID]
	if !ok {
		return nil, false
	}
	sess, ok := sessions[resourceType]
	return sess, ok
}

// DestroySession tears down the worker's session for resourceType, running
// the resource type's Cleaner outside the router's lock.
func (r *Router) DestroySession(ctx context.Context, workerID, resourceType string) (*Session, bool) {
	r.mu.Lock()
	sessions, ok := r.routes[workerID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	sess, ok := sessions[resourceType]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(sessions, resourceType)
	reg := r.resources[resourceType]
	r.mu.Unlock()

	if reg != nil && reg.cleaner != nil {
		if err := reg.cleaner(ctx, workerID, sess); err != nil {
			logger.Errorf("[%s] Resource cleanup failed: %s - %v", workerID, resourceType, err)
		}
	}

	logger.Infof("[%s] Session DESTROYED: %s (id=%s, type=%s)", workerID, sess.SessionName, sess.SessionID, resourceType)
	return sess, true
}

// DestroyWorkerSessions tears down every session belonging to workerID.
func (r *Router) DestroyWorkerSessions(ctx context.Context, workerID string) int {
	r.mu.Lock()
	sessions, ok := r.routes[workerID]
	resourceTypes := make([]string, 0, len(sessions))
	if ok {
		for rt := range sessions {
			resourceTypes = append(resourceTypes, rt)
		}
	}
	r.mu.Unlock()

	count := 0
	for _, rt := range resourceTypes {
		if _, ok := r.DestroySession(ctx, workerID, rt); ok {
			count++
		}
	}

	r.mu.Lock()
	delete(r.routes, workerID)
	r.mu.Unlock()

	logger.Infof("[%s] Destroyed all %d sessions", workerID, count)
	return count
}

// ListWorkerSessions returns a snapshot of workerID's sessions by resource
// type.
func (r *Router) ListWorkerSessions(workerID string) map[string]*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*Session)
	for rt, sess := range r.routes[workerID] {
		out[rt] = sess
	}
	return out
}

// ListAllSessions returns a snapshot of every worker's sessions.
func (r *Router) ListAllSessions() map[string]map[string]*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]*Session, len(r.routes))
	for wid, sessions := range r.routes {
		inner := make(map[string]*Session, len(sessions))
		for rt, sess := range sessions {
			inner[rt] = sess
		}
		out[wid] = inner
	}
	return out
}

// CleanupExpired destroys every session whose TTL has elapsed and returns
// how many were removed.
func (r *Router) CleanupExpired(ctx context.Context) int {
	now := time.Now()

	type key struct{ workerID, resourceType string }
	var expired []key

	r.mu.Lock()
	for workerID, sessions := range r.routes {
		for resourceType, sess := range sessions {
			if sess.ExpiresAt.Before(now) {
				expired = append(expired, key{workerID, resourceType})
			}
		}
	}
	r.mu.Unlock()

	for _, k := range expired {
		r.DestroySession(ctx, k.workerID, k.resourceType)
	}
	return len(expired)
}

// GetActiveResourceTypes returns the set of resource types workerID
// currently holds a session for.
func (r *Router) GetActiveResourceTypes(workerID string) map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]struct{})
	for rt := range r.routes[workerID] {
		out[rt] = struct{}{}
	}
	return out
}

// RefreshSession extends a session's TTL from now. It returns false if no
// such session exists.
func (r *Router) RefreshSession(workerID, resourceType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.routes[workerID]
	if !ok {
		return false
	}
	sess, ok := sessions[resourceType]
	if !ok {
		logger.Warnf("[%s] Session refresh skipped: %s (no active session)", workerID, resourceType)
		return false
	}

	now := time.Now()
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(r.sessionTTL)
	return true
}
