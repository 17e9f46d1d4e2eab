// Package backend defines the four-phase lifecycle contract every heavy
// resource backend (VM pool, RAG index, database connection) implements,
// and a Manager that warms backends up exactly once, idempotently, and
// tolerates one backend's failure without blocking the others.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/stacklok/sandboxd/pkg/logger"
	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

// Backend is the minimum contract every resource backend implements: a
// name, used as its resource type, and a way to register the tools it
// exposes. The remaining lifecycle phases (Warmup, Initialize, Cleanup,
// Shutdown) are optional — a backend implements only the interfaces below
// that it needs, mirroring the reference implementation's pattern of
// overriding only the lifecycle hooks a concrete backend cares about.
type Backend interface {
	Name() string
	RegisterTools(reg *registry.Registry)
}

// Warmer backends load shared, expensive state once at server startup
// (connection pools, embeddings models, loaded indexes).
type Warmer interface {
	Warmup(ctx context.Context) error
}

// SessionInitializer backends create per-worker state the first time a
// worker touches this resource type. sessionID is the id already assigned
// to the session being created, so a backend can key per-session artifacts
// (e.g. a recording file) by it.
type SessionInitializer interface {
	Initialize(ctx context.Context, workerID, sessionID string, config map[string]interface{}) (interface{}, error)
}

// SessionCleaner backends release per-worker state when a session is
// destroyed.
type SessionCleaner interface {
	Cleanup(ctx context.Context, workerID, sessionID string, data interface{}) error
}

// Shutdowner backends release shared state when the server shuts down.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Manager owns every registered backend and coordinates their lifecycle:
// idempotent warmup, session-router wiring, and shutdown.
type Manager struct {
	mu       sync.Mutex
	backends map[string]Backend
	warmedUp map[string]bool
	warmErr  map[string]error
	warmOnce map[string]*sync.Mutex
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{
		backends: make(map[string]Backend),
		warmedUp: make(map[string]bool),
		warmErr:  make(map[string]error),
		warmOnce: make(map[string]*sync.Mutex),
	}
}

// Register adds a backend, wires its session lifecycle hooks (if any) into
// router under its own name, and lets it register its tools.
func (m *Manager) Register(b Backend, router *session.Router, reg *registry.Registry, defaultConfig map[string]interface{}) {
	name := b.Name()

	m.mu.Lock()
	m.backends[name] = b
	m.warmOnce[name] = &sync.Mutex{}
	m.mu.Unlock()

	var init session.Initializer
	if si, ok := b.(SessionInitializer); ok {
		init = si.Initialize
	}
	var cleaner session.Cleaner
	if sc, ok := b.(SessionCleaner); ok {
		cleaner = func(ctx context.Context, workerID string, sess *session.Session) error {
			return sc.Cleanup(ctx, workerID, sess.SessionID, sess.Data)
		}
	}
	if init != nil || cleaner != nil || defaultConfig != nil {
		router.RegisterResourceType(name, init, cleaner, defaultConfig)
	}

	b.RegisterTools(reg)
}

// EnsureWarmedUp runs name's Warmup exactly once, even under concurrent
// callers, and caches the outcome for subsequent calls.
func (m *Manager) EnsureWarmedUp(ctx context.Context, name string) error {
	m.mu.Lock()
	b, ok := m.backends[name]
	once := m.warmOnce[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend: unknown resource type %q", name)
	}

	warmer, ok := b.(Warmer)
	if !ok {
		return nil
	}

	once.Lock()
	defer once.Unlock()

	m.mu.Lock()
	if m.warmedUp[name] {
		err := m.warmErr[name]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	logger.Infof("Warming up backend: %s", name)
	err := warmer.Warmup(ctx)

	m.mu.Lock()
	m.warmedUp[name] = true
	m.warmErr[name] = err
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("Backend warmup failed: %s - %v", name, err)
	} else {
		logger.Infof("Backend warmup completed: %s", name)
	}
	return err
}

// WarmupAll warms up every registered backend, tolerating individual
// failures so one broken backend doesn't prevent the others from becoming
// ready. The returned map holds an entry per backend that has a Warmer,
// with a nil value on success.
func (m *Manager) WarmupAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	names := make([]string, 0, len(m.backends))
	for name, b := range m.backends {
		if _, ok := b.(Warmer); ok {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = m.EnsureWarmedUp(ctx, name)
	}
	return results
}

// Status reports, for every backend with a Warmer, whether it has
// completed warmup and the error (if any) it finished with.
func (m *Manager) Status() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]error)
	for name := range m.warmOnce {
		if m.warmedUp[name] {
			out[name] = m.warmErr[name]
		}
	}
	return out
}

// ShutdownAll shuts down every backend that implements Shutdowner,
// collecting (not short-circuiting on) individual errors.
func (m *Manager) ShutdownAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	backends := make(map[string]Backend, len(m.backends))
	for name, b := range m.backends {
		backends[name] = b
	}
	m.mu.Unlock()

	results := make(map[string]error)
	for name, b := range backends {
		s, ok := b.(Shutdowner)
		if !ok {
			continue
		}
		logger.Infof("Shutting down backend: %s", name)
		if err := s.Shutdown(ctx); err != nil {
			logger.Errorf("Backend shutdown failed: %s - %v", name, err)
			results[name] = err
		} else {
			results[name] = nil
		}
	}
	return results
}

// Get returns the registered backend by resource type name.
func (m *Manager) Get(name string) (Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[name]
	return b, ok
}
