package backend

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

type fakeBackend struct {
	name        string
	warmupCalls int
	warmupErr   error
	mu          sync.Mutex
	shutdownErr error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) RegisterTools(*registry.Registry) {}

func (f *fakeBackend) Warmup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmupCalls++
	return f.warmupErr
}

func (f *fakeBackend) Shutdown(context.Context) error { return f.shutdownErr }

func (f *fakeBackend) Initialize(_ context.Context, workerID, _ string, _ map[string]interface{}) (interface{}, error) {
	return "state-for-" + workerID, nil
}

func (f *fakeBackend) Cleanup(context.Context, string, string, interface{}) error { return nil }

func TestManager_EnsureWarmedUp_RunsOnce(t *testing.T) {
	m := NewManager()
	fb := &fakeBackend{name: "vm"}
	m.Register(fb, session.NewRouter(0), registry.New(), nil)

	require.NoError(t, m.EnsureWarmedUp(context.Background(), "vm"))
	require.NoError(t, m.EnsureWarmedUp(context.Background(), "vm"))
	assert.Equal(t, 1, fb.warmupCalls)
}

func TestManager_EnsureWarmedUp_CachesError(t *testing.T) {
	m := NewManager()
	fb := &fakeBackend{name: "vm", warmupErr: errors.New("boom")}
	m.Register(fb, session.NewRouter(0), registry.New(), nil)

	err1 := m.EnsureWarmedUp(context.Background(), "vm")
	err2 := m.EnsureWarmedUp(context.Background(), "vm")
	assert.ErrorIs(t, err1, err2)
	assert.Equal(t, 1, fb.warmupCalls)
}

func TestManager_WarmupAll_ToleratesPartialFailure(t *testing.T) {
	m := NewManager()
	good := &fakeBackend{name: "vm"}
	bad := &fakeBackend{name: "rag", warmupErr: errors.New("no index")}
	m.Register(good, session.NewRouter(0), registry.New(), nil)
	m.Register(bad, session.NewRouter(0), registry.New(), nil)

	results := m.WarmupAll(context.Background())
	assert.NoError(t, results["vm"])
	assert.Error(t, results["rag"])
}

func TestManager_Status(t *testing.T) {
	m := NewManager()
	fb := &fakeBackend{name: "vm"}
	m.Register(fb, session.NewRouter(0), registry.New(), nil)

	assert.Empty(t, m.Status())
	require.NoError(t, m.EnsureWarmedUp(context.Background(), "vm"))
	status := m.Status()
	require.Contains(t, status, "vm")
	assert.NoError(t, status["vm"])
}

func TestManager_ShutdownAll(t *testing.T) {
	m := NewManager()
	fb := &fakeBackend{name: "vm"}
	m.Register(fb, session.NewRouter(0), registry.New(), nil)

	results := m.ShutdownAll(context.Background())
	assert.Contains(t, results, "vm")
	assert.NoError(t, results["vm"])
}

func TestManager_Register_WiresSessionInitializer(t *testing.T) {
	m := NewManager()
	fb := &fakeBackend{name: "vm"}
	router := session.NewRouter(0)
	m.Register(fb, router, registry.New(), nil)

	sess := router.GetOrCreateSession(context.Background(), "worker-1", "vm", nil, false, "")
	assert.Equal(t, "state-for-worker-1", sess.Data)
}

func TestManager_EnsureWarmedUp_UnknownBackend(t *testing.T) {
	m := NewManager()
	err := m.EnsureWarmedUp(context.Background(), "missing")
	assert.Error(t, err)
}
