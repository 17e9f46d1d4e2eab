package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sandboxd/pkg/backend"
	sberrors "github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *session.Router) {
	t.Helper()
	reg := registry.New()
	router := session.NewRouter(5 * time.Minute)
	backends := backend.NewManager()
	return New(reg, router, backends), reg, router
}

func TestExecute_StatelessTool(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("echo", "", registry.Descriptor{
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return params["message"], nil
		},
	}))

	env := d.Execute(context.Background(), Request{
		Action: "echo", Params: map[string]interface{}{"message": "hi"}, WorkerID: "w1",
	})
	assert.Equal(t, 0, env.Code)
	assert.Equal(t, "hi", env.Data)
}

func TestExecute_UnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Execute(context.Background(), Request{Action: "nope", WorkerID: "w1"})
	assert.Equal(t, sberrors.Code(sberrors.ErrInvalidRequestFormat), env.Code)
}

func TestExecute_AmbiguousSimpleName(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	h := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }
	require.NoError(t, reg.Register("vm:search", "", registry.Descriptor{Handler: h}))
	require.NoError(t, reg.Register("rag:search", "", registry.Descriptor{Handler: h}))

	env := d.Execute(context.Background(), Request{Action: "search", WorkerID: "w1"})
	assert.Equal(t, sberrors.Code(sberrors.ErrInvalidRequestFormat), env.Code)
	assert.ElementsMatch(t, []string{"vm:search", "rag:search"}, env.Data.(map[string]interface{})["candidates"])
}

func TestExecute_SessionBackedToolCreatesTemporarySession(t *testing.T) {
	d, reg, router := newTestDispatcher(t)
	require.NoError(t, reg.Register("vm:screenshot", "", registry.Descriptor{
		Capabilities: registry.CapNeedsSessionID,
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return params["session_id"], nil
		},
	}))

	env := d.Execute(context.Background(), Request{Action: "vm:screenshot", WorkerID: "w1"})
	assert.Equal(t, 0, env.Code)
	assert.NotEmpty(t, env.Data)

	// Temporary session must be destroyed after the call.
	_, ok := router.GetSession("w1", "vm")
	assert.False(t, ok)
}

func TestExecute_ExplicitSessionIsRefreshedNotDestroyed(t *testing.T) {
	d, reg, router := newTestDispatcher(t)
	require.NoError(t, reg.Register("vm:screenshot", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return "ok", nil },
	}))

	router.GetOrCreateSession(context.Background(), "w1", "vm", nil, false, "")
	env := d.Execute(context.Background(), Request{Action: "vm:screenshot", WorkerID: "w1"})
	assert.Equal(t, 0, env.Code)

	_, ok := router.GetSession("w1", "vm")
	assert.True(t, ok, "explicit session must survive the call")
}

func TestExecute_ToolError(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("fail", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, sberrors.NewAPIRequestFailedError("upstream down", nil)
		},
	}))

	env := d.Execute(context.Background(), Request{Action: "fail", WorkerID: "w1"})
	assert.Equal(t, sberrors.Code(sberrors.ErrAPIRequestFailed), env.Code)
}

func TestExecute_NormalizesDotSeparator(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("vm:click", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return "clicked", nil },
	}))

	env := d.Execute(context.Background(), Request{Action: "vm.click", WorkerID: "w1"})
	assert.Equal(t, 0, env.Code)
	assert.Equal(t, "vm:click", env.Meta.Tool)
}

func TestExecute_Timeout(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("slow", "", registry.Descriptor{
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	env := d.Execute(context.Background(), Request{Action: "slow", WorkerID: "w1", Timeout: 5 * time.Millisecond})
	assert.Equal(t, sberrors.Code(sberrors.ErrTimeoutError), env.Code)
}
