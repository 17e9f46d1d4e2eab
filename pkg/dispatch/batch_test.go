package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/registry"
)

func TestExecuteBatch_AllSucceed(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("echo", "", registry.Descriptor{
		Handler: func(_ context.Context, p map[string]interface{}) (interface{}, error) { return p["v"], nil },
	}))

	env := d.ExecuteBatch(context.Background(), BatchRequest{
		WorkerID: "w1",
		Actions: []Action{
			{Action: "echo", Params: map[string]interface{}{"v": 1}},
			{Action: "echo", Params: map[string]interface{}{"v": 2}},
		},
	})
	assert.Equal(t, 0, env.Code)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, 2, data["success_count"])
}

func TestExecuteBatch_AllFail(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("fail", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, sberrors.NewExecutionError("nope", nil)
		},
	}))

	env := d.ExecuteBatch(context.Background(), BatchRequest{
		WorkerID: "w1",
		Actions:  []Action{{Action: "fail"}, {Action: "fail"}},
	})
	assert.Equal(t, sberrors.Code(sberrors.ErrAllRequestsFailed), env.Code)
}

func TestExecuteBatch_PartialFailure(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("ok", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return "fine", nil },
	}))
	require.NoError(t, reg.Register("bad", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, sberrors.NewExecutionError("nope", nil)
		},
	}))

	env := d.ExecuteBatch(context.Background(), BatchRequest{
		WorkerID:    "w1",
		StopOnError: false,
		Actions:     []Action{{Action: "ok"}, {Action: "bad"}, {Action: "ok"}},
	})
	assert.Equal(t, sberrors.Code(sberrors.ErrPartialFailure), env.Code)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, 3, data["executed"])
	assert.Equal(t, 2, data["success_count"])
}

func TestExecuteBatch_StopOnError(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("ok", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return "fine", nil },
	}))
	require.NoError(t, reg.Register("bad", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, sberrors.NewExecutionError("nope", nil)
		},
	}))

	env := d.ExecuteBatch(context.Background(), BatchRequest{
		WorkerID:    "w1",
		StopOnError: true,
		Actions:     []Action{{Action: "bad"}, {Action: "ok"}},
	})
	data := env.Data.(map[string]interface{})
	assert.Equal(t, 1, data["executed"], "execution must stop after the first failure")
}

func TestExecuteBatch_Parallel_RunsEveryAction(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.Register("bad", "", registry.Descriptor{
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, sberrors.NewExecutionError("nope", nil)
		},
	}))

	env := d.ExecuteBatch(context.Background(), BatchRequest{
		WorkerID: "w1",
		Parallel: true,
		Actions:  []Action{{Action: "bad"}, {Action: "bad"}, {Action: "bad"}},
	})
	data := env.Data.(map[string]interface{})
	assert.Equal(t, 3, data["executed"], "parallel mode must run every action regardless of failures")
}
