package vmpool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	started   int
	stopped   int
	addresses map[string]string
	startErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{addresses: map[string]string{}}
}

func (f *fakeProvider) StartEmulator(_ context.Context, path string, _ bool, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started++
	addr := "10.0.0.1:5000:9222:8006:8080"
	f.addresses[path] = addr
	return addr, nil
}

func (f *fakeProvider) StopEmulator(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	delete(f.addresses, path)
	return nil
}

func (f *fakeProvider) GetIPAddress(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addresses[path]
	if !ok {
		return "", errors.New("vm not running")
	}
	return addr, nil
}

func (f *fakeProvider) RevertToSnapshot(_ context.Context, path, _ string) (string, error) {
	return path, nil
}

func testConfig() map[string]interface{} {
	return map[string]interface{}{
		"provider": "docker", "os_type": "linux", "headless": true,
		"server_port": 5000, "chromium_port": 9222, "vnc_port": 8006, "vlc_port": 8080,
	}
}

func TestPool_WarmupCreatesItems(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 2, nil)
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, 2, provider.started)
}

func TestPool_AcquireReusesMatchingFingerprint(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 1, nil)

	item, reused, err := pool.Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	assert.True(t, reused)
	assert.NotEmpty(t, item.PoolID)
	assert.Equal(t, 0, pool.Size())
}

func TestPool_AcquireBypassesOnFingerprintMismatch(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 1, nil)

	different := testConfig()
	different["headless"] = false
	item, reused, err := pool.Acquire(context.Background(), different)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotNil(t, item)
	assert.Equal(t, 1, pool.Size(), "the warmed item must stay idle, untouched by a bypassing acquire")
}

func TestPool_ReleaseResetsAndReturnsToPool(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 1, nil)

	item, _, err := pool.Acquire(context.Background(), testConfig())
	require.NoError(t, err)

	pool.Release(context.Background(), item, false, testConfig(), nil)
	assert.Equal(t, 1, pool.Size())
}

func TestPool_ReleaseDiscardsNonPooledItem(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 0, nil)

	item, reused, err := pool.Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	assert.False(t, reused)

	pool.Release(context.Background(), item, true, testConfig(), nil)
	assert.Equal(t, 0, pool.Size())
	assert.Equal(t, 1, provider.stopped)
}

func TestPool_ReleaseDiscardsOnResetFailure(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 1, nil)

	item, _, err := pool.Acquire(context.Background(), testConfig())
	require.NoError(t, err)

	cfg := testConfig()
	cfg["snapshot_name"] = ""
	provider.startErr = errors.New("boom")
	pool.Release(context.Background(), item, false, cfg, nil)
	assert.Equal(t, 0, pool.Size(), "a failed reset must discard the item, not reinsert a dirty VM")
}

func TestPool_NoResetShortCircuits(t *testing.T) {
	provider := newFakeProvider()
	pool := NewPool(provider)
	pool.Warmup(context.Background(), testConfig(), 1, nil)

	item, _, err := pool.Acquire(context.Background(), testConfig())
	require.NoError(t, err)

	cfg := testConfig()
	cfg["pool_reset"] = false
	provider.startErr = errors.New("should never be called")
	pool.Release(context.Background(), item, false, cfg, nil)
	assert.Equal(t, 1, pool.Size())
}

func TestParseAddress(t *testing.T) {
	host, ports, err := parseAddress("10.0.0.5:5001:9223:8007:8081", [4]int{5000, 9222, 8006, 8080})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)
	assert.Equal(t, [4]int{5001, 9223, 8007, 8081}, ports)
}

func TestParseAddress_FallsBackOnMissingPorts(t *testing.T) {
	host, ports, err := parseAddress("10.0.0.5", [4]int{5000, 9222, 8006, 8080})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)
	assert.Equal(t, [4]int{5000, 9222, 8006, 8080}, ports)
}

func TestFixPyAutoGUILessThanBug(t *testing.T) {
	in := `pyautogui.typewrite("a<b")`
	out := fixPyAutoGUILessThanBug(in)
	assert.Equal(t, `pyautogui.typewrite("a"); pyautogui.hotkey("shift", ","); pyautogui.typewrite("b")`, out)
}

func TestFixPyAutoGUILessThanBug_NoOpWithoutLessThan(t *testing.T) {
	in := `pyautogui.typewrite("hello")`
	assert.Equal(t, in, fixPyAutoGUILessThanBug(in))
}

func TestRunEvaluator_AndShortCircuitsOnZero(t *testing.T) {
	getters["_test_zero"] = func(context.Context, *evalEnv, map[string]interface{}) (interface{}, error) { return "x", nil }
	metrics["_test_always_zero"] = func(interface{}, interface{}, map[string]interface{}) (float64, error) { return 0.0, nil }
	defer delete(getters, "_test_zero")
	defer delete(metrics, "_test_always_zero")

	evaluator := map[string]interface{}{
		"func":    []interface{}{"_test_always_zero", "_test_always_zero"},
		"result":  []interface{}{map[string]interface{}{"type": "_test_zero"}, map[string]interface{}{"type": "_test_zero"}},
		"options": map[string]interface{}{},
		"conj":    "and",
	}
	score, scores, _, err := runEvaluator(context.Background(), &evalEnv{}, evaluator)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.Len(t, scores, 1, "and must short-circuit after the first zero")
}

func TestRunEvaluator_OrTakesMaxWithoutShortCircuit(t *testing.T) {
	metrics["_test_half"] = func(interface{}, interface{}, map[string]interface{}) (float64, error) { return 0.5, nil }
	getters["_test_any"] = func(context.Context, *evalEnv, map[string]interface{}) (interface{}, error) { return nil, nil }
	defer delete(metrics, "_test_half")
	defer delete(getters, "_test_any")

	evaluator := map[string]interface{}{
		"func":    []interface{}{"_test_half", "_test_half"},
		"result":  []interface{}{map[string]interface{}{"type": "_test_any"}, map[string]interface{}{"type": "_test_any"}},
		"options": map[string]interface{}{},
		"conj":    "or",
	}
	score, scores, _, err := runEvaluator(context.Background(), &evalEnv{}, evaluator)
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
	assert.Len(t, scores, 2)
}
