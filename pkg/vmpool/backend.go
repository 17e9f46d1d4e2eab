package vmpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

const maxActionHistory = 50

// actionRecord is one entry in a session's capped action-history ring,
// consulted by vm:evaluate to short-circuit scoring when the last action
// failed.
type actionRecord struct {
	Tool string    `json:"tool"`
	OK   bool      `json:"ok"`
	At   time.Time `json:"at"`
}

// sessionState is the session_info.data payload for a vm session: the
// controller, the leased pool item, and everything a tool method or the
// evaluator needs to read or mutate across calls.
type sessionState struct {
	mu sync.Mutex

	controller *Controller
	item       *Item
	nonPooled  bool
	config     map[string]interface{}

	sessionID string

	useProxy         bool
	proxyReady       bool
	clientPassword   string
	recordingEnabled bool
	recordingPath    string

	actionHistory    []actionRecord
	lastAction       string
	lastActionFailed bool
}

func (s *sessionState) record(tool string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionHistory = append(s.actionHistory, actionRecord{Tool: tool, OK: ok, At: time.Now()})
	if len(s.actionHistory) > maxActionHistory {
		s.actionHistory = s.actionHistory[len(s.actionHistory)-maxActionHistory:]
	}
	s.lastAction = tool
	s.lastActionFailed = !ok
}

func (s *sessionState) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActionFailed
}

// SetupStep is one scripted action applied to a freshly leased or freshly
// reset VM before it is handed to a session (install files, configure a
// proxy, launch an application).
type SetupStep struct {
	Action string
	Params map[string]interface{}
}

func decodeSetupSteps(raw interface{}) ([]SetupStep, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("setup config must be a list of steps")
	}
	steps := make([]SetupStep, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("setup step must be an object")
		}
		action, _ := m["action"].(string)
		params, _ := m["params"].(map[string]interface{})
		steps = append(steps, SetupStep{Action: action, Params: params})
	}
	return steps, nil
}

func applySetupSteps(ctx context.Context, controller *Controller, steps []SetupStep) error {
	for _, step := range steps {
		var err error
		switch step.Action {
		case "type":
			text, _ := step.Params["text"].(string)
			err = controller.TypeText(ctx, text)
		case "key":
			key, _ := step.Params["key"].(string)
			err = controller.PressKey(ctx, key)
		case "hotkey":
			var keys []string
			if raw, ok := step.Params["keys"].([]interface{}); ok {
				for _, k := range raw {
					if s, ok := k.(string); ok {
						keys = append(keys, s)
					}
				}
			}
			err = controller.Hotkey(ctx, keys)
		case "click":
			x, _ := step.Params["x"].(int)
			y, _ := step.Params["y"].(int)
			button, _ := step.Params["button"].(string)
			if button == "" {
				button = "left"
			}
			err = controller.Click(ctx, x, y, button)
		case "wait":
			// scripted pause; nothing to invoke on the controller.
		default:
			err = fmt.Errorf("unknown setup step action: %s", step.Action)
		}
		if err != nil {
			return fmt.Errorf("setup step %q: %w", step.Action, err)
		}
	}
	return nil
}

// Backend is the VM pool backend: the canonical hard-resource backend. It
// implements backend.Backend, backend.Warmer, backend.SessionInitializer,
// backend.SessionCleaner, and backend.Shutdowner.
type Backend struct {
	defaultConfig map[string]interface{}
	pool          *Pool
}

// NewBackend builds a VM backend over provider, with defaultConfig supplying
// fallback values for any key a session's config omits.
func NewBackend(provider Provider, defaultConfig map[string]interface{}) *Backend {
	return &Backend{defaultConfig: defaultConfig, pool: NewPool(provider)}
}

// Name identifies this backend's resource type.
func (b *Backend) Name() string { return "vm" }

func (b *Backend) mergeConfig(override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(b.defaultConfig)+len(override))
	for k, v := range b.defaultConfig {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func (b *Backend) setupApplier(cfg map[string]interface{}, key, label string) func(context.Context, *Item) error {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil
	}
	return func(ctx context.Context, item *Item) error {
		steps, err := decodeSetupSteps(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		return applySetupSteps(ctx, NewController(item), steps)
	}
}

// Warmup pre-fills the pool to pool_size idle items, applying the backend's
// base setup sequence to each. Provider-start failure on any one item is
// logged and that item skipped; the others still warm up.
func (b *Backend) Warmup(ctx context.Context) error {
	poolSize := intOr(b.defaultConfig, "pool_size", 0)
	b.pool.Warmup(ctx, b.defaultConfig, poolSize, b.setupApplier(b.defaultConfig, "setup", "warmup base setup"))
	return nil
}

// Initialize leases a pool item (reusing one if its fingerprint matches, or
// creating a fresh non-pooled item otherwise), applies per-session setup,
// optionally starts recording, and returns the resulting sessionState.
func (b *Backend) Initialize(ctx context.Context, _, sessionID string, config map[string]interface{}) (interface{}, error) {
	merged := b.mergeConfig(config)

	item, pooled, err := b.pool.Acquire(ctx, merged)
	if err != nil {
		return nil, errors.NewResourceNotInitializedError(fmt.Sprintf("failed to acquire VM: %v", err), err)
	}
	controller := NewController(item)

	useProxy := boolOr(merged, "use_proxy", false)
	clientPassword := stringOr(merged, "client_password", "")

	if !pooled {
		if apply := b.setupApplier(b.defaultConfig, "setup", "base setup"); apply != nil {
			if err := apply(ctx, item); err != nil {
				return nil, errors.NewExecutionError("VM base setup failed", err)
			}
		}
	}

	if sessionSetup, ok := merged["setup"]; ok && sessionSetup != nil {
		steps, err := decodeSetupSteps(sessionSetup)
		if err != nil {
			return nil, errors.NewInvalidInputError(err.Error(), err)
		}
		if err := applySetupSteps(ctx, controller, steps); err != nil {
			return nil, errors.NewExecutionError(fmt.Sprintf("VM session setup failed: %v", err), err)
		}
	}

	recordingEnabled := boolOr(merged, "recording", false)
	recordingPath, _ := merged["recording_path"].(string)
	if recordingEnabled {
		if err := controller.StartRecording(ctx); err != nil {
			recordingEnabled = false
		}
	}

	return &sessionState{
		controller:       controller,
		item:             item,
		nonPooled:        !pooled,
		config:           merged,
		sessionID:        sessionID,
		useProxy:         useProxy,
		clientPassword:   clientPassword,
		recordingEnabled: recordingEnabled,
		recordingPath:    recordingPath,
	}, nil
}

// Cleanup stops recording (if enabled), then releases the pool item back to
// the pool (resetting it) or stops it outright when it was never pooled.
func (b *Backend) Cleanup(ctx context.Context, _, sessionID string, data interface{}) error {
	state, ok := data.(*sessionState)
	if !ok || state == nil {
		return nil
	}

	if state.recordingEnabled {
		outputPath := resolveRecordingPath(state, sessionID)
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err == nil {
			_ = state.controller.EndRecording(ctx, outputPath)
		}
	}

	b.pool.Release(ctx, state.item, state.nonPooled, b.defaultConfig, b.setupApplier(b.defaultConfig, "setup", "pool base setup"))
	return state.controller.Close(ctx)
}

func resolveRecordingPath(state *sessionState, sessionID string) string {
	if sessionID == "" {
		sessionID = state.sessionID
	}
	fileName := sessionID + ".mp4"

	if path := strings.TrimSpace(state.recordingPath); path != "" {
		if filepath.Ext(path) != "" {
			return path
		}
		return filepath.Join(path, fileName)
	}
	return filepath.Join(os.TempDir(), "sandbox_recordings", fileName)
}

// Shutdown stops every idle pool item.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.pool.Shutdown(ctx)
	return nil
}

func controllerFromSession(params map[string]interface{}) (*sessionState, string, error) {
	var sessionID string
	raw, ok := params["session_info"]
	if ok {
		if sess, ok := raw.(*session.Session); ok && sess != nil {
			sessionID = sess.SessionID
			if state, ok := sess.Data.(*sessionState); ok && state != nil {
				return state, sessionID, nil
			}
		}
	}
	return nil, sessionID, errors.NewResourceNotInitializedError("VM session not initialized", nil)
}

// RegisterTools registers every vm:* tool against reg.
func (b *Backend) RegisterTools(reg *registry.Registry) {
	register := func(action string, caps registry.Capability, handler registry.Handler) {
		reg.MustRegister(action, "vm", registry.Descriptor{Capabilities: caps | registry.CapNeedsSessionInfo, Handler: handler})
	}

	register("screenshot", 0, toolScreenshot)
	register("click", 0, toolClick)
	register("double_click", 0, toolDoubleClick)
	register("right_click", 0, toolRightClick)
	register("type", 0, toolType)
	register("key", 0, toolKey)
	register("hotkey", 0, toolHotkey)
	register("scroll", 0, toolScroll)
	register("drag", 0, toolDrag)
	register("move", 0, toolMove)
	register("mouse_down", 0, toolMouseDown)
	register("mouse_up", 0, toolMouseUp)
	register("key_down", 0, toolKeyDown)
	register("key_up", 0, toolKeyUp)
	register("wait", 0, toolWait)
	register("done", 0, toolDone)
	register("pyautogui", 0, toolPyAutoGUI)
	register("fail", 0, toolFail)
	register("evaluate", 0, toolEvaluate)
}
