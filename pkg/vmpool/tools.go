package vmpool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/logger"
)

func timeAfter(seconds float64) <-chan time.Time {
	return time.After(time.Duration(seconds * float64(time.Second)))
}

// withAccessibilityTree attaches the post-action accessibility tree to data
// so callers get the new UI state without a separate screenshot call.
func withAccessibilityTree(ctx context.Context, state *sessionState, data map[string]interface{}) map[string]interface{} {
	tree, err := state.controller.AccessibilityTree(ctx)
	if err != nil {
		logger.Warnf("[vm] failed to get accessibility tree: %v", err)
		tree = ""
	}
	data["accessibility_tree"] = tree
	return data
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func toolScreenshot(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	image, err := state.controller.Screenshot(ctx)
	if err != nil {
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	tree, _ := state.controller.AccessibilityTree(ctx)
	return map[string]interface{}{
		"image":              image,
		"size":               []int{state.controller.ScreenSize[0], state.controller.ScreenSize[1]},
		"accessibility_tree": tree,
	}, nil
}

func toolClick(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	x, y, button := intParam(params, "x"), intParam(params, "y"), stringParam(params, "button", "left")
	if err := state.controller.Click(ctx, x, y, button); err != nil {
		state.record("vm:click", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:click", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"clicked": true}), nil
}

func toolDoubleClick(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	x, y, button := intParam(params, "x"), intParam(params, "y"), stringParam(params, "button", "left")
	if err := state.controller.DoubleClick(ctx, x, y, button); err != nil {
		state.record("vm:double_click", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:double_click", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"clicked": true}), nil
}

func toolRightClick(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	x, y := intParam(params, "x"), intParam(params, "y")
	if err := state.controller.RightClick(ctx, x, y); err != nil {
		state.record("vm:right_click", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:right_click", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"clicked": true}), nil
}

func toolType(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	text := stringParam(params, "text", "")
	if err := state.controller.TypeText(ctx, text); err != nil {
		state.record("vm:type", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:type", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"typed": text}), nil
}

func toolKey(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	key := stringParam(params, "key", "")
	if err := state.controller.PressKey(ctx, key); err != nil {
		state.record("vm:key", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:key", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"key": key}), nil
}

func toolHotkey(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	var keys []string
	if raw, ok := params["keys"].([]interface{}); ok {
		for _, k := range raw {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	}
	if err := state.controller.Hotkey(ctx, keys); err != nil {
		state.record("vm:hotkey", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:hotkey", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"keys": keys}), nil
}

func toolScroll(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	dx, dy := intParam(params, "dx"), intParam(params, "dy")
	if err := state.controller.Scroll(ctx, dx, dy); err != nil {
		state.record("vm:scroll", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:scroll", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"scrolled": true}), nil
}

func toolDrag(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	x1, y1 := intParam(params, "x1"), intParam(params, "y1")
	x2, y2 := intParam(params, "x2"), intParam(params, "y2")
	if err := state.controller.Drag(ctx, x1, y1, x2, y2); err != nil {
		state.record("vm:drag", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:drag", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"dragged": true}), nil
}

func toolMove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	x, y := intParam(params, "x"), intParam(params, "y")
	if err := state.controller.Move(ctx, x, y); err != nil {
		state.record("vm:move", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:move", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"moved": true}), nil
}

func toolMouseDown(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	button := stringParam(params, "button", "left")
	if err := state.controller.MouseDown(ctx, button); err != nil {
		state.record("vm:mouse_down", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:mouse_down", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"button": button}), nil
}

func toolMouseUp(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	button := stringParam(params, "button", "left")
	if err := state.controller.MouseUp(ctx, button); err != nil {
		state.record("vm:mouse_up", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:mouse_up", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"button": button}), nil
}

func toolKeyDown(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	key := stringParam(params, "key", "")
	if err := state.controller.KeyDown(ctx, key); err != nil {
		state.record("vm:key_down", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:key_down", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"key": key}), nil
}

func toolKeyUp(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	key := stringParam(params, "key", "")
	if err := state.controller.KeyUp(ctx, key); err != nil {
		state.record("vm:key_up", false)
		return nil, errors.NewUnexpectedError(fmt.Sprintf("[VM] Error: %v", err), err)
	}
	state.record("vm:key_up", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"key": key}), nil
}

func toolWait(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	seconds := floatParam(params, "seconds", 1.0)
	if seconds < 0 {
		return nil, errors.NewInvalidInputError("seconds must be non-negative", nil)
	}
	select {
	case <-ctx.Done():
		state.record("vm:wait", false)
		return nil, ctx.Err()
	case <-timeAfter(seconds):
	}
	state.record("vm:wait", true)
	return withAccessibilityTree(ctx, state, map[string]interface{}{"waited": seconds}), nil
}

func toolDone(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	state.record("vm:done", true)
	return map[string]interface{}{"done": true}, nil
}

func toolFail(_ context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	state.record("vm:fail", false)
	payload := map[string]interface{}{"fail": true}
	if reason := stringParam(params, "reason", ""); reason != "" {
		payload["reason"] = reason
	}
	return payload, nil
}

func toolPyAutoGUI(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var commandList []string
	switch v := params["command"].(type) {
	case string:
		if v != "" {
			commandList = append(commandList, v)
		}
	case []interface{}:
		for _, c := range v {
			if s, ok := c.(string); ok {
				commandList = append(commandList, s)
			}
		}
	case nil:
	default:
		return nil, errors.NewInvalidInputError("command must be a string or list of strings", nil)
	}
	if raw, ok := params["commands"].([]interface{}); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				commandList = append(commandList, s)
			}
		}
	}

	var filtered []string
	for _, c := range commandList {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil, errors.NewInvalidInputError("command/commands cannot be empty", nil)
	}
	for _, c := range filtered {
		if !strings.HasPrefix(strings.TrimSpace(c), "pyautogui.") {
			return nil, errors.NewInvalidInputError("only pyautogui.* commands are allowed", nil)
		}
	}

	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}

	var results []interface{}
	var failedIndices []int
	for idx, cmd := range filtered {
		fixed := fixPyAutoGUILessThanBug(cmd)
		result, execErr := state.controller.ExecutePyAutoGUI(ctx, fixed)
		if execErr != nil || result == nil {
			failedIndices = append(failedIndices, idx)
		}
		results = append(results, result)
	}
	tree, _ := state.controller.AccessibilityTree(ctx)

	if len(failedIndices) > 0 {
		state.record("vm:pyautogui", false)
		return nil, errors.NewExecutionError("PyAutoGUI command execution failed", nil)
	}

	state.record("vm:pyautogui", true)
	return map[string]interface{}{
		"commands":           filtered,
		"results":            results,
		"accessibility_tree": tree,
	}, nil
}

func toolEvaluate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, _, err := controllerFromSession(params)
	if err != nil {
		return nil, err
	}
	evaluator, _ := params["evaluator"].(map[string]interface{})
	if evaluator == nil {
		return nil, errors.NewInvalidInputError("evaluator is required", nil)
	}

	if postconfig, ok := evaluator["postconfig"]; ok && postconfig != nil {
		steps, err := decodeSetupSteps(postconfig)
		if err != nil {
			return nil, errors.NewInvalidInputError(fmt.Sprintf("evaluator.postconfig: %v", err), err)
		}
		if state.useProxy && !state.proxyReady {
			state.proxyReady = true
		}
		if err := applySetupSteps(ctx, state.controller, steps); err != nil {
			return nil, errors.NewExecutionError(fmt.Sprintf("[VM] Evaluation error: %v", err), err)
		}
	}

	funcs := evaluator["func"]
	lastActionFailed := state.failed()

	if funcs == "infeasible" {
		score := 0.0
		if lastActionFailed {
			score = 1.0
		}
		return map[string]interface{}{
			"score": score, "results": []float64{}, "details": []evaluatorDetail{},
			"evaluator": evaluator, "last_action_failed": lastActionFailed,
		}, nil
	}
	if lastActionFailed {
		return map[string]interface{}{
			"score": 0.0, "results": []float64{}, "details": []evaluatorDetail{},
			"evaluator": evaluator, "last_action_failed": lastActionFailed,
		}, nil
	}

	env := &evalEnv{controller: state.controller, state: state}
	score, scores, details, err := runEvaluator(ctx, env, evaluator)
	if err != nil {
		return nil, errors.NewExecutionError(fmt.Sprintf("[VM] Evaluation error: %v", err), err)
	}
	return map[string]interface{}{
		"score": score, "results": scores, "details": details, "evaluator": evaluator,
	}, nil
}
