package vmpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Controller exposes the user-facing VM actions over the desktop agent's
// HTTP API. One Controller is created per session, bound to the pool item
// leased to that session.
type Controller struct {
	httpClient *http.Client
	baseURL    string
	ScreenSize [2]int
}

// NewController builds a Controller pointed at the desktop agent running
// inside item.
func NewController(item *Item) *Controller {
	return &Controller{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    fmt.Sprintf("http://%s:%d", item.VMIP, item.ServerPort),
		ScreenSize: item.ScreenSize,
	}
}

func (c *Controller) execute(ctx context.Context, actionType string, params map[string]interface{}) (interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{"action_type": actionType, "parameters": params})
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("desktop agent request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read desktop agent response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("desktop agent returned %d: %s", resp.StatusCode, string(data))
	}

	var out interface{}
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode desktop agent response: %w", err)
	}
	return out, nil
}

// Screenshot returns a base64-encoded PNG of the current VM display.
func (c *Controller) Screenshot(ctx context.Context) (string, error) {
	result, err := c.execute(ctx, "screenshot", nil)
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

// AccessibilityTree returns the current UI accessibility tree, or "" if the
// agent doesn't expose one.
func (c *Controller) AccessibilityTree(ctx context.Context) (string, error) {
	result, err := c.execute(ctx, "accessibility_tree", nil)
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

// Click performs a mouse click at (x, y) with the given button.
func (c *Controller) Click(ctx context.Context, x, y int, button string) error {
	_, err := c.execute(ctx, "click", map[string]interface{}{"x": x, "y": y, "button": button})
	return err
}

// DoubleClick performs a double click at (x, y).
func (c *Controller) DoubleClick(ctx context.Context, x, y int, button string) error {
	_, err := c.execute(ctx, "double_click", map[string]interface{}{"x": x, "y": y, "button": button})
	return err
}

// RightClick performs a right click at (x, y).
func (c *Controller) RightClick(ctx context.Context, x, y int) error {
	_, err := c.execute(ctx, "right_click", map[string]interface{}{"x": x, "y": y})
	return err
}

// TypeText types literal text at the current cursor position.
func (c *Controller) TypeText(ctx context.Context, text string) error {
	_, err := c.execute(ctx, "type", map[string]interface{}{"text": text})
	return err
}

// PressKey presses and releases a single key.
func (c *Controller) PressKey(ctx context.Context, key string) error {
	_, err := c.execute(ctx, "key", map[string]interface{}{"key": key})
	return err
}

// Hotkey presses a chord of keys simultaneously.
func (c *Controller) Hotkey(ctx context.Context, keys []string) error {
	_, err := c.execute(ctx, "hotkey", map[string]interface{}{"keys": keys})
	return err
}

// Scroll scrolls by (dx, dy) at the current pointer position.
func (c *Controller) Scroll(ctx context.Context, dx, dy int) error {
	_, err := c.execute(ctx, "scroll", map[string]interface{}{"dx": dx, "dy": dy})
	return err
}

// Drag drags the pointer from (x1,y1) to (x2,y2).
func (c *Controller) Drag(ctx context.Context, x1, y1, x2, y2 int) error {
	_, err := c.execute(ctx, "drag", map[string]interface{}{"x1": x1, "y1": y1, "x2": x2, "y2": y2})
	return err
}

// Move moves the pointer to (x, y) without clicking.
func (c *Controller) Move(ctx context.Context, x, y int) error {
	_, err := c.execute(ctx, "move", map[string]interface{}{"x": x, "y": y})
	return err
}

// MouseDown presses a mouse button down without releasing it.
func (c *Controller) MouseDown(ctx context.Context, button string) error {
	_, err := c.execute(ctx, "mouse_down", map[string]interface{}{"button": button})
	return err
}

// MouseUp releases a previously pressed mouse button.
func (c *Controller) MouseUp(ctx context.Context, button string) error {
	_, err := c.execute(ctx, "mouse_up", map[string]interface{}{"button": button})
	return err
}

// KeyDown presses a key down without releasing it.
func (c *Controller) KeyDown(ctx context.Context, key string) error {
	_, err := c.execute(ctx, "key_down", map[string]interface{}{"key": key})
	return err
}

// KeyUp releases a previously pressed key.
func (c *Controller) KeyUp(ctx context.Context, key string) error {
	_, err := c.execute(ctx, "key_up", map[string]interface{}{"key": key})
	return err
}

// ExecutePyAutoGUI runs a single `pyautogui.*` statement inside the VM and
// returns its result, or nil if execution failed.
func (c *Controller) ExecutePyAutoGUI(ctx context.Context, command string) (interface{}, error) {
	return c.execute(ctx, "pyautogui", map[string]interface{}{"command": command})
}

// StartRecording begins screen recording on the VM, if supported.
func (c *Controller) StartRecording(ctx context.Context) error {
	_, err := c.execute(ctx, "start_recording", nil)
	return err
}

// EndRecording stops screen recording and requests the VM write the result
// to outputPath.
func (c *Controller) EndRecording(ctx context.Context, outputPath string) error {
	_, err := c.execute(ctx, "end_recording", map[string]interface{}{"output_path": outputPath})
	return err
}

// Close releases any client-side resources held by the controller.
func (c *Controller) Close(context.Context) error {
	return nil
}

// keystrokeLessThanBug matches a quoted pyautogui string argument containing
// a literal "<", which the underlying typewrite implementation mishandles.
var keystrokeLessThanBug = regexp.MustCompile(`typewrite\((['"])(.*?)<(.*?)\1\)`)

// fixPyAutoGUILessThanBug rewrites a pyautogui.typewrite(...) call containing
// a literal "<" into an equivalent sequence of typewrite/hotkey("shift",",")
// calls, compensating for a bug in the VM-side pyautogui binding that drops
// the "<" character when typed directly.
func fixPyAutoGUILessThanBug(command string) string {
	if !strings.Contains(command, "<") || !strings.Contains(command, "typewrite") {
		return command
	}
	m := keystrokeLessThanBug.FindStringSubmatch(command)
	if m == nil {
		return command
	}
	quote, before, after := m[1], m[2], m[3]

	var segments []string
	if before != "" {
		segments = append(segments, fmt.Sprintf("pyautogui.typewrite(%s%s%s)", quote, before, quote))
	}
	segments = append(segments, `pyautogui.hotkey("shift", ",")`)
	// after may itself contain further "<" occurrences; split and recurse.
	rest := after
	for strings.Contains(rest, "<") {
		idx := strings.Index(rest, "<")
		head, tail := rest[:idx], rest[idx+1:]
		if head != "" {
			segments = append(segments, fmt.Sprintf("pyautogui.typewrite(%s%s%s)", quote, head, quote))
		}
		segments = append(segments, `pyautogui.hotkey("shift", ",")`)
		rest = tail
	}
	if rest != "" {
		segments = append(segments, fmt.Sprintf("pyautogui.typewrite(%s%s%s)", quote, rest, quote))
	}
	return strings.Join(segments, "; ")
}
