package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Computer actions
const (
	ActionKey            = "key"
	ActionType           = "type"
	ActionMouseMove      = "mouse_move"
	ActionLeftClick      = "left_click"
	ActionLeftClickDrag  = "left_click_drag"
	ActionRightClick     = "right_click"
	ActionMiddleClick    = "middle_click"
	ActionDoubleClick    = "double_click"
	ActionScreenshot     = "screenshot"
	ActionCursorPosition = "cursor_position"
)

var computerActions = []string{
	ActionKey, ActionType, ActionMouseMove, ActionLeftClick, ActionLeftClickDrag,
	ActionRightClick, ActionMiddleClick, ActionDoubleClick, ActionScreenshot, ActionCursorPosition,
}

// ComputerTool drives the screen, keyboard and mouse of a session.
type ComputerTool struct {
	channel  Channel
	endpoint Endpoint
	width    int
	height   int
}

// NewComputerTool reads the display size from a WIDTHxHEIGHTxDEPTH resolution.
func NewComputerTool(channel Channel, endpoint Endpoint, resolution string) *ComputerTool {
	width, height := ParseDisplaySize(resolution)
	return &ComputerTool{channel: channel, endpoint: endpoint, width: width, height: height}
}

// ParseDisplaySize reads WxH from a WxHxD resolution, falling back to
// 1280x800.
func ParseDisplaySize(resolution string) (int, int) {
	parts := strings.Split(resolution, "x")
	if len(parts) < 2 {
		return 1280, 800
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1280, 800
	}
	return w, h
}

// DisplaySize returns the screen width and height in pixels.
func (t *ComputerTool) DisplaySize() (int, int) {
	return t.width, t.height
}

func (t *ComputerTool) Name() string { return "computer" }

func (t *ComputerTool) Description() string {
	return fmt.Sprintf("Use a mouse and keyboard to interact with the session display (%dx%d pixels) and take screenshots.", t.width, t.height)
}

func (t *ComputerTool) InputSchema() Schema {
	return Schema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]any{
			"action":     stringProp("The action to perform.", computerActions...),
			"text":       stringProp("Text to type, or the key combination for the key action."),
			"coordinate": intPairProp("(x, y) pixel coordinate for mouse_move and left_click_drag."),
		},
		Required: []string{"action"},
	}
}

// Invoke checks per-action arguments before dispatch.
func (t *ComputerTool) Invoke(ctx context.Context, input map[string]any) (Result, error) {
	action := stringArg(input, "action")
	_, hasCoord := input["coordinate"]
	_, hasText := input["text"]

	switch action {
	case ActionMouseMove, ActionLeftClickDrag:
		if !hasCoord {
			return ErrorResult(fmt.Sprintf("coordinate is required for %s", action)), nil
		}
		if hasText {
			return ErrorResult(fmt.Sprintf("text is not accepted for %s", action)), nil
		}
		if res, ok := t.checkBounds(input["coordinate"]); !ok {
			return res, nil
		}
	case ActionKey, ActionType:
		if !hasText {
			return ErrorResult(fmt.Sprintf("text is required for %s", action)), nil
		}
		if hasCoord {
			return ErrorResult(fmt.Sprintf("coordinate is not accepted for %s", action)), nil
		}
	default:
		if hasCoord || hasText {
			return ErrorResult(fmt.Sprintf("%s accepts no text or coordinate", action)), nil
		}
	}

	return t.channel.Invoke(ctx, t.endpoint, t.Name(), input)
}

func (t *ComputerTool) checkBounds(raw any) (Result, bool) {
	var xy []float64
	data, err := json.Marshal(raw)
	if err == nil {
		err = json.Unmarshal(data, &xy)
	}
	if err != nil || len(xy) != 2 {
		return ErrorResult("coordinate must be a pair of integers"), false
	}
	if xy[0] < 0 || xy[1] < 0 || xy[0] >= float64(t.width) || xy[1] >= float64(t.height) {
		return ErrorResult(fmt.Sprintf("coordinate (%v, %v) is outside the %dx%d display", xy[0], xy[1], t.width, t.height)), false
	}
	return Result{}, true
}
