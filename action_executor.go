package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ========================================
// Action Executor - adb input dispatch
// ========================================

// ActionExecutor executes planned actions on the device, one method per
// action kind. Implementations block for the duration of the gesture.
type ActionExecutor interface {
	Click(ctx context.Context, bounds BoundingBox) ActionResult
	Input(ctx context.Context, bounds BoundingBox, text string) ActionResult
	LongPress(ctx context.Context, bounds BoundingBox) ActionResult
	ScrollUp(ctx context.Context) ActionResult
	ScrollDown(ctx context.Context) ActionResult
	SwipeLeft(ctx context.Context) ActionResult
	SwipeRight(ctx context.Context) ActionResult
	Back(ctx context.Context) ActionResult
}

// DispatchAction routes one planned action to the executor. The switch is
// exhaustive over ActionType; ParseActionType has already rejected anything
// outside the enum.
func DispatchAction(ctx context.Context, ex ActionExecutor, a AIAction) ActionResult {
	switch a.Action {
	case ActionClick:
		return ex.Click(ctx, a.Bounds)
	case ActionInput:
		return ex.Input(ctx, a.Bounds, a.InputText)
	case ActionLongPress:
		return ex.LongPress(ctx, a.Bounds)
	case ActionScrollUp:
		return ex.ScrollUp(ctx)
	case ActionScrollDown:
		return ex.ScrollDown(ctx)
	case ActionScrollLeft:
		return ex.SwipeLeft(ctx)
	case ActionScrollRight:
		return ex.SwipeRight(ctx)
	case ActionBack:
		return ex.Back(ctx)
	default:
		return ActionResult{
			Success:      false,
			ActionType:   a.Action,
			ErrorMessage: fmt.Sprintf("unknown action type %q", a.Action),
		}
	}
}

// adbActionExecutor performs gestures with `adb shell input`
type adbActionExecutor struct {
	adb      *ADBClient
	deviceID string
	width    int
	height   int
}

// NewADBActionExecutor creates an executor for a device. width/height are
// the device resolution, used to derive scroll gesture coordinates.
func NewADBActionExecutor(adb *ADBClient, deviceID string, width, height int) ActionExecutor {
	return &adbActionExecutor{adb: adb, deviceID: deviceID, width: width, height: height}
}

func (e *adbActionExecutor) run(ctx context.Context, actionType ActionType, target string, args ...string) ActionResult {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := e.adb.Run(ctx, e.deviceID, args...)
	res := ActionResult{
		Success:    err == nil,
		ActionType: actionType,
		Target:     target,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.ErrorMessage = err.Error()
		LogWarn("executor").Str("action", string(actionType)).Err(err).Msg("Action failed")
	}
	return res
}

func (e *adbActionExecutor) Click(ctx context.Context, bounds BoundingBox) ActionResult {
	c := bounds.Center()
	return e.run(ctx, ActionClick, bounds.String(),
		"shell", "input", "tap", fmt.Sprint(c.X), fmt.Sprint(c.Y))
}

func (e *adbActionExecutor) Input(ctx context.Context, bounds BoundingBox, text string) ActionResult {
	// Focus the field first, then type
	if res := e.Click(ctx, bounds); !res.Success {
		res.ActionType = ActionInput
		return res
	}

	res := e.run(ctx, ActionInput, bounds.String(),
		"shell", "input", "text", escapeInputText(text))
	return res
}

func (e *adbActionExecutor) LongPress(ctx context.Context, bounds BoundingBox) ActionResult {
	c := bounds.Center()
	// A zero-distance swipe with a hold duration is the standard long press
	return e.run(ctx, ActionLongPress, bounds.String(),
		"shell", "input", "swipe",
		fmt.Sprint(c.X), fmt.Sprint(c.Y), fmt.Sprint(c.X), fmt.Sprint(c.Y), "800")
}

func (e *adbActionExecutor) ScrollUp(ctx context.Context) ActionResult {
	cx := e.width / 2
	return e.run(ctx, ActionScrollUp, "screen",
		"shell", "input", "swipe",
		fmt.Sprint(cx), fmt.Sprint(e.height*7/10), fmt.Sprint(cx), fmt.Sprint(e.height*3/10), "300")
}

func (e *adbActionExecutor) ScrollDown(ctx context.Context) ActionResult {
	cx := e.width / 2
	return e.run(ctx, ActionScrollDown, "screen",
		"shell", "input", "swipe",
		fmt.Sprint(cx), fmt.Sprint(e.height*3/10), fmt.Sprint(cx), fmt.Sprint(e.height*7/10), "300")
}

func (e *adbActionExecutor) SwipeLeft(ctx context.Context) ActionResult {
	cy := e.height / 2
	return e.run(ctx, ActionScrollLeft, "screen",
		"shell", "input", "swipe",
		fmt.Sprint(e.width*8/10), fmt.Sprint(cy), fmt.Sprint(e.width*2/10), fmt.Sprint(cy), "300")
}

func (e *adbActionExecutor) SwipeRight(ctx context.Context) ActionResult {
	cy := e.height / 2
	return e.run(ctx, ActionScrollRight, "screen",
		"shell", "input", "swipe",
		fmt.Sprint(e.width*2/10), fmt.Sprint(cy), fmt.Sprint(e.width*8/10), fmt.Sprint(cy), "300")
}

func (e *adbActionExecutor) Back(ctx context.Context) ActionResult {
	res := e.run(ctx, ActionBack, "device",
		"shell", "input", "keyevent", "4")
	res.NavigatedAway = res.Success
	return res
}

// escapeInputText prepares text for `input text`, which treats space,
// percent and shell metacharacters specially. The replacer works in a
// single pass, so the %s emitted for spaces is never re-escaped.
func escapeInputText(text string) string {
	replacer := strings.NewReplacer(
		"%", "\\%",
		" ", "%s",
		"&", "\\&",
		"<", "\\<",
		">", "\\>",
		"(", "\\(",
		")", "\\)",
		"|", "\\|",
		";", "\\;",
		"$", "\\$",
		"\"", "\\\"",
		"'", "\\'",
	)
	return replacer.Replace(text)
}
