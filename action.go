package main

import (
	"encoding/json"
	"fmt"
)

// ========================================
// Actions - planned interactions
// ========================================

// ActionType is the closed set of interactions the AI can plan. Executor
// dispatch switches exhaustively over these.
type ActionType string

const (
	ActionClick       ActionType = "click"
	ActionInput       ActionType = "input"
	ActionLongPress   ActionType = "long_press"
	ActionScrollUp    ActionType = "scroll_up"
	ActionScrollDown  ActionType = "scroll_down"
	ActionScrollLeft  ActionType = "scroll_left"
	ActionScrollRight ActionType = "scroll_right"
	ActionBack        ActionType = "back"
)

// ParseActionType validates a raw action kind string
func ParseActionType(s string) (ActionType, bool) {
	switch ActionType(s) {
	case ActionClick, ActionInput, ActionLongPress,
		ActionScrollUp, ActionScrollDown, ActionScrollLeft, ActionScrollRight,
		ActionBack:
		return ActionType(s), true
	}
	return "", false
}

// Point is a screen coordinate
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BoundingBox is a rectangular target in some coordinate space
type BoundingBox struct {
	TopLeft     Point `json:"topLeft"`
	BottomRight Point `json:"bottomRight"`
}

// Center returns the middle of the box
func (b BoundingBox) Center() Point {
	return Point{
		X: (b.TopLeft.X + b.BottomRight.X) / 2,
		Y: (b.TopLeft.Y + b.BottomRight.Y) / 2,
	}
}

// String renders the box compactly for logs
func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", b.TopLeft.X, b.TopLeft.Y, b.BottomRight.X, b.BottomRight.Y)
}

// JSON renders the box for audit rows
func (b BoundingBox) JSON() string {
	data, _ := json.Marshal(b)
	return string(data)
}

// ToDeviceCoords converts a box from AI-image space back to device pixels.
// The AI sees a screenshot downscaled by scaleFactor; dividing recovers the
// original resolution.
func (b BoundingBox) ToDeviceCoords(scaleFactor float64) BoundingBox {
	if scaleFactor <= 0 || scaleFactor >= 1 {
		return b
	}
	return BoundingBox{
		TopLeft: Point{
			X: int(float64(b.TopLeft.X) / scaleFactor),
			Y: int(float64(b.TopLeft.Y) / scaleFactor),
		},
		BottomRight: Point{
			X: int(float64(b.BottomRight.X) / scaleFactor),
			Y: int(float64(b.BottomRight.Y) / scaleFactor),
		},
	}
}

// AIAction is one planned interaction step returned by the model
type AIAction struct {
	Action     ActionType  `json:"action"`
	ActionDesc string      `json:"action_desc"`
	Bounds     BoundingBox `json:"target_bounding_box"`
	InputText  string      `json:"input_text,omitempty"` // set iff Action == ActionInput
	Reasoning  string      `json:"reasoning"`
}

// AIResponse is one validated plan from the model
type AIResponse struct {
	Actions         []AIAction `json:"actions"`
	SignupCompleted bool       `json:"signup_completed"`
	LatencyMs       int64      `json:"-"`
	InputTokens     int        `json:"-"`
	OutputTokens    int        `json:"-"`
}

// maxActionsPerResponse bounds how many actions one plan may contain
const maxActionsPerResponse = 12

// ActionResult is the outcome of executing one action on the device
type ActionResult struct {
	Success       bool       `json:"success"`
	ActionType    ActionType `json:"actionType"`
	Target        string     `json:"target"`
	DurationMs    int64      `json:"durationMs"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	NavigatedAway bool       `json:"navigatedAway"`
}
