package main

import (
	"context"
	"testing"
)

func TestParseActionType(t *testing.T) {
	for _, kind := range []string{"click", "input", "long_press", "scroll_up", "scroll_down", "scroll_left", "scroll_right", "back"} {
		if _, ok := ParseActionType(kind); !ok {
			t.Errorf("%q should be a known action kind", kind)
		}
	}
	for _, kind := range []string{"", "tap", "CLICK", "swipe"} {
		if _, ok := ParseActionType(kind); ok {
			t.Errorf("%q should be rejected", kind)
		}
	}
}

func TestBoundingBoxToDeviceCoords(t *testing.T) {
	b := BoundingBox{TopLeft: Point{100, 200}, BottomRight: Point{300, 400}}

	scaled := b.ToDeviceCoords(0.5)
	if scaled.TopLeft.X != 200 || scaled.TopLeft.Y != 400 {
		t.Errorf("top left = %+v", scaled.TopLeft)
	}
	if scaled.BottomRight.X != 600 || scaled.BottomRight.Y != 800 {
		t.Errorf("bottom right = %+v", scaled.BottomRight)
	}

	// Factor 1.0 means the image was never downscaled
	if got := b.ToDeviceCoords(1.0); got != b {
		t.Errorf("unscaled box changed: %+v", got)
	}
	if got := b.ToDeviceCoords(0); got != b {
		t.Errorf("zero factor should be a no-op: %+v", got)
	}
}

func TestBoundingBoxCenter(t *testing.T) {
	b := BoundingBox{TopLeft: Point{100, 200}, BottomRight: Point{300, 400}}
	c := b.Center()
	if c.X != 200 || c.Y != 300 {
		t.Errorf("center = %+v, want (200,300)", c)
	}
}

func TestDispatchActionRouting(t *testing.T) {
	ex := &scriptedExecutor{}
	kinds := []ActionType{
		ActionClick, ActionInput, ActionLongPress,
		ActionScrollUp, ActionScrollDown, ActionScrollLeft, ActionScrollRight,
		ActionBack,
	}

	for _, kind := range kinds {
		a := AIAction{Action: kind, ActionDesc: "x", InputText: "text"}
		result := DispatchAction(context.Background(), ex, a)
		if !result.Success {
			t.Errorf("dispatch of %s failed: %s", kind, result.ErrorMessage)
		}
		if result.ActionType != kind {
			t.Errorf("dispatch of %s reported %s", kind, result.ActionType)
		}
	}
	if ex.calls != len(kinds) {
		t.Errorf("executor calls = %d, want %d", ex.calls, len(kinds))
	}
}

func TestEscapeInputText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"hello world", "hello%sworld"},
		// A literal percent must not be typed as the %s space code
		{"100% off", "100\\%%soff"},
		{"%s", "\\%s"},
		{"a&b", "a\\&b"},
		{"it's", "it\\'s"},
	}
	for _, tc := range cases {
		if got := escapeInputText(tc.in); got != tc.want {
			t.Errorf("escapeInputText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDispatchActionUnknownKind(t *testing.T) {
	ex := &scriptedExecutor{}
	result := DispatchAction(context.Background(), ex, AIAction{Action: ActionType("teleport")})
	if result.Success {
		t.Error("an unknown kind must not execute")
	}
	if ex.calls != 0 {
		t.Errorf("executor was called %d times for an unknown kind", ex.calls)
	}
}
