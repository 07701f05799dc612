package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"mobile-crawler/pkg/types"
)

// fakeProvider returns canned content or a fixed error
type fakeProvider struct {
	content string
	err     error
	calls   int
}

func (p *fakeProvider) Name() string                            { return "fake" }
func (p *fakeProvider) Model() string                           { return "fake-model" }
func (p *fakeProvider) IsAvailable(ctx context.Context) bool    { return true }
func (p *fakeProvider) SupportsVision() bool                    { return true }
func (p *fakeProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"fake-model"}, nil
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	resp := &CompletionResponse{ID: "r1", Model: "fake-model", Content: p.content}
	resp.Usage.PromptTokens = 100
	resp.Usage.CompletionTokens = 50
	return resp, nil
}

// memAuditStore keeps interaction rows in memory
type memAuditStore struct {
	rows []types.AIInteraction
}

func (m *memAuditStore) CreateAIInteraction(in *types.AIInteraction) error {
	m.rows = append(m.rows, *in)
	return nil
}

const validPlanJSON = `{
	"actions": [
		{
			"action": "click",
			"action_desc": "Login button",
			"target_bounding_box": {"top_left": [100, 200], "bottom_right": [300, 260]},
			"reasoning": "Likely leads to the login form"
		}
	],
	"signup_completed": false
}`

func planRequest() *PlanRequest {
	return &PlanRequest{
		RunID:         "run-1",
		StepNumber:    1,
		ScreenshotB64: "aGVsbG8=",
	}
}

func TestParseAIResponseValid(t *testing.T) {
	resp, err := parseAIResponse(validPlanJSON)
	if err != nil {
		t.Fatalf("parseAIResponse: %v", err)
	}
	if len(resp.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(resp.Actions))
	}

	a := resp.Actions[0]
	if a.Action != ActionClick {
		t.Errorf("action = %s, want click", a.Action)
	}
	if a.Bounds.TopLeft.X != 100 || a.Bounds.BottomRight.Y != 260 {
		t.Errorf("bounds = %+v", a.Bounds)
	}
	if resp.SignupCompleted {
		t.Error("signup_completed should be false")
	}
}

func TestParseAIResponseMarkdownFenced(t *testing.T) {
	fenced := "```json\n" + validPlanJSON + "\n```"
	if _, err := parseAIResponse(fenced); err != nil {
		t.Errorf("fenced JSON should parse: %v", err)
	}
}

func TestParseAIResponseChatterAroundJSON(t *testing.T) {
	chatty := "Sure! Here is the plan:\n" + validPlanJSON + "\nLet me know how it goes."
	if _, err := parseAIResponse(chatty); err != nil {
		t.Errorf("JSON with surrounding chatter should parse: %v", err)
	}
}

func TestParseAIResponseRejections(t *testing.T) {
	action := func(kind, extra string) string {
		return fmt.Sprintf(`{
			"action": %q,
			"action_desc": "Something",
			"target_bounding_box": {"top_left": [0, 0], "bottom_right": [10, 10]},
			"reasoning": "testing"%s
		}`, kind, extra)
	}

	var thirteen []string
	for i := 0; i < 13; i++ {
		thirteen = append(thirteen, action("click", ""))
	}

	tests := []struct {
		name string
		text string
	}{
		{"no JSON at all", "I cannot help with that."},
		{"empty actions", `{"actions": [], "signup_completed": false}`},
		{"missing signup_completed", `{"actions": [` + action("click", "") + `]}`},
		{"too many actions", `{"actions": [` + strings.Join(thirteen, ",") + `], "signup_completed": false}`},
		{"unknown action kind", `{"actions": [` + action("teleport", "") + `], "signup_completed": false}`},
		{"input without text", `{"actions": [` + action("input", "") + `], "signup_completed": false}`},
		{"input_text on click", `{"actions": [` + action("click", `, "input_text": "hello"`) + `], "signup_completed": false}`},
		{"missing bounds", `{"actions": [{"action": "click", "action_desc": "x", "reasoning": "y"}], "signup_completed": false}`},
		{"bad corner arity", `{"actions": [{"action": "click", "action_desc": "x", "reasoning": "y", "target_bounding_box": {"top_left": [1], "bottom_right": [2, 3]}}], "signup_completed": false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseAIResponse(tt.text)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected *ValidationError, got %T: %v", err, err)
			}
		})
	}
}

func TestNextActionsSuccess(t *testing.T) {
	provider := &fakeProvider{content: validPlanJSON}
	store := &memAuditStore{}
	svc := NewAIInteractionService(provider, NewPromptBuilder("com.example.app"), store, nil, nil, 2, nil)

	resp, err := svc.NextActions(context.Background(), planRequest())
	if err != nil {
		t.Fatalf("NextActions: %v", err)
	}
	if len(resp.Actions) != 1 {
		t.Errorf("actions = %d, want 1", len(resp.Actions))
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 50 {
		t.Errorf("token accounting = %d/%d, want 100/50", resp.InputTokens, resp.OutputTokens)
	}

	if len(store.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(store.rows))
	}
	row := store.rows[0]
	if !row.Success || row.RetryCount != 0 {
		t.Errorf("audit row = success %v retry %d, want success, retry 0", row.Success, row.RetryCount)
	}
	if row.RawResponse == "" || row.ParsedResponse == "" {
		t.Error("audit row should capture raw and parsed responses")
	}
}

func TestNextActionsRetriesExhausted(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	store := &memAuditStore{}
	svc := NewAIInteractionService(provider, NewPromptBuilder("com.example.app"), store, nil, nil, 2, nil)

	_, err := svc.NextActions(context.Background(), planRequest())
	if err == nil {
		t.Fatal("expected an error after retries run out")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error should name the attempt count: %v", err)
	}

	if provider.calls != 3 {
		t.Errorf("provider called %d times, want 3", provider.calls)
	}
	if len(store.rows) != 3 {
		t.Fatalf("audit rows = %d, want 3", len(store.rows))
	}
	for i, row := range store.rows {
		if row.RetryCount != i {
			t.Errorf("row %d retry count = %d, want %d", i, row.RetryCount, i)
		}
		if row.Success {
			t.Errorf("row %d should be marked failed", i)
		}
		if row.ErrorMessage == "" {
			t.Errorf("row %d should carry the error message", i)
		}
	}
}

func TestNextActionsRetriesValidationFailure(t *testing.T) {
	provider := &fakeProvider{content: "not json"}
	store := &memAuditStore{}
	svc := NewAIInteractionService(provider, NewPromptBuilder("com.example.app"), store, nil, nil, 1, nil)

	_, err := svc.NextActions(context.Background(), planRequest())
	if err == nil {
		t.Fatal("expected an error for an unparseable response")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected the validation error to surface, got %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("validation failure should consume retries, got %d calls, want 2", provider.calls)
	}
}
