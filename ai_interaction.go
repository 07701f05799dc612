package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"mobile-crawler/pkg/types"
)

// ========================================
// AI Interaction Service
// ========================================

// PlanRequest carries everything the model needs to plan the next actions
type PlanRequest struct {
	RunID              string
	StepNumber         int
	ScreenshotB64      string
	ScreenshotPath     string
	IsStuck            bool
	StuckReason        string
	CurrentScreenID    string
	CurrentScreenIsNew *bool
	TotalUniqueScreens int
}

// ActionPlanner plans the next batch of UI actions for a crawl step
type ActionPlanner interface {
	NextActions(ctx context.Context, req *PlanRequest) (*AIResponse, error)
}

// AuditStore persists one row per model attempt
type AuditStore interface {
	CreateAIInteraction(interaction *types.AIInteraction) error
}

// ValidationError describes a model response that parsed as JSON but
// violated the action schema. Validation errors consume a retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid model response: " + e.Reason
}

// AIInteractionService talks to the model, validates its responses and
// audits every attempt. Implements ActionPlanner.
type AIInteractionService struct {
	provider   LLMProvider
	prompts    *PromptBuilder
	store      AuditStore
	notifier   *EventNotifier
	limiter    *rate.Limiter // nil means unthrottled
	retryCount int
	stats      *RuntimeStatsCollector
}

// NewAIInteractionService wires the planner. store, notifier, limiter and
// stats may each be nil.
func NewAIInteractionService(provider LLMProvider, prompts *PromptBuilder, store AuditStore, notifier *EventNotifier, limiter *rate.Limiter, retryCount int, stats *RuntimeStatsCollector) *AIInteractionService {
	if retryCount < 0 {
		retryCount = 0
	}
	return &AIInteractionService{
		provider:   provider,
		prompts:    prompts,
		store:      store,
		notifier:   notifier,
		limiter:    limiter,
		retryCount: retryCount,
		stats:      stats,
	}
}

// NextActions requests an action plan from the model, retrying on
// transport and validation failures up to the configured retry count.
// Every attempt, including failed ones, is written to the audit store.
func (s *AIInteractionService) NextActions(ctx context.Context, req *PlanRequest) (*AIResponse, error) {
	systemPrompt := s.prompts.SystemPrompt()
	userPrompt := s.prompts.UserPrompt(req)

	var lastErr error
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if attempt > 0 {
			LogWarn("ai").
				Str("run_id", req.RunID).
				Int("step", req.StepNumber).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("Retrying model request")
			s.stats.RecordAIRetry()
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		if s.notifier != nil {
			s.notifier.AIRequest(req.RunID, req.StepNumber, attempt, userPrompt)
		}

		resp, err := s.attempt(ctx, req, attempt, systemPrompt, userPrompt)

		if s.notifier != nil {
			s.notifier.AIResponse(req.RunID, req.StepNumber, attempt, resp, err)
		}

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("model request failed after %d attempts: %w", s.retryCount+1, lastErr)
}

// attempt performs a single request/validate/audit cycle
func (s *AIInteractionService) attempt(ctx context.Context, req *PlanRequest, attempt int, systemPrompt, userPrompt string) (*AIResponse, error) {
	messages := []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{
			Role:    "user",
			Content: userPrompt,
			Images: []ImageContent{
				{Data: req.ScreenshotB64, Format: "jpeg"},
			},
		},
	}

	start := time.Now()
	completion, err := s.provider.Complete(ctx, &CompletionRequest{Messages: messages})
	latencyMs := time.Since(start).Milliseconds()

	audit := &types.AIInteraction{
		ID:            uuid.New().String(),
		RunID:         req.RunID,
		StepNumber:    req.StepNumber,
		RetryCount:    attempt,
		RequestSystem: systemPrompt,
		RequestUser:   userPrompt,
		LatencyMs:     latencyMs,
		CreatedAt:     time.Now().UnixMilli(),
	}

	var resp *AIResponse
	if err == nil {
		audit.RawResponse = completion.Content
		audit.InputTokens = completion.Usage.PromptTokens
		audit.OutputTokens = completion.Usage.CompletionTokens

		resp, err = parseAIResponse(completion.Content)
		if err == nil {
			resp.LatencyMs = latencyMs
			resp.InputTokens = completion.Usage.PromptTokens
			resp.OutputTokens = completion.Usage.CompletionTokens

			if parsed, merr := json.Marshal(resp); merr == nil {
				audit.ParsedResponse = string(parsed)
			}
		}
	}

	audit.Success = err == nil
	if err != nil {
		audit.ErrorMessage = err.Error()
	}

	timedOut := err != nil && ctx.Err() == context.DeadlineExceeded
	s.stats.RecordAICall(float64(latencyMs), audit.InputTokens+audit.OutputTokens, err == nil, timedOut)

	if s.store != nil {
		if serr := s.store.CreateAIInteraction(audit); serr != nil {
			LogError("ai").Err(serr).Str("run_id", req.RunID).Msg("Failed to persist model interaction")
		}
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// parseAIResponse extracts and validates the action plan from raw model
// output. Models wrap JSON in markdown fences or chatter often enough
// that the first balanced object in the text is taken as the payload.
func parseAIResponse(text string) (*AIResponse, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, &ValidationError{Reason: "no JSON object found in response"}
	}
	cleaned = cleaned[start : end+1]

	if !gjson.Valid(cleaned) {
		return nil, &ValidationError{Reason: "response is not valid JSON"}
	}

	root := gjson.Parse(cleaned)

	signup := root.Get("signup_completed")
	if !signup.Exists() || !signup.IsBool() {
		return nil, &ValidationError{Reason: "missing or non-boolean signup_completed"}
	}

	actions := root.Get("actions")
	if !actions.Exists() || !actions.IsArray() {
		return nil, &ValidationError{Reason: "missing actions array"}
	}

	items := actions.Array()
	if len(items) == 0 {
		return nil, &ValidationError{Reason: "actions array is empty"}
	}
	if len(items) > maxActionsPerResponse {
		return nil, &ValidationError{Reason: fmt.Sprintf("too many actions: %d (max %d)", len(items), maxActionsPerResponse)}
	}

	resp := &AIResponse{
		SignupCompleted: signup.Bool(),
		Actions:         make([]AIAction, 0, len(items)),
	}

	for i, item := range items {
		action, err := parseAIAction(i, item)
		if err != nil {
			return nil, err
		}
		resp.Actions = append(resp.Actions, action)
	}

	return resp, nil
}

func parseAIAction(index int, item gjson.Result) (AIAction, error) {
	var a AIAction

	kind := item.Get("action")
	if !kind.Exists() || kind.Type != gjson.String {
		return a, &ValidationError{Reason: fmt.Sprintf("action %d: missing action kind", index)}
	}
	actionType, ok := ParseActionType(kind.String())
	if !ok {
		return a, &ValidationError{Reason: fmt.Sprintf("action %d: unknown action kind %q", index, kind.String())}
	}

	desc := item.Get("action_desc")
	if !desc.Exists() || desc.Type != gjson.String || desc.String() == "" {
		return a, &ValidationError{Reason: fmt.Sprintf("action %d: missing action_desc", index)}
	}

	reasoning := item.Get("reasoning")
	if !reasoning.Exists() || reasoning.Type != gjson.String {
		return a, &ValidationError{Reason: fmt.Sprintf("action %d: missing reasoning", index)}
	}

	bounds, err := parseBoundingBox(index, item.Get("target_bounding_box"))
	if err != nil {
		return a, err
	}

	inputText := item.Get("input_text")
	if actionType == ActionInput {
		if !inputText.Exists() || inputText.Type != gjson.String || inputText.String() == "" {
			return a, &ValidationError{Reason: fmt.Sprintf("action %d: input action requires input_text", index)}
		}
		a.InputText = inputText.String()
	} else if inputText.Exists() && inputText.String() != "" {
		return a, &ValidationError{Reason: fmt.Sprintf("action %d: input_text given for non-input action %q", index, actionType)}
	}

	a.Action = actionType
	a.ActionDesc = desc.String()
	a.Reasoning = reasoning.String()
	a.Bounds = bounds
	return a, nil
}

func parseBoundingBox(index int, box gjson.Result) (BoundingBox, error) {
	var b BoundingBox

	if !box.Exists() || !box.IsObject() {
		return b, &ValidationError{Reason: fmt.Sprintf("action %d: missing target_bounding_box", index)}
	}

	tl, err := parseCorner(index, "top_left", box.Get("top_left"))
	if err != nil {
		return b, err
	}
	br, err := parseCorner(index, "bottom_right", box.Get("bottom_right"))
	if err != nil {
		return b, err
	}

	b.TopLeft = tl
	b.BottomRight = br
	return b, nil
}

func parseCorner(index int, name string, corner gjson.Result) (Point, error) {
	if !corner.Exists() || !corner.IsArray() {
		return Point{}, &ValidationError{Reason: fmt.Sprintf("action %d: missing %s", index, name)}
	}
	coords := corner.Array()
	if len(coords) != 2 {
		return Point{}, &ValidationError{Reason: fmt.Sprintf("action %d: %s must have exactly 2 coordinates", index, name)}
	}
	return Point{X: int(coords[0].Int()), Y: int(coords[1].Int())}, nil
}
