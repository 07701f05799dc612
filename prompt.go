package main

import (
	"fmt"
	"strings"
)

// ========================================
// Prompt Builder
// ========================================

// PromptBuilder assembles the system and user prompts sent to the model
// for each crawl step.
type PromptBuilder struct {
	appPackage string
}

// NewPromptBuilder creates a prompt builder for the given app package
func NewPromptBuilder(appPackage string) *PromptBuilder {
	return &PromptBuilder{appPackage: appPackage}
}

// SystemPrompt returns the fixed system prompt describing the crawler's
// role and the required JSON response schema.
func (b *PromptBuilder) SystemPrompt() string {
	return `You are an autonomous Android UI testing agent. You are shown a screenshot of the current screen of a mobile app, and you must decide which UI actions to perform next to explore the app as thoroughly as possible.

Your goals, in priority order:
1. If the screen is a login, signup or onboarding flow, complete it with plausible test data.
2. Discover screens you have not visited before. Prefer tapping elements that likely lead somewhere new.
3. Avoid repeating actions that keep you on the same screen.

You must respond with a single JSON object and nothing else. No markdown, no explanation outside the JSON. The schema is:

{
  "actions": [
    {
      "action": "<one of: click, input, long_press, scroll_up, scroll_down, scroll_left, scroll_right, back>",
      "action_desc": "<short description of the target element>",
      "target_bounding_box": {
        "top_left": [x, y],
        "bottom_right": [x, y]
      },
      "input_text": "<text to type, ONLY when action is input>",
      "reasoning": "<one sentence on why this action>"
    }
  ],
  "signup_completed": <true when a login/signup flow was just finished or none is present and exploration is exhausted, else false>
}

Rules:
- "actions" must contain between 1 and 12 actions, ordered. They will be executed in sequence on the live device.
- Coordinates are pixel positions on the screenshot you were shown.
- "input_text" is required when action is "input" and must be omitted for every other action.
- Scroll and back actions still require a target_bounding_box; use the screen region the gesture applies to.
- Do not invent actions outside the listed kinds.`
}

// UserPrompt returns the per-step user prompt for the given planning request
func (b *PromptBuilder) UserPrompt(req *PlanRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "App under test: %s\n", b.appPackage)
	fmt.Fprintf(&sb, "Crawl step: %d\n", req.StepNumber)

	if req.CurrentScreenIsNew != nil {
		if *req.CurrentScreenIsNew {
			sb.WriteString("This screen has not been visited before in this run.\n")
		} else {
			sb.WriteString("This screen was already visited in this run. Prefer actions you have not tried here.\n")
		}
	}
	if req.TotalUniqueScreens > 0 {
		fmt.Fprintf(&sb, "Unique screens discovered so far: %d\n", req.TotalUniqueScreens)
	}

	if req.IsStuck {
		sb.WriteString("\nWARNING: the crawler appears stuck. ")
		if req.StuckReason != "" {
			sb.WriteString(req.StuckReason)
			sb.WriteString(" ")
		}
		sb.WriteString("Choose a different kind of action than before, such as back, a scroll, or tapping a different element.\n")
	}

	sb.WriteString("\nLook at the attached screenshot and respond with the JSON object described in the system prompt.")

	return sb.String()
}
