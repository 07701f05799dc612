// Package types holds the records shared between the crawler core and the
// mcp subpackage. Keeping them here avoids an import cycle with package main.
package types

// Device represents a connected ADB device
type Device struct {
	ID     string `json:"id"`
	Serial string `json:"serial"`
	State  string `json:"state"`
	Model  string `json:"model"`
	Brand  string `json:"brand"`
}

// RunStatus is the lifecycle status of a crawl run
type RunStatus string

const (
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusStopped     RunStatus = "STOPPED"
	RunStatusError       RunStatus = "ERROR"
	RunStatusInterrupted RunStatus = "INTERRUPTED"
)

// Run identifies one crawl session. Created at crawl start, finalized once
// at completion or failure.
type Run struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	AppPackage    string    `json:"appPackage"`
	StartTime     int64     `json:"startTime"` // unix ms
	EndTime       int64     `json:"endTime"`   // unix ms, 0 while running
	Status        RunStatus `json:"status"`
	AIProvider    string    `json:"aiProvider"`
	AIModel       string    `json:"aiModel"`
	TotalSteps    int       `json:"totalSteps"`
	UniqueScreens int       `json:"uniqueScreens"`
}

// Screen is a discovered, de-duplicated UI state. The composite hash is the
// unique key; rows persist across runs so a screen found in one run is
// recognized in later runs.
type Screen struct {
	ID             string `json:"id"`
	CompositeHash  string `json:"compositeHash"`
	VisualHash     string `json:"visualHash"`
	ScreenshotPath string `json:"screenshotPath"`
	ActivityName   string `json:"activityName"`
	FirstSeenRunID string `json:"firstSeenRunId"`
	FirstSeenStep  int    `json:"firstSeenStep"`
	VisitCount     int    `json:"visitCount"` // global, across runs
}

// ScreenState is the transient result of processing one captured frame.
// Not persisted; recomputed per step.
type ScreenState struct {
	ScreenID     string `json:"screenId"`
	IsNew        bool   `json:"isNew"` // new to this run
	VisitCount   int    `json:"visitCount"`
	TotalScreens int    `json:"totalScreens"` // discovered globally
}

// StepLog is the audit record for one executed action within a step.
type StepLog struct {
	ID             string `json:"id"`
	RunID          string `json:"runId"`
	StepNumber     int    `json:"stepNumber"`
	ActionIndex    int    `json:"actionIndex"`
	ActionType     string `json:"actionType"`
	ActionDesc     string `json:"actionDesc"`
	Bounds         string `json:"bounds"` // JSON bounding box, device coordinates
	InputText      string `json:"inputText,omitempty"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	DurationMs     int64  `json:"durationMs"`
	ScreenID       string `json:"screenId,omitempty"`
	ScreenshotPath string `json:"screenshotPath,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // unix ms
}

// AIInteraction is the audit record for one model attempt, success or
// failure. Every retry gets its own row with its own retry index.
type AIInteraction struct {
	ID             string `json:"id"`
	RunID          string `json:"runId"`
	StepNumber     int    `json:"stepNumber"`
	RetryCount     int    `json:"retryCount"`
	RequestSystem  string `json:"requestSystem"`
	RequestUser    string `json:"requestUser"`
	RawResponse    string `json:"rawResponse,omitempty"`
	ParsedResponse string `json:"parsedResponse,omitempty"`
	InputTokens    int    `json:"inputTokens"`
	OutputTokens   int    `json:"outputTokens"`
	LatencyMs      int64  `json:"latencyMs"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // unix ms
}
