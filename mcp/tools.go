package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the crawl management tools
func (s *MCPServer) registerTools() {
	s.server.AddTool(
		mcp.NewTool("device_list",
			mcp.WithDescription("List all connected Android devices"),
		),
		s.handleDeviceList,
	)

	s.server.AddTool(
		mcp.NewTool("crawl_start",
			mcp.WithDescription("Start an autonomous crawl of an app on a device. Returns the run ID."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID to crawl on (from device_list)"),
			),
			mcp.WithString("app_package",
				mcp.Required(),
				mcp.Description("Android package name of the app to crawl (e.g. com.example.app)"),
			),
			mcp.WithNumber("max_steps",
				mcp.Description("Step limit for this run (0 = configured default)"),
			),
			mcp.WithNumber("max_duration_seconds",
				mcp.Description("Wall-clock limit for this run in seconds (0 = configured default)"),
			),
		),
		s.handleCrawlStart,
	)

	s.server.AddTool(
		mcp.NewTool("crawl_stop",
			mcp.WithDescription("Request a graceful stop of the running crawl"),
		),
		s.handleCrawlStop,
	)

	s.server.AddTool(
		mcp.NewTool("crawl_status",
			mcp.WithDescription("Get the state of the current (or last) crawl"),
		),
		s.handleCrawlStatus,
	)

	s.server.AddTool(
		mcp.NewTool("run_list",
			mcp.WithDescription("List recent crawl runs, newest first"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of runs to return (default 20)"),
			),
		),
		s.handleRunList,
	)

	s.server.AddTool(
		mcp.NewTool("run_summary",
			mcp.WithDescription("Get the full summary of one crawl run: outcome, stats, action and AI attempt counts"),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("Run ID to summarize (from run_list or crawl_start)"),
			),
		),
		s.handleRunSummary,
	)
}

func (s *MCPServer) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.app.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	if len(devices) == 0 {
		return textResult("No devices connected"), nil
	}

	result := fmt.Sprintf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		result += fmt.Sprintf("%d. %s (%s)\n   Model: %s, Brand: %s, State: %s\n",
			i+1, d.ID, d.Serial, d.Model, d.Brand, d.State)
	}

	jsonData, _ := json.MarshalIndent(devices, "", "  ")
	return textResult(result + "\n" + string(jsonData)), nil
}

func (s *MCPServer) handleCrawlStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	deviceID, ok := args["device_id"].(string)
	if !ok || deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	appPackage, ok := args["app_package"].(string)
	if !ok || appPackage == "" {
		return nil, fmt.Errorf("app_package is required")
	}

	maxSteps := 0
	if v, ok := args["max_steps"].(float64); ok {
		maxSteps = int(v)
	}
	maxDuration := 0
	if v, ok := args["max_duration_seconds"].(float64); ok {
		maxDuration = int(v)
	}

	runID, err := s.app.StartCrawlRun(ctx, deviceID, appPackage, maxSteps, maxDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to start crawl: %w", err)
	}

	return textResult(fmt.Sprintf("Crawl started.\nRun ID: %s\nDevice: %s\nPackage: %s", runID, deviceID, appPackage)), nil
}

func (s *MCPServer) handleCrawlStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.app.StopCrawl(); err != nil {
		return nil, fmt.Errorf("failed to stop crawl: %w", err)
	}
	return textResult("Stop requested. The crawl finishes its current step and shuts down."), nil
}

func (s *MCPServer) handleCrawlStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, state, running := s.app.CrawlStatus()

	status := map[string]interface{}{
		"runId":   runID,
		"state":   state,
		"running": running,
	}
	jsonData, _ := json.MarshalIndent(status, "", "  ")
	return textResult(string(jsonData)), nil
}

func (s *MCPServer) handleRunList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	limit := 20
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	runs, err := s.app.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		return textResult("No crawl runs recorded"), nil
	}

	result := fmt.Sprintf("Found %d run(s):\n\n", len(runs))
	for i, r := range runs {
		started := time.UnixMilli(r.StartTime).Format(time.RFC3339)
		result += fmt.Sprintf("%d. %s\n   Package: %s, Device: %s\n   Started: %s, Status: %s, Steps: %d, Screens: %d\n",
			i+1, r.ID, r.AppPackage, r.DeviceID, started, r.Status, r.TotalSteps, r.UniqueScreens)
	}

	return textResult(result), nil
}

func (s *MCPServer) handleRunSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	summary, err := s.app.RunSummaryJSON(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run summary: %w", err)
	}
	return textResult(summary), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
