package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mobile-crawler/pkg/types"
)

// ========================================
// Application
// ========================================

// CrawlOptions overrides config limits for one run. Zero values keep
// the configured defaults.
type CrawlOptions struct {
	MaxSteps           int
	MaxDurationSeconds int
}

// RunSummary aggregates everything recorded about one finished run
type RunSummary struct {
	Run          *types.Run      `json:"run"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	ActionCount  int             `json:"actionCount"`
	AIAttempts   int             `json:"aiAttempts"`
	ScreensTotal int             `json:"screensTotal"`
}

// App owns the long-lived pieces: config, store, ADB client, the config
// watcher and the currently active crawl, if any.
type App struct {
	cfg        *Config
	cfgPath    string
	store      *CrawlStore
	adb        *ADBClient
	notifier   *EventNotifier
	modelCache *ModelCache
	watcher    *ConfigWatcher

	mu          sync.Mutex
	loop        *CrawlerLoop
	activeRunID string
}

// NewApp loads the config, opens the store and starts the config
// watcher
func NewApp() (*App, error) {
	cfg, cfgPath, err := loadAppConfig()
	if err != nil {
		return nil, err
	}

	store, err := NewCrawlStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	adb, err := NewADBClient(cfg.ADBPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &App{
		cfg:        cfg,
		cfgPath:    cfgPath,
		store:      store,
		adb:        adb,
		notifier:   NewEventNotifier(),
		modelCache: NewModelCache(filepath.Join(cfg.DataDir, "model_cache.json")),
	}

	app.watcher = NewConfigWatcher(cfgPath, func(next *Config) {
		app.cfg.Apply(next)
		LogInfo("app").Msg("Configuration reloaded")
	})
	if err := app.watcher.Start(); err != nil {
		LogWarn("app").Err(err).Msg("Config watcher unavailable, hot reload disabled")
	}

	return app, nil
}

func loadAppConfig() (*Config, string, error) {
	defaults := DefaultConfig()
	cfgPath := ConfigPath(defaults.DataDir)

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, "", err
	}
	// First run: write the defaults so users have a file to edit
	if err := cfg.Save(ConfigPath(cfg.DataDir)); err != nil {
		LogWarn("app").Err(err).Msg("Failed to write config file")
	}
	return cfg, ConfigPath(cfg.DataDir), nil
}

// Config returns the live configuration
func (a *App) Config() *Config {
	return a.cfg
}

// Notifier returns the event notifier for listener registration
func (a *App) Notifier() *EventNotifier {
	return a.notifier
}

// Close shuts the app down
func (a *App) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// ListDevices returns the connected ADB devices
func (a *App) ListDevices(ctx context.Context) ([]types.Device, error) {
	return a.adb.ListDevices(ctx)
}

// ListRuns returns recent crawl runs
func (a *App) ListRuns(limit int) ([]types.Run, error) {
	return a.store.ListRuns(limit)
}

// ListModels returns the models the configured provider offers, served
// from the cache when the provider is unreachable
func (a *App) ListModels(ctx context.Context) ([]string, error) {
	provider, err := NewProviderFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	return ListProviderModels(ctx, provider, a.modelCache)
}

// GetRunSummary assembles the summary for one run
func (a *App) GetRunSummary(runID string) (*RunSummary, error) {
	run, err := a.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{Run: run}

	if stats, err := a.store.GetRunStats(runID); err == nil && stats != "" {
		summary.Stats = json.RawMessage(stats)
	}
	if logs, err := a.store.ListStepLogs(runID); err == nil {
		summary.ActionCount = len(logs)
	}
	if interactions, err := a.store.ListAIInteractions(runID); err == nil {
		summary.AIAttempts = len(interactions)
	}
	if n, err := a.store.CountScreens(); err == nil {
		summary.ScreensTotal = n
	}

	return summary, nil
}

// StartCrawl creates a run and launches it on a background goroutine.
// Returns the new run ID.
func (a *App) StartCrawl(ctx context.Context, deviceID, appPackage string, opts CrawlOptions) (string, error) {
	runID, loop, err := a.prepareCrawl(ctx, deviceID, appPackage, opts)
	if err != nil {
		return "", err
	}
	loop.launch(runID)
	return runID, nil
}

// RunCrawl creates a run and executes it synchronously, returning when
// the crawl finishes. Cancelling ctx aborts the crawl.
func (a *App) RunCrawl(ctx context.Context, deviceID, appPackage string, opts CrawlOptions) (string, error) {
	runID, loop, err := a.prepareCrawl(ctx, deviceID, appPackage, opts)
	if err != nil {
		return "", err
	}
	return runID, loop.runLoop(ctx, runID)
}

func (a *App) prepareCrawl(ctx context.Context, deviceID, appPackage string, opts CrawlOptions) (string, *CrawlerLoop, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return "", nil, err
	}
	if err := ValidatePackageName(appPackage); err != nil {
		return "", nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loop != nil && a.loop.IsRunning() {
		return "", nil, fmt.Errorf("a crawl is already running (run %s)", a.activeRunID)
	}

	provider, err := NewProviderFromConfig(a.cfg)
	if err != nil {
		return "", nil, err
	}

	width, height, err := a.adb.WindowSize(ctx, deviceID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read device screen size: %w", err)
	}

	run := &types.Run{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		AppPackage: appPackage,
		StartTime:  time.Now().UnixMilli(),
		Status:     types.RunStatusRunning,
		AIProvider: provider.Name(),
		AIModel:    provider.Model(),
	}
	if err := a.store.CreateRun(run); err != nil {
		return "", nil, err
	}

	stats := NewRuntimeStatsCollector(a.store)

	var limiter *rate.Limiter
	if rpm := a.cfg.AIRequestsPerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	}

	planner := NewAIInteractionService(
		provider,
		NewPromptBuilder(appPackage),
		a.store,
		a.notifier,
		limiter,
		a.cfg.AIRetryCount,
		stats,
	)

	tracker := NewScreenTracker(a.store, TrackerSettings{
		SimilarityThreshold:  a.cfg.ScreenSimilarityThreshold,
		UsePerceptualHashing: a.cfg.UsePerceptualHashing,
	})

	screenshotDir := filepath.Join(a.cfg.DataDir, "screenshots")
	capturer := NewScreenCapturer(a.adb, deviceID, screenshotDir, a.cfg.AIImageMaxWidth)
	executor := NewADBActionExecutor(a.adb, deviceID, width, height)
	driver := NewDeviceDriver(a.adb, deviceID)

	loop := NewCrawlerLoop(a.cfg, driver, capturer, executor, planner, tracker, stats, a.store, a.store, a.notifier)
	loop.OverrideLimits(opts.MaxSteps, opts.MaxDurationSeconds)

	// Claim the run slot while a.mu is still held so a concurrent
	// prepareCrawl sees the loop as running before it is launched
	if err := loop.reserve(); err != nil {
		return "", nil, err
	}

	a.loop = loop
	a.activeRunID = run.ID
	return run.ID, loop, nil
}

// RunSummaryJSON returns the run summary serialized for tool consumers
func (a *App) RunSummaryJSON(runID string) (string, error) {
	summary, err := a.GetRunSummary(runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StartCrawlRun starts a crawl with scalar overrides, for tool consumers
func (a *App) StartCrawlRun(ctx context.Context, deviceID, appPackage string, maxSteps, maxDurationSeconds int) (string, error) {
	return a.StartCrawl(ctx, deviceID, appPackage, CrawlOptions{
		MaxSteps:           maxSteps,
		MaxDurationSeconds: maxDurationSeconds,
	})
}

// StopCrawl requests a graceful stop of the active crawl
func (a *App) StopCrawl() error {
	a.mu.Lock()
	loop := a.loop
	a.mu.Unlock()

	if loop == nil || !loop.IsRunning() {
		return fmt.Errorf("no crawl is running")
	}
	return loop.Stop()
}

// PauseCrawl suspends the active crawl
func (a *App) PauseCrawl() error {
	a.mu.Lock()
	loop := a.loop
	a.mu.Unlock()

	if loop == nil || !loop.IsRunning() {
		return fmt.Errorf("no crawl is running")
	}
	return loop.Pause()
}

// ResumeCrawl continues a paused crawl
func (a *App) ResumeCrawl() error {
	a.mu.Lock()
	loop := a.loop
	a.mu.Unlock()

	if loop == nil {
		return fmt.Errorf("no crawl is running")
	}
	return loop.Resume()
}

// CrawlStatus reports the state of the active (or last) crawl
func (a *App) CrawlStatus() (runID string, state string, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loop == nil {
		return "", string(StateUninitialized), false
	}
	return a.activeRunID, string(a.loop.State()), a.loop.IsRunning()
}
