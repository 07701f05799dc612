package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mobile-crawler/pkg/types"
)

// ========================================
// Crawler Loop
// ========================================

// RunStore reads and finalizes crawl run records
type RunStore interface {
	GetRun(id string) (*types.Run, error)
	UpdateRunCompletion(id string, status types.RunStatus, endTime int64, totalSteps, uniqueScreens int) error
}

// StepLogStore persists one row per executed action
type StepLogStore interface {
	CreateStepLog(log *types.StepLog) error
}

// RuntimeError marks a device or capture failure the crawl cannot
// recover from
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("crawl runtime failure during %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

const (
	pausePollInterval = 100 * time.Millisecond
	actionSettleDelay = 750 * time.Millisecond
)

// CrawlerLoop drives one crawl session: capture, dedup, plan, execute,
// repeat until a limit is hit or the run is stopped.
type CrawlerLoop struct {
	cfg      *Config
	driver   DeviceDriver
	capture  ScreenCapturer
	executor ActionExecutor
	planner  ActionPlanner
	tracker  *ScreenTracker
	stats    *RuntimeStatsCollector
	runs     RunStore
	steps    StepLogStore
	notifier *EventNotifier
	machine  *CrawlStateMachine

	mu      sync.Mutex
	running bool

	// per-run limit overrides, zero means use the configured value
	maxStepsOverride    int
	maxDurationOverride int

	// stuck recovery bookkeeping, loop goroutine only
	wasStuck      bool
	stuckScreenID string
}

// NewCrawlerLoop wires a crawl session. notifier and stats may be nil.
func NewCrawlerLoop(cfg *Config, driver DeviceDriver, capture ScreenCapturer, executor ActionExecutor, planner ActionPlanner, tracker *ScreenTracker, stats *RuntimeStatsCollector, runs RunStore, steps StepLogStore, notifier *EventNotifier) *CrawlerLoop {
	if notifier == nil {
		notifier = NewEventNotifier()
	}
	l := &CrawlerLoop{
		cfg:      cfg,
		driver:   driver,
		capture:  capture,
		executor: executor,
		planner:  planner,
		tracker:  tracker,
		stats:    stats,
		runs:     runs,
		steps:    steps,
		notifier: notifier,
	}
	l.machine = NewCrawlStateMachine(func(old, new CrawlState) {
		notifier.StateChanged(old, new)
	})
	return l
}

// State returns the current lifecycle state
func (l *CrawlerLoop) State() CrawlState {
	return l.machine.State()
}

// IsRunning reports whether a crawl is active or reserved
func (l *CrawlerLoop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// OverrideLimits caps this run's step and duration limits without
// touching the shared configuration. Zero keeps the configured value.
func (l *CrawlerLoop) OverrideLimits(maxSteps, maxDurationSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxStepsOverride = maxSteps
	l.maxDurationOverride = maxDurationSeconds
}

// crawlLimits merges the live configuration with the per-run overrides
func (l *CrawlerLoop) crawlLimits() (maxSteps, maxDurationSeconds, stuckThreshold int) {
	maxSteps, maxDurationSeconds, stuckThreshold = l.cfg.CrawlLimits()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxStepsOverride > 0 {
		maxSteps = l.maxStepsOverride
	}
	if l.maxDurationOverride > 0 {
		maxDurationSeconds = l.maxDurationOverride
	}
	return maxSteps, maxDurationSeconds, stuckThreshold
}

// reserve claims the loop's single run slot. The claim holds from here
// until the crawl returns, so callers checking IsRunning between a
// reserve and the goroutine actually entering the loop see true.
func (l *CrawlerLoop) reserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("a crawl is already running")
	}
	l.running = true
	return nil
}

func (l *CrawlerLoop) release() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

// launch runs an already reserved crawl on its own goroutine
func (l *CrawlerLoop) launch(runID string) {
	go func() {
		if err := l.runLoop(context.Background(), runID); err != nil {
			LogError("crawler").Err(err).Str("run_id", runID).Msg("Crawl run failed")
		}
	}()
}

// Start launches the crawl on its own goroutine. The run slot is
// claimed before Start returns, so a second Start fails immediately.
func (l *CrawlerLoop) Start(runID string) error {
	if err := l.reserve(); err != nil {
		return err
	}
	l.launch(runID)
	return nil
}

// Pause suspends stepping after the current step finishes. No-op
// unless the crawl is running.
func (l *CrawlerLoop) Pause() error {
	if l.machine.State() != StateRunning {
		return nil
	}
	return l.machine.TransitionTo(StatePausedManual)
}

// Resume continues a paused crawl. No-op unless the crawl is paused.
func (l *CrawlerLoop) Resume() error {
	if l.machine.State() != StatePausedManual {
		return nil
	}
	return l.machine.TransitionTo(StateRunning)
}

// Stop requests a graceful stop. The loop notices at its next
// checkpoint; the step in flight is finished first.
func (l *CrawlerLoop) Stop() error {
	return l.machine.TransitionTo(StateStopping)
}

// Run executes the crawl session synchronously until a limit is hit,
// the run is stopped, or a fatal error occurs.
func (l *CrawlerLoop) Run(ctx context.Context, runID string) error {
	if err := l.reserve(); err != nil {
		return err
	}
	return l.runLoop(ctx, runID)
}

// runLoop is the crawl body. The caller must hold the run slot.
func (l *CrawlerLoop) runLoop(ctx context.Context, runID string) error {
	defer l.release()

	run, err := l.runs.GetRun(runID)
	if err != nil {
		err = fmt.Errorf("run %s not found: %w", runID, err)
		l.machine.ForceError()
		l.notifier.Error(runID, err)
		return err
	}

	l.notifier.CrawlStarted(runID)
	if err := l.machine.TransitionTo(StateInitializing); err != nil {
		return err
	}

	l.stats.StartSession(runID)
	l.tracker.StartRun(runID)
	defer l.tracker.EndRun()
	l.wasStuck = false
	l.stuckScreenID = ""

	LogInfo("crawler").
		Str("run_id", runID).
		Str("device", run.DeviceID).
		Str("package", run.AppPackage).
		Msg("Starting crawl")

	if err := l.ensureForeground(ctx, run.AppPackage); err != nil {
		return l.failRun(run, err)
	}

	if err := l.machine.TransitionTo(StateRunning); err != nil {
		return l.failRun(run, err)
	}

	start := time.Now()
	step := 0
	reason := ""

	for {
		if err := l.waitWhilePaused(ctx); err != nil {
			reason = "Crawl stopped"
			break
		}
		if l.machine.State() == StateStopping || ctx.Err() != nil {
			reason = "Crawl stopped"
			break
		}

		maxSteps, maxDurationSeconds, stuckThreshold := l.crawlLimits()
		if step >= maxSteps {
			reason = fmt.Sprintf("Reached maximum steps (%d)", maxSteps)
			break
		}
		if time.Since(start) >= time.Duration(maxDurationSeconds)*time.Second {
			reason = fmt.Sprintf("Reached maximum duration (%ds)", maxDurationSeconds)
			break
		}

		step++
		done, err := l.runStep(ctx, run, step, stuckThreshold)
		if err != nil {
			return l.failRun(run, err)
		}
		if done {
			reason = "Completed successfully"
			break
		}
	}

	return l.finishRun(run, step, reason)
}

// waitWhilePaused blocks while the state is PAUSED_MANUAL
func (l *CrawlerLoop) waitWhilePaused(ctx context.Context) error {
	for l.machine.State() == StatePausedManual {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
	return nil
}

// ensureForeground brings the app under test to the foreground,
// falling back to a monkey launcher intent when direct activation
// does not take.
func (l *CrawlerLoop) ensureForeground(ctx context.Context, appPackage string) error {
	current, err := l.driver.CurrentPackage(ctx)
	if err == nil && current == appPackage {
		return nil
	}

	if err := l.driver.ActivateApp(ctx, appPackage); err != nil {
		LogWarn("crawler").Err(err).Str("package", appPackage).Msg("Direct app activation failed")
	} else {
		time.Sleep(2 * time.Second)
		if current, err := l.driver.CurrentPackage(ctx); err == nil && current == appPackage {
			return nil
		}
	}

	LogWarn("crawler").Str("package", appPackage).Msg("App not in foreground, relaunching via monkey")
	if err := l.driver.LaunchApp(ctx, appPackage); err != nil {
		return &RuntimeError{Op: "app launch", Err: err}
	}
	time.Sleep(2 * time.Second)

	current, err = l.driver.CurrentPackage(ctx)
	if err != nil {
		return &RuntimeError{Op: "foreground check", Err: err}
	}
	if current != appPackage {
		return &RuntimeError{Op: "app launch", Err: fmt.Errorf("expected %s in foreground, found %s", appPackage, current)}
	}
	return nil
}

// runStep performs one capture/plan/execute cycle. Returns done=true
// when the model reports the exploration complete.
func (l *CrawlerLoop) runStep(ctx context.Context, run *types.Run, step int, stuckThreshold int) (bool, error) {
	l.stats.RecordStepStart()
	l.notifier.StepStarted(run.ID, step)

	if err := l.ensureForeground(ctx, run.AppPackage); err != nil {
		l.stats.RecordStepFailure()
		return false, err
	}

	cap, err := l.capture.CaptureFull(ctx, run.ID, step)
	if err != nil {
		l.stats.RecordStepFailure()
		return false, &RuntimeError{Op: "screenshot capture", Err: err}
	}
	l.notifier.ScreenshotCaptured(run.ID, step, cap.Path)

	activity, _ := l.driver.CurrentPackage(ctx)
	state, err := l.tracker.ProcessScreen(cap.Image, step, cap.Path, activity)
	if err != nil {
		l.stats.RecordStepFailure()
		return false, fmt.Errorf("screen tracking failed: %w", err)
	}
	l.stats.RecordScreenVisit(state.IsNew)

	stuck, stuckReason := l.tracker.IsStuck(stuckThreshold)
	if stuck {
		l.stats.RecordStuck()
	}
	if l.wasStuck && l.tracker.CurrentScreenID() != l.stuckScreenID {
		l.stats.RecordRecovery()
	}
	l.wasStuck = stuck
	if stuck {
		l.stuckScreenID = l.tracker.CurrentScreenID()
	}

	isNew := state.IsNew
	plan, err := l.planner.NextActions(ctx, &PlanRequest{
		RunID:              run.ID,
		StepNumber:         step,
		ScreenshotB64:      cap.Base64,
		ScreenshotPath:     cap.Path,
		IsStuck:            stuck,
		StuckReason:        stuckReason,
		CurrentScreenID:    state.ScreenID,
		CurrentScreenIsNew: &isNew,
		TotalUniqueScreens: state.TotalScreens,
	})
	if err != nil {
		l.stats.RecordStepFailure()
		return false, fmt.Errorf("action planning failed: %w", err)
	}

	batchSuccess := true
	executed := 0
	for i, action := range plan.Actions {
		if l.machine.State() == StateStopping || ctx.Err() != nil {
			break
		}

		deviceAction := action
		deviceAction.Bounds = action.Bounds.ToDeviceCoords(cap.ScaleFactor)

		result := DispatchAction(ctx, l.executor, deviceAction)
		executed++

		l.notifier.ActionExecuted(run.ID, step, action, result)
		l.stats.RecordAction(string(action.Action), result.Success, float64(result.DurationMs))

		if l.steps != nil {
			logErr := l.steps.CreateStepLog(&types.StepLog{
				ID:             uuid.New().String(),
				RunID:          run.ID,
				StepNumber:     step,
				ActionIndex:    i,
				ActionType:     string(action.Action),
				ActionDesc:     action.ActionDesc,
				Bounds:         deviceAction.Bounds.JSON(),
				InputText:      action.InputText,
				Success:        result.Success,
				ErrorMessage:   result.ErrorMessage,
				DurationMs:     result.DurationMs,
				ScreenID:       state.ScreenID,
				ScreenshotPath: cap.Path,
				CreatedAt:      time.Now().UnixMilli(),
			})
			if logErr != nil {
				LogError("crawler").Err(logErr).Str("run_id", run.ID).Msg("Failed to persist step log")
			}
		}

		if !result.Success {
			LogWarn("crawler").
				Str("run_id", run.ID).
				Int("step", step).
				Int("action_index", i).
				Str("action", string(action.Action)).
				Str("error", result.ErrorMessage).
				Msg("Action failed, skipping rest of batch")
			batchSuccess = false
			break
		}

		l.tracker.NoteAction(string(action.Action))

		select {
		case <-ctx.Done():
		case <-time.After(actionSettleDelay):
		}
	}

	// A batch cut short by a stop request counts as incomplete, the
	// same as one stopped by a failed action
	completed := batchSuccess && executed == len(plan.Actions)
	l.stats.RecordBatch(len(plan.Actions), completed)
	if completed {
		l.stats.RecordStepSuccess()
	} else {
		l.stats.RecordStepFailure()
	}
	l.notifier.StepCompleted(run.ID, step, completed)

	if plan.SignupCompleted {
		LogInfo("crawler").Str("run_id", run.ID).Int("step", step).Msg("Model reported exploration complete")
		return true, nil
	}
	return false, nil
}

// finishRun finalizes a run that ended without a fatal error
func (l *CrawlerLoop) finishRun(run *types.Run, totalSteps int, reason string) error {
	if l.machine.State() != StateStopping {
		if err := l.machine.TransitionTo(StateStopping); err != nil {
			LogWarn("crawler").Err(err).Msg("Unexpected state at crawl shutdown")
		}
	}

	status := types.RunStatusCompleted
	if reason == "Crawl stopped" {
		status = types.RunStatusStopped
	}

	uniqueScreens := l.tracker.UniqueScreens()
	l.stats.SetUniqueTransitions(l.tracker.UniqueTransitions())

	if err := l.runs.UpdateRunCompletion(run.ID, status, time.Now().UnixMilli(), totalSteps, uniqueScreens); err != nil {
		LogError("crawler").Err(err).Str("run_id", run.ID).Msg("Failed to finalize run record")
	}
	l.stats.Save()

	if err := l.machine.TransitionTo(StateStopped); err != nil {
		LogWarn("crawler").Err(err).Msg("Unexpected state at crawl shutdown")
	}

	LogInfo("crawler").
		Str("run_id", run.ID).
		Int("steps", totalSteps).
		Int("unique_screens", uniqueScreens).
		Str("reason", reason).
		Msg("Crawl finished")

	l.notifier.CrawlCompleted(run.ID, reason)
	return nil
}

// failRun finalizes a run that hit a fatal error
func (l *CrawlerLoop) failRun(run *types.Run, err error) error {
	l.machine.ForceError()

	l.stats.SetUniqueTransitions(l.tracker.UniqueTransitions())
	if uerr := l.runs.UpdateRunCompletion(run.ID, types.RunStatusError, time.Now().UnixMilli(), l.stats.Snapshot().TotalSteps, l.tracker.UniqueScreens()); uerr != nil {
		LogError("crawler").Err(uerr).Str("run_id", run.ID).Msg("Failed to finalize run record")
	}
	l.stats.Save()

	LogError("crawler").Err(err).Str("run_id", run.ID).Msg("Crawl aborted")
	l.notifier.Error(run.ID, err)
	return err
}
