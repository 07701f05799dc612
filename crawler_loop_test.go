package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"mobile-crawler/pkg/types"
)

// ========================================
// Fakes
// ========================================

type fakeDriver struct {
	pkg string
}

func (d *fakeDriver) DeviceID() string                                 { return "emulator-5554" }
func (d *fakeDriver) CurrentPackage(ctx context.Context) (string, error) { return d.pkg, nil }
func (d *fakeDriver) ActivateApp(ctx context.Context, pkg string) error  { return nil }
func (d *fakeDriver) LaunchApp(ctx context.Context, pkg string) error    { return nil }

type fakeCapturer struct {
	img image.Image
}

func (c *fakeCapturer) CaptureFull(ctx context.Context, runID string, stepNumber int) (*Capture, error) {
	return &Capture{
		Image:       c.img,
		Path:        fmt.Sprintf("step_%04d.png", stepNumber),
		Base64:      "ZmFrZQ==",
		ScaleFactor: 1.0,
	}, nil
}

// scriptedExecutor succeeds unless the 1-based call number is in failOn.
// onCall, when set, runs with the call number before the result is built.
type scriptedExecutor struct {
	failOn map[int]bool
	calls  int
	onCall func(n int)
}

func (e *scriptedExecutor) exec(kind ActionType) ActionResult {
	e.calls++
	if e.onCall != nil {
		e.onCall(e.calls)
	}
	if e.failOn[e.calls] {
		return ActionResult{Success: false, ActionType: kind, DurationMs: 5, ErrorMessage: "injected failure"}
	}
	return ActionResult{Success: true, ActionType: kind, DurationMs: 5}
}

func (e *scriptedExecutor) Click(ctx context.Context, b BoundingBox) ActionResult { return e.exec(ActionClick) }
func (e *scriptedExecutor) Input(ctx context.Context, b BoundingBox, text string) ActionResult {
	return e.exec(ActionInput)
}
func (e *scriptedExecutor) LongPress(ctx context.Context, b BoundingBox) ActionResult {
	return e.exec(ActionLongPress)
}
func (e *scriptedExecutor) ScrollUp(ctx context.Context) ActionResult   { return e.exec(ActionScrollUp) }
func (e *scriptedExecutor) ScrollDown(ctx context.Context) ActionResult { return e.exec(ActionScrollDown) }
func (e *scriptedExecutor) SwipeLeft(ctx context.Context) ActionResult  { return e.exec(ActionScrollLeft) }
func (e *scriptedExecutor) SwipeRight(ctx context.Context) ActionResult { return e.exec(ActionScrollRight) }
func (e *scriptedExecutor) Back(ctx context.Context) ActionResult       { return e.exec(ActionBack) }

type fakePlanner struct {
	plan *AIResponse
	err  error
}

func (p *fakePlanner) NextActions(ctx context.Context, req *PlanRequest) (*AIResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	// Copy so callers cannot mutate the template
	plan := *p.plan
	return &plan, nil
}

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*types.Run
}

func newMemRunStore(runs ...*types.Run) *memRunStore {
	s := &memRunStore{runs: make(map[string]*types.Run)}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return s
}

func (s *memRunStore) GetRun(id string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	out := *r
	return &out, nil
}

func (s *memRunStore) UpdateRunCompletion(id string, status types.RunStatus, endTime int64, totalSteps, uniqueScreens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	r.Status = status
	r.EndTime = endTime
	r.TotalSteps = totalSteps
	r.UniqueScreens = uniqueScreens
	return nil
}

type memStepStore struct {
	mu   sync.Mutex
	rows []types.StepLog
}

func (s *memStepStore) CreateStepLog(log *types.StepLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *log)
	return nil
}

// eventRecorder captures crawl events for assertions
type eventRecorder struct {
	mu               sync.Mutex
	stepsStarted     int
	actionsExecuted  int
	stepResults      []bool
	completedReasons []string
	errs             []error
}

func (r *eventRecorder) OnCrawlStarted(runID string)          {}
func (r *eventRecorder) OnStateChanged(old, new CrawlState)   {}
func (r *eventRecorder) OnScreenshotCaptured(runID string, step int, path string) {}

func (r *eventRecorder) OnStepStarted(runID string, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepsStarted++
}

func (r *eventRecorder) OnActionExecuted(runID string, step int, action AIAction, result ActionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actionsExecuted++
}

func (r *eventRecorder) OnStepCompleted(runID string, step int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepResults = append(r.stepResults, success)
}

func (r *eventRecorder) OnCrawlCompleted(runID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedReasons = append(r.completedReasons, reason)
}

func (r *eventRecorder) OnError(runID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// ========================================
// Helpers
// ========================================

func clickAction(desc string) AIAction {
	return AIAction{
		Action:     ActionClick,
		ActionDesc: desc,
		Bounds:     BoundingBox{TopLeft: Point{100, 200}, BottomRight: Point{300, 260}},
		Reasoning:  "test",
	}
}

type loopFixture struct {
	loop     *CrawlerLoop
	runs     *memRunStore
	steps    *memStepStore
	events   *eventRecorder
	executor *scriptedExecutor
	stats    *RuntimeStatsCollector
}

func setupLoop(t *testing.T, cfg *Config, planner ActionPlanner, executor *scriptedExecutor) *loopFixture {
	t.Helper()

	run := makeRun("run-1")
	runs := newMemRunStore(run)
	steps := &memStepStore{}
	events := &eventRecorder{}

	notifier := NewEventNotifier()
	notifier.AddListener(events)

	tracker := NewScreenTracker(&memScreenStore{}, TrackerSettings{
		SimilarityThreshold:  cfg.ScreenSimilarityThreshold,
		UsePerceptualHashing: cfg.UsePerceptualHashing,
	})

	stats := NewRuntimeStatsCollector(nil)
	loop := NewCrawlerLoop(
		cfg,
		&fakeDriver{pkg: run.AppPackage},
		&fakeCapturer{img: horizontalGradient(1080, 1920)},
		executor,
		planner,
		tracker,
		stats,
		runs,
		steps,
		notifier,
	)

	return &loopFixture{loop: loop, runs: runs, steps: steps, events: events, executor: executor, stats: stats}
}

// waitForLoop blocks until the loop's run goroutine has finished
func waitForLoop(t *testing.T, loop *CrawlerLoop) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for loop.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("crawl did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ========================================
// Tests
// ========================================

func TestCrawlStopsAtMaxSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 2

	planner := &fakePlanner{plan: &AIResponse{Actions: []AIAction{clickAction("Next")}}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.loop.State() != StateStopped {
		t.Errorf("final state = %s, want STOPPED", f.loop.State())
	}
	if f.events.stepsStarted != 2 {
		t.Errorf("steps started = %d, want 2", f.events.stepsStarted)
	}
	if len(f.events.completedReasons) != 1 {
		t.Fatalf("completed events = %d, want 1", len(f.events.completedReasons))
	}
	if !strings.Contains(f.events.completedReasons[0], "maximum steps") {
		t.Errorf("completion reason = %q", f.events.completedReasons[0])
	}

	run, _ := f.runs.GetRun("run-1")
	if run.Status != types.RunStatusCompleted {
		t.Errorf("run status = %s, want COMPLETED", run.Status)
	}
	if run.TotalSteps != 2 {
		t.Errorf("total steps = %d, want 2", run.TotalSteps)
	}
	if run.EndTime == 0 {
		t.Error("end time should be set")
	}
}

func TestCrawlFailFastWithinBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 1

	planner := &fakePlanner{plan: &AIResponse{
		Actions: []AIAction{clickAction("first"), clickAction("second"), clickAction("third")},
	}}
	// Second action of the batch fails
	f := setupLoop(t, cfg, planner, &scriptedExecutor{failOn: map[int]bool{2: true}})

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.events.actionsExecuted != 2 {
		t.Errorf("actions executed = %d, want 2 (third skipped)", f.events.actionsExecuted)
	}
	if len(f.steps.rows) != 2 {
		t.Errorf("step log rows = %d, want 2", len(f.steps.rows))
	}
	if len(f.events.stepResults) != 1 || f.events.stepResults[0] {
		t.Errorf("step results = %v, want one failed step", f.events.stepResults)
	}
	if !f.steps.rows[0].Success || f.steps.rows[1].Success {
		t.Errorf("log success flags = %v/%v, want true/false", f.steps.rows[0].Success, f.steps.rows[1].Success)
	}
}

func TestCrawlEndsWhenModelReportsDone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 5

	planner := &fakePlanner{plan: &AIResponse{
		Actions:         []AIAction{clickAction("Finish signup")},
		SignupCompleted: true,
	}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.events.stepsStarted != 1 {
		t.Errorf("steps started = %d, want 1", f.events.stepsStarted)
	}
	if len(f.events.completedReasons) != 1 || f.events.completedReasons[0] != "Completed successfully" {
		t.Errorf("completion reasons = %v", f.events.completedReasons)
	}

	run, _ := f.runs.GetRun("run-1")
	if run.Status != types.RunStatusCompleted {
		t.Errorf("run status = %s, want COMPLETED", run.Status)
	}
}

func TestCrawlPlannerFailureIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 5

	planner := &fakePlanner{err: errors.New("model unreachable")}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	err := f.loop.Run(context.Background(), "run-1")
	if err == nil {
		t.Fatal("expected the planner failure to abort the run")
	}

	if f.loop.State() != StateError {
		t.Errorf("state = %s, want ERROR", f.loop.State())
	}
	if len(f.events.errs) != 1 {
		t.Errorf("error events = %d, want 1", len(f.events.errs))
	}

	run, _ := f.runs.GetRun("run-1")
	if run.Status != types.RunStatusError {
		t.Errorf("run status = %s, want ERROR", run.Status)
	}
}

func TestCrawlUnknownRun(t *testing.T) {
	cfg := DefaultConfig()
	planner := &fakePlanner{plan: &AIResponse{Actions: []AIAction{clickAction("x")}}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	err := f.loop.Run(context.Background(), "run-does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an unknown run")
	}
	if f.loop.State() != StateError {
		t.Errorf("state = %s, want ERROR", f.loop.State())
	}
	if f.events.stepsStarted != 0 {
		t.Errorf("no steps should run, got %d", f.events.stepsStarted)
	}
}

func TestCrawlStartClaimsRunSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 1
	planner := &fakePlanner{plan: &AIResponse{Actions: []AIAction{clickAction("x")}}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	if err := f.loop.Start("run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The slot is claimed synchronously, before the goroutine is scheduled
	if !f.loop.IsRunning() {
		t.Error("loop should report running immediately after Start")
	}
	if err := f.loop.Start("run-1"); err == nil {
		t.Error("second Start should be rejected")
	}

	waitForLoop(t, f.loop)

	if f.loop.State() != StateStopped {
		t.Errorf("final state = %s, want STOPPED", f.loop.State())
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.completedReasons) != 1 {
		t.Errorf("completed events = %d, want 1", len(f.events.completedReasons))
	}
}

func TestCrawlStopMidBatchCountsStepAsIncomplete(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 3

	planner := &fakePlanner{plan: &AIResponse{
		Actions: []AIAction{clickAction("first"), clickAction("second"), clickAction("third")},
	}}
	executor := &scriptedExecutor{}
	f := setupLoop(t, cfg, planner, executor)

	// Stop lands while the first action of the batch executes
	executor.onCall = func(n int) {
		if n == 1 {
			if err := f.loop.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}
	}

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.events.actionsExecuted != 1 {
		t.Errorf("actions executed = %d, want 1 (rest of batch skipped)", f.events.actionsExecuted)
	}
	if len(f.events.stepResults) != 1 || f.events.stepResults[0] {
		t.Errorf("step results = %v, want one incomplete step", f.events.stepResults)
	}

	// Step and batch counters must agree about the interrupted step
	stats := f.stats.Snapshot()
	if stats.SuccessfulSteps != 0 || stats.FailedSteps != 1 {
		t.Errorf("steps = %d ok / %d failed, want 0/1", stats.SuccessfulSteps, stats.FailedSteps)
	}
	if stats.Batches != 1 {
		t.Fatalf("batches = %d, want 1", stats.Batches)
	}
	if stats.BatchSuccessRate == nil || *stats.BatchSuccessRate != 0 {
		t.Errorf("batch success rate = %v, want 0", stats.BatchSuccessRate)
	}

	run, _ := f.runs.GetRun("run-1")
	if run.Status != types.RunStatusStopped {
		t.Errorf("run status = %s, want STOPPED", run.Status)
	}
}

func TestCrawlLimitOverridesAreRunScoped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 4

	planner := &fakePlanner{plan: &AIResponse{Actions: []AIAction{clickAction("x")}}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})
	f.loop.OverrideLimits(1, 0)

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.events.stepsStarted != 1 {
		t.Errorf("steps started = %d, want 1", f.events.stepsStarted)
	}
	if !strings.Contains(f.events.completedReasons[0], "maximum steps (1)") {
		t.Errorf("completion reason = %q", f.events.completedReasons[0])
	}
	// The override stays on the loop, the shared config keeps its limit
	if got, _, _ := cfg.CrawlLimits(); got != 4 {
		t.Errorf("config max steps = %d, want 4", got)
	}
}

func TestCrawlPauseResumeOutsideRunningAreNoOps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 1
	planner := &fakePlanner{plan: &AIResponse{Actions: []AIAction{clickAction("x")}}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	if err := f.loop.Pause(); err != nil {
		t.Errorf("Pause before start: %v", err)
	}
	if err := f.loop.Resume(); err != nil {
		t.Errorf("Resume before start: %v", err)
	}
	if f.loop.State() != StateUninitialized {
		t.Errorf("state = %s, want UNINITIALIZED", f.loop.State())
	}

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := f.loop.Pause(); err != nil {
		t.Errorf("Pause after stop: %v", err)
	}
	if f.loop.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", f.loop.State())
	}
}

func TestCrawlRejectsConcurrentRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCrawlSteps = 1
	planner := &fakePlanner{plan: &AIResponse{Actions: []AIAction{clickAction("x")}}}
	f := setupLoop(t, cfg, planner, &scriptedExecutor{})

	if err := f.loop.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The loop is reusable once the first run finished
	if f.loop.IsRunning() {
		t.Error("loop still reports running after Run returned")
	}
}
