package main

import (
	"fmt"
	"testing"
	"time"

	"mobile-crawler/pkg/types"
)

func setupTestStore(t *testing.T) (*CrawlStore, func()) {
	t.Helper()

	store, err := NewCrawlStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store, func() { store.Close() }
}

func makeRun(id string) *types.Run {
	return &types.Run{
		ID:         id,
		DeviceID:   "emulator-5554",
		AppPackage: "com.example.app",
		StartTime:  time.Now().UnixMilli(),
		Status:     types.RunStatusRunning,
		AIProvider: "Ollama",
		AIModel:    "llava",
	}
}

func TestRunLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if err := store.CreateRun(makeRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.RunStatusRunning {
		t.Errorf("status = %s, want RUNNING", run.Status)
	}
	if run.AppPackage != "com.example.app" {
		t.Errorf("package = %s", run.AppPackage)
	}

	end := time.Now().UnixMilli()
	if err := store.UpdateRunCompletion("run-1", types.RunStatusCompleted, end, 12, 5); err != nil {
		t.Fatalf("UpdateRunCompletion: %v", err)
	}

	run, err = store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if run.Status != types.RunStatusCompleted || run.TotalSteps != 12 || run.UniqueScreens != 5 {
		t.Errorf("finalized run = %+v", run)
	}
	if run.EndTime != end {
		t.Errorf("end time = %d, want %d", run.EndTime, end)
	}
}

func TestGetRunMissing(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := store.GetRun("nope"); err == nil {
		t.Error("expected an error for a missing run")
	}
	if err := store.UpdateRunCompletion("nope", types.RunStatusCompleted, 0, 0, 0); err == nil {
		t.Error("expected an error finalizing a missing run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	old := makeRun("run-old")
	old.StartTime = 1000
	recent := makeRun("run-new")
	recent.StartTime = 2000

	store.CreateRun(old)
	store.CreateRun(recent)

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].ID != "run-new" {
		t.Errorf("first run = %s, want run-new", runs[0].ID)
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	store.CreateRun(makeRun("run-stale"))
	done := makeRun("run-done")
	done.Status = types.RunStatusCompleted
	store.CreateRun(done)

	n, err := store.MarkInterruptedRuns()
	if err != nil {
		t.Fatalf("MarkInterruptedRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("flagged %d runs, want 1", n)
	}

	run, _ := store.GetRun("run-stale")
	if run.Status != types.RunStatusInterrupted {
		t.Errorf("stale run status = %s, want INTERRUPTED", run.Status)
	}
	run, _ = store.GetRun("run-done")
	if run.Status != types.RunStatusCompleted {
		t.Errorf("completed run was touched: %s", run.Status)
	}
}

func TestScreenPersistence(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	screen := &types.Screen{
		ID:             "screen-1",
		CompositeHash:  "a1b2c3d4e5f60718",
		VisualHash:     "a1b2c3d4e5f60718",
		FirstSeenRunID: "run-1",
		FirstSeenStep:  3,
	}
	if err := store.CreateScreen(screen); err != nil {
		t.Fatalf("CreateScreen: %v", err)
	}

	got, err := store.GetScreenByHash("a1b2c3d4e5f60718")
	if err != nil {
		t.Fatalf("GetScreenByHash: %v", err)
	}
	if got == nil || got.ID != "screen-1" {
		t.Fatalf("lookup = %+v", got)
	}

	miss, err := store.GetScreenByHash("ffffffffffffffff")
	if err != nil {
		t.Fatalf("GetScreenByHash miss: %v", err)
	}
	if miss != nil {
		t.Errorf("expected nil for an unknown hash, got %+v", miss)
	}

	if err := store.IncrementScreenVisit("screen-1"); err != nil {
		t.Fatalf("IncrementScreenVisit: %v", err)
	}
	got, _ = store.GetScreenByHash("a1b2c3d4e5f60718")
	if got.VisitCount != 1 {
		t.Errorf("visit count = %d, want 1", got.VisitCount)
	}

	n, err := store.CountScreens()
	if err != nil {
		t.Fatalf("CountScreens: %v", err)
	}
	if n != 1 {
		t.Errorf("screen count = %d, want 1", n)
	}

	// Duplicate composite hash violates the unique constraint
	dup := &types.Screen{ID: "screen-2", CompositeHash: "a1b2c3d4e5f60718"}
	if err := store.CreateScreen(dup); err == nil {
		t.Error("expected a constraint error for a duplicate hash")
	}
}

func TestStepLogsOrdered(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	for step := 1; step <= 2; step++ {
		for idx := 0; idx < 2; idx++ {
			err := store.CreateStepLog(&types.StepLog{
				ID:          fmt.Sprintf("log-%d-%d", step, idx),
				RunID:       "run-1",
				StepNumber:  step,
				ActionIndex: idx,
				ActionType:  "click",
				Success:     true,
				CreatedAt:   time.Now().UnixMilli(),
			})
			if err != nil {
				t.Fatalf("CreateStepLog: %v", err)
			}
		}
	}

	logs, err := store.ListStepLogs("run-1")
	if err != nil {
		t.Fatalf("ListStepLogs: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("logs = %d, want 4", len(logs))
	}
	if logs[0].StepNumber != 1 || logs[0].ActionIndex != 0 {
		t.Errorf("first log = step %d index %d", logs[0].StepNumber, logs[0].ActionIndex)
	}
	if logs[3].StepNumber != 2 || logs[3].ActionIndex != 1 {
		t.Errorf("last log = step %d index %d", logs[3].StepNumber, logs[3].ActionIndex)
	}
}

func TestAIInteractionAudit(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	for attempt := 0; attempt < 3; attempt++ {
		err := store.CreateAIInteraction(&types.AIInteraction{
			ID:           string(rune('a' + attempt)),
			RunID:        "run-1",
			StepNumber:   1,
			RetryCount:   attempt,
			RequestUser:  "step 1 prompt",
			Success:      attempt == 2,
			ErrorMessage: "timeout",
			LatencyMs:    int64(1000 + attempt),
			CreatedAt:    time.Now().UnixMilli(),
		})
		if err != nil {
			t.Fatalf("CreateAIInteraction: %v", err)
		}
	}

	rows, err := store.ListAIInteractions("run-1")
	if err != nil {
		t.Fatalf("ListAIInteractions: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i, row := range rows {
		if row.RetryCount != i {
			t.Errorf("row %d retry count = %d", i, row.RetryCount)
		}
	}
	if !rows[2].Success {
		t.Error("final attempt should be marked successful")
	}
}

func TestRunStatsUpsert(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if err := store.SaveRunStats("run-1", `{"total_steps": 1}`); err != nil {
		t.Fatalf("SaveRunStats: %v", err)
	}
	if err := store.SaveRunStats("run-1", `{"total_steps": 2}`); err != nil {
		t.Fatalf("SaveRunStats upsert: %v", err)
	}

	stats, err := store.GetRunStats("run-1")
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats != `{"total_steps": 2}` {
		t.Errorf("stats = %s", stats)
	}

	empty, err := store.GetRunStats("run-unknown")
	if err != nil {
		t.Fatalf("GetRunStats unknown: %v", err)
	}
	if empty != "" {
		t.Errorf("expected empty stats for an unknown run, got %s", empty)
	}
}
