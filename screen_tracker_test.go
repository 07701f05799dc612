package main

import (
	"errors"
	"testing"

	"mobile-crawler/pkg/types"
)

// memScreenStore is an in-memory ScreenStore for tracker tests
type memScreenStore struct {
	screens []types.Screen
}

func (m *memScreenStore) GetScreenByHash(hash string) (*types.Screen, error) {
	for i := range m.screens {
		if m.screens[i].CompositeHash == hash {
			sc := m.screens[i]
			return &sc, nil
		}
	}
	return nil, nil
}

func (m *memScreenStore) ListScreens() ([]types.Screen, error) {
	out := make([]types.Screen, len(m.screens))
	copy(out, m.screens)
	return out, nil
}

func (m *memScreenStore) CreateScreen(screen *types.Screen) error {
	m.screens = append(m.screens, *screen)
	return nil
}

func (m *memScreenStore) IncrementScreenVisit(id string) error {
	for i := range m.screens {
		if m.screens[i].ID == id {
			m.screens[i].VisitCount++
			return nil
		}
	}
	return nil
}

func (m *memScreenStore) CountScreens() (int, error) {
	return len(m.screens), nil
}

func setupTracker(t *testing.T) (*ScreenTracker, *memScreenStore) {
	t.Helper()
	store := &memScreenStore{}
	tracker := NewScreenTracker(store, TrackerSettings{
		SimilarityThreshold:  12,
		UsePerceptualHashing: true,
	})
	return tracker, store
}

func TestProcessScreenRequiresActiveRun(t *testing.T) {
	tracker, _ := setupTracker(t)

	_, err := tracker.ProcessScreen(horizontalGradient(1080, 1920), 1, "s.png", "")
	if !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("expected ErrNoActiveRun, got %v", err)
	}
}

func TestProcessScreenNovelty(t *testing.T) {
	tracker, store := setupTracker(t)
	tracker.StartRun("run-a")

	img := horizontalGradient(1080, 1920)

	first, err := tracker.ProcessScreen(img, 1, "step_0001.png", "com.example/.Main")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	if !first.IsNew {
		t.Error("first visit should be new")
	}
	if first.VisitCount != 1 {
		t.Errorf("first visit count = %d, want 1", first.VisitCount)
	}
	if first.TotalScreens != 1 {
		t.Errorf("total screens = %d, want 1", first.TotalScreens)
	}

	second, err := tracker.ProcessScreen(img, 2, "step_0002.png", "com.example/.Main")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	if second.IsNew {
		t.Error("revisit should not be new")
	}
	if second.VisitCount != 2 {
		t.Errorf("revisit count = %d, want 2", second.VisitCount)
	}
	if second.ScreenID != first.ScreenID {
		t.Errorf("same frame mapped to different screens: %s vs %s", first.ScreenID, second.ScreenID)
	}

	if len(store.screens) != 1 {
		t.Errorf("store holds %d screens, want 1", len(store.screens))
	}
	if store.screens[0].VisitCount != 2 {
		t.Errorf("persisted visit count = %d, want 2", store.screens[0].VisitCount)
	}
}

func TestProcessScreenNoveltyIsRunScoped(t *testing.T) {
	tracker, _ := setupTracker(t)
	img := verticalGradient(1080, 1920)

	tracker.StartRun("run-a")
	a, err := tracker.ProcessScreen(img, 1, "a.png", "")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	tracker.EndRun()

	tracker.StartRun("run-b")
	b, err := tracker.ProcessScreen(img, 1, "b.png", "")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}

	if b.ScreenID != a.ScreenID {
		t.Errorf("screen identity should persist across runs: %s vs %s", a.ScreenID, b.ScreenID)
	}
	if !b.IsNew {
		t.Error("a screen from an earlier run is still new to this run")
	}
	if b.VisitCount != 1 {
		t.Errorf("run-scoped visit count = %d, want 1", b.VisitCount)
	}
}

func TestDistinctLayoutsBecomeDistinctScreens(t *testing.T) {
	tracker, _ := setupTracker(t)
	tracker.StartRun("run-a")

	a, err := tracker.ProcessScreen(horizontalGradient(1080, 1920), 1, "a.png", "")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	b, err := tracker.ProcessScreen(verticalGradient(1080, 1920), 2, "b.png", "")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}

	if a.ScreenID == b.ScreenID {
		t.Error("clearly different layouts should not collapse into one screen")
	}
	if b.TotalScreens != 2 {
		t.Errorf("total screens = %d, want 2", b.TotalScreens)
	}
}

func TestStatusBarChangeMatchesSameScreen(t *testing.T) {
	tracker, _ := setupTracker(t)
	tracker.StartRun("run-a")

	base := horizontalGradient(1080, 1920)
	a, err := tracker.ProcessScreen(withTopBand(base, 80, 0), 1, "a.png", "")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	b, err := tracker.ProcessScreen(withTopBand(base, 80, 255), 2, "b.png", "")
	if err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}

	if a.ScreenID != b.ScreenID {
		t.Error("a status bar change should not create a new screen")
	}
}

func TestIsStuck(t *testing.T) {
	tracker, _ := setupTracker(t)
	tracker.StartRun("run-a")

	img := horizontalGradient(1080, 1920)
	threshold := 3

	for i := 1; i <= threshold; i++ {
		if _, err := tracker.ProcessScreen(img, i, "s.png", ""); err != nil {
			t.Fatalf("ProcessScreen: %v", err)
		}
		stuck, reason := tracker.IsStuck(threshold)
		if i < threshold && stuck {
			t.Errorf("stuck after %d visits, threshold is %d", i, threshold)
		}
		if i == threshold {
			if !stuck {
				t.Errorf("not stuck after %d visits at threshold %d", i, threshold)
			}
			if reason == "" {
				t.Error("stuck detection should carry a reason")
			}
		}
	}
}

func TestTransitions(t *testing.T) {
	tracker, _ := setupTracker(t)
	tracker.StartRun("run-a")

	a := horizontalGradient(1080, 1920)
	b := verticalGradient(1080, 1920)

	if _, err := tracker.ProcessScreen(a, 1, "a.png", ""); err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	tracker.NoteAction("click")
	if _, err := tracker.ProcessScreen(b, 2, "b.png", ""); err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	tracker.NoteAction("back")
	if _, err := tracker.ProcessScreen(a, 3, "a2.png", ""); err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}
	// Self-loop: same screen again, no transition
	if _, err := tracker.ProcessScreen(a, 4, "a3.png", ""); err != nil {
		t.Fatalf("ProcessScreen: %v", err)
	}

	if got := tracker.UniqueTransitions(); got != 2 {
		t.Errorf("unique transitions = %d, want 2", got)
	}
	if got := tracker.UniqueEdges(); got != 2 {
		t.Errorf("unique edges = %d, want 2", got)
	}
}
