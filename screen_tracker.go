package main

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"

	"mobile-crawler/pkg/types"
)

// ========================================
// ScreenTracker - screen dedup + stuck detection
// ========================================

// ErrNoActiveRun is returned when ProcessScreen is called outside a run.
// That is a caller bug, not a recoverable runtime condition.
var ErrNoActiveRun = errors.New("screen tracker: no active run, call StartRun first")

// ScreenStore is the persistence the tracker needs. The backing table is
// shared across runs, which is what makes cross-run screen recognition work;
// hash uniqueness is enforced by the store, not the tracker.
type ScreenStore interface {
	GetScreenByHash(hash string) (*types.Screen, error)
	ListScreens() ([]types.Screen, error)
	CreateScreen(screen *types.Screen) error
	IncrementScreenVisit(id string) error
	CountScreens() (int, error)
}

// TrackerSettings are the knobs the tracker reads from config
type TrackerSettings struct {
	SimilarityThreshold  int  // max Hamming distance to treat two frames as the same screen
	UsePerceptualHashing bool // false = exact hash lookup only
}

type transitionKey struct {
	from, to, action string
}

type edgeKey struct {
	from, to string
}

// ScreenTracker classifies captured frames as known or novel screens and
// keeps per-run visit and transition bookkeeping. One instance per run
// session; the backing ScreenStore persists across runs.
type ScreenTracker struct {
	store    ScreenStore
	settings TrackerSettings

	mu             sync.Mutex
	runID          string
	active         bool
	visitCounts    map[string]int // run-scoped visits per screen
	visitedThisRun map[string]bool
	transitions    map[transitionKey]struct{}
	edges          map[edgeKey]struct{}

	lastScreenID    string
	currentScreenID string
	lastActionType  string

	mostVisitedID    string
	mostVisitedCount int
}

// NewScreenTracker creates a tracker over the shared screen store
func NewScreenTracker(store ScreenStore, settings TrackerSettings) *ScreenTracker {
	return &ScreenTracker{store: store, settings: settings}
}

// StartRun resets all per-run state. Must be called before ProcessScreen.
func (t *ScreenTracker) StartRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runID = runID
	t.active = true
	t.visitCounts = make(map[string]int)
	t.visitedThisRun = make(map[string]bool)
	t.transitions = make(map[transitionKey]struct{})
	t.edges = make(map[edgeKey]struct{})
	t.lastScreenID = ""
	t.currentScreenID = ""
	t.lastActionType = ""
	t.mostVisitedID = ""
	t.mostVisitedCount = 0
}

// EndRun clears per-run state. Persisted Screen records are untouched.
func (t *ScreenTracker) EndRun() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	t.runID = ""
}

// NoteAction records the kind of the last successfully executed action so
// the next ProcessScreen can attribute the screen transition to it.
func (t *ScreenTracker) NoteAction(actionType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActionType = actionType
}

// ProcessScreen hashes a captured frame and classifies it. A frame within
// the similarity threshold of a stored screen reuses that screen; anything
// else becomes a new Screen row. IsNew is run-scoped: a screen discovered in
// an earlier run is still "new" the first time this run reaches it.
func (t *ScreenTracker) ProcessScreen(img image.Image, stepNumber int, screenshotPath, activityName string) (*types.ScreenState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, ErrNoActiveRun
	}

	hash := ScreenHash(img)

	screen, err := t.findMatch(hash)
	if err != nil {
		return nil, err
	}

	isNew := false
	if screen == nil {
		screen = &types.Screen{
			ID:             uuid.New().String(),
			CompositeHash:  hash,
			VisualHash:     hash,
			ScreenshotPath: screenshotPath,
			ActivityName:   activityName,
			FirstSeenRunID: t.runID,
			FirstSeenStep:  stepNumber,
		}
		if err := t.store.CreateScreen(screen); err != nil {
			return nil, fmt.Errorf("failed to persist new screen: %w", err)
		}
		isNew = true
		LogDebug("screen_tracker").
			Str("screenId", screen.ID).
			Str("hash", hash).
			Int("step", stepNumber).
			Msg("Discovered new screen")
	} else {
		isNew = !t.visitedThisRun[screen.ID]
	}

	t.visitCounts[screen.ID]++
	t.visitedThisRun[screen.ID] = true
	if err := t.store.IncrementScreenVisit(screen.ID); err != nil {
		return nil, fmt.Errorf("failed to update screen visit count: %w", err)
	}

	if t.visitCounts[screen.ID] > t.mostVisitedCount {
		t.mostVisitedCount = t.visitCounts[screen.ID]
		t.mostVisitedID = screen.ID
	}

	// Transition bookkeeping; self-loops are not transitions
	t.lastScreenID = t.currentScreenID
	t.currentScreenID = screen.ID
	if t.lastScreenID != "" && t.lastScreenID != screen.ID {
		t.transitions[transitionKey{t.lastScreenID, screen.ID, t.lastActionType}] = struct{}{}
		t.edges[edgeKey{t.lastScreenID, screen.ID}] = struct{}{}
	}

	total, err := t.store.CountScreens()
	if err != nil {
		return nil, fmt.Errorf("failed to count screens: %w", err)
	}

	return &types.ScreenState{
		ScreenID:     screen.ID,
		IsNew:        isNew,
		VisitCount:   t.visitCounts[screen.ID],
		TotalScreens: total,
	}, nil
}

// findMatch looks for a stored screen matching the hash: exact first, then
// nearest neighbour within the threshold when perceptual matching is on.
func (t *ScreenTracker) findMatch(hash string) (*types.Screen, error) {
	screen, err := t.store.GetScreenByHash(hash)
	if err != nil {
		return nil, fmt.Errorf("screen lookup failed: %w", err)
	}
	if screen != nil || !t.settings.UsePerceptualHashing {
		return screen, nil
	}

	screens, err := t.store.ListScreens()
	if err != nil {
		return nil, fmt.Errorf("screen scan failed: %w", err)
	}

	best := -1
	bestDist := t.settings.SimilarityThreshold + 1
	for i := range screens {
		d := HammingDistance(hash, screens[i].CompositeHash)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}

	LogDebug("screen_tracker").
		Str("screenId", screens[best].ID).
		Int("distance", bestDist).
		Msg("Matched screen within similarity threshold")
	matched := screens[best]
	return &matched, nil
}

// IsStuck reports whether the current screen's run-visit count has reached
// the threshold, with a human-readable reason when it has.
func (t *ScreenTracker) IsStuck(threshold int) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.currentScreenID == "" {
		return false, ""
	}

	visits := t.visitCounts[t.currentScreenID]
	if visits >= threshold {
		return true, fmt.Sprintf("screen %s visited %d times this run", t.currentScreenID, visits)
	}
	return false, ""
}

// CurrentScreenID returns the screen of the most recently processed frame
func (t *ScreenTracker) CurrentScreenID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentScreenID
}

// UniqueScreens returns how many distinct screens this run has visited
func (t *ScreenTracker) UniqueScreens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitedThisRun)
}

// UniqueTransitions returns the number of distinct (from, to, action) triples
func (t *ScreenTracker) UniqueTransitions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.transitions)
}

// UniqueEdges returns the number of distinct (from, to) graph edges
func (t *ScreenTracker) UniqueEdges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.edges)
}

// RunStats summarizes the current run's screen bookkeeping
func (t *ScreenTracker) RunStats() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	totalVisits := 0
	for _, n := range t.visitCounts {
		totalVisits += n
	}

	return map[string]any{
		"run_id":         t.runID,
		"unique_screens": len(t.visitedThisRun),
		"total_visits":   totalVisits,
	}
}
