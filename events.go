package main

import (
	"sync"
)

// ========================================
// Crawl Events
// ========================================

// CrawlerEventListener receives lifecycle events from a crawl run.
// Callbacks are invoked synchronously from the crawl goroutine; a
// listener that panics is logged and dropped for that event, the run
// itself is never aborted by a listener.
type CrawlerEventListener interface {
	OnCrawlStarted(runID string)
	OnStateChanged(old, new CrawlState)
	OnStepStarted(runID string, step int)
	OnScreenshotCaptured(runID string, step int, path string)
	OnActionExecuted(runID string, step int, action AIAction, result ActionResult)
	OnStepCompleted(runID string, step int, success bool)
	OnCrawlCompleted(runID string, reason string)
	OnError(runID string, err error)
}

// AIEventListener receives events around each model request
type AIEventListener interface {
	OnAIRequest(runID string, step int, attempt int, userPrompt string)
	OnAIResponse(runID string, step int, attempt int, resp *AIResponse, err error)
}

// EventNotifier fans crawl and AI events out to registered listeners
type EventNotifier struct {
	mu          sync.RWMutex
	listeners   []CrawlerEventListener
	aiListeners []AIEventListener
}

// NewEventNotifier creates an empty notifier
func NewEventNotifier() *EventNotifier {
	return &EventNotifier{}
}

// AddListener registers a crawl event listener
func (n *EventNotifier) AddListener(l CrawlerEventListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// AddAIListener registers an AI event listener
func (n *EventNotifier) AddAIListener(l AIEventListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aiListeners = append(n.aiListeners, l)
}

// notify runs fn for each listener, recovering from panics so a bad
// listener cannot take the crawl down with it
func (n *EventNotifier) notify(event string, fn func(CrawlerEventListener)) {
	n.mu.RLock()
	listeners := make([]CrawlerEventListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					LogWarn("events").
						Str("event", event).
						Interface("panic", r).
						Msg("Event listener panicked, dropping event for this listener")
				}
			}()
			fn(l)
		}()
	}
}

func (n *EventNotifier) notifyAI(event string, fn func(AIEventListener)) {
	n.mu.RLock()
	listeners := make([]AIEventListener, len(n.aiListeners))
	copy(listeners, n.aiListeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					LogWarn("events").
						Str("event", event).
						Interface("panic", r).
						Msg("AI event listener panicked, dropping event for this listener")
				}
			}()
			fn(l)
		}()
	}
}

func (n *EventNotifier) CrawlStarted(runID string) {
	n.notify("crawl_started", func(l CrawlerEventListener) { l.OnCrawlStarted(runID) })
}

func (n *EventNotifier) StateChanged(old, new CrawlState) {
	n.notify("state_changed", func(l CrawlerEventListener) { l.OnStateChanged(old, new) })
}

func (n *EventNotifier) StepStarted(runID string, step int) {
	n.notify("step_started", func(l CrawlerEventListener) { l.OnStepStarted(runID, step) })
}

func (n *EventNotifier) ScreenshotCaptured(runID string, step int, path string) {
	n.notify("screenshot_captured", func(l CrawlerEventListener) { l.OnScreenshotCaptured(runID, step, path) })
}

func (n *EventNotifier) ActionExecuted(runID string, step int, action AIAction, result ActionResult) {
	n.notify("action_executed", func(l CrawlerEventListener) { l.OnActionExecuted(runID, step, action, result) })
}

func (n *EventNotifier) StepCompleted(runID string, step int, success bool) {
	n.notify("step_completed", func(l CrawlerEventListener) { l.OnStepCompleted(runID, step, success) })
}

func (n *EventNotifier) CrawlCompleted(runID string, reason string) {
	n.notify("crawl_completed", func(l CrawlerEventListener) { l.OnCrawlCompleted(runID, reason) })
}

func (n *EventNotifier) Error(runID string, err error) {
	n.notify("error", func(l CrawlerEventListener) { l.OnError(runID, err) })
}

func (n *EventNotifier) AIRequest(runID string, step, attempt int, userPrompt string) {
	n.notifyAI("ai_request", func(l AIEventListener) { l.OnAIRequest(runID, step, attempt, userPrompt) })
}

func (n *EventNotifier) AIResponse(runID string, step, attempt int, resp *AIResponse, err error) {
	n.notifyAI("ai_response", func(l AIEventListener) { l.OnAIResponse(runID, step, attempt, resp, err) })
}
