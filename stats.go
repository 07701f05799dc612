package main

import (
	"encoding/json"
	"sync"
	"time"
)

// ========================================
// Runtime Stats
// ========================================

// RuntimeStats is a snapshot of crawl session counters. Averages and
// extrema are pointers so an untouched metric serializes as null
// instead of a misleading zero.
type RuntimeStats struct {
	RunID           string  `json:"run_id"`
	SessionStartMs  int64   `json:"session_start_ms"`
	SessionEndMs    int64   `json:"session_end_ms"`
	DurationSeconds float64 `json:"duration_seconds"`

	TotalSteps      int `json:"total_steps"`
	SuccessfulSteps int `json:"successful_steps"`
	FailedSteps     int `json:"failed_steps"`

	UniqueScreens     int     `json:"unique_screens"`
	TotalScreenVisits int     `json:"total_screen_visits"`
	UniqueTransitions int     `json:"unique_transitions"`
	ScreensPerMinute  float64 `json:"screens_per_minute"`

	ActionCounts      map[string]int `json:"action_counts"`
	SuccessfulActions int            `json:"successful_actions"`
	FailedActions     int            `json:"failed_actions"`
	AvgActionMs       *float64       `json:"avg_action_ms"`

	AICalls        int      `json:"ai_calls"`
	AISuccesses    int      `json:"ai_successes"`
	AIFailures     int      `json:"ai_failures"`
	AITimeouts     int      `json:"ai_timeouts"`
	AIRetries      int      `json:"ai_retries"`
	AITotalTokens  int      `json:"ai_total_tokens"`
	AIAvgLatencyMs *float64 `json:"ai_avg_latency_ms"`
	AIMinLatencyMs *float64 `json:"ai_min_latency_ms"`
	AIMaxLatencyMs *float64 `json:"ai_max_latency_ms"`

	Batches          int      `json:"batches"`
	AvgBatchSize     *float64 `json:"avg_batch_size"`
	BatchSuccessRate *float64 `json:"batch_success_rate"`

	StuckEvents    int `json:"stuck_events"`
	RecoveryEvents int `json:"recovery_events"`
}

// StatsStore persists finalized session stats
type StatsStore interface {
	SaveRunStats(runID string, statsJSON string) error
}

// RuntimeStatsCollector accumulates crawl metrics for a single session.
// All methods are safe on a nil receiver so instrumented code paths
// need no guards.
type RuntimeStatsCollector struct {
	mu    sync.Mutex
	stats RuntimeStats
	store StatsStore

	started bool
	ended   bool

	successfulBatches int
}

// NewRuntimeStatsCollector creates a collector. store may be nil, in
// which case Save is a no-op returning false.
func NewRuntimeStatsCollector(store StatsStore) *RuntimeStatsCollector {
	return &RuntimeStatsCollector{
		store: store,
		stats: RuntimeStats{
			ActionCounts: make(map[string]int),
		},
	}
}

// StartSession marks the session start
func (c *RuntimeStatsCollector) StartSession(runID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.RunID = runID
	c.stats.SessionStartMs = time.Now().UnixMilli()
	c.started = true
	c.ended = false
}

// EndSession marks the session end and computes duration-derived
// metrics. Idempotent.
func (c *RuntimeStatsCollector) EndSession() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSessionLocked()
}

func (c *RuntimeStatsCollector) endSessionLocked() {
	if c.ended || !c.started {
		return
	}
	c.ended = true
	c.stats.SessionEndMs = time.Now().UnixMilli()
	c.stats.DurationSeconds = float64(c.stats.SessionEndMs-c.stats.SessionStartMs) / 1000.0

	if c.stats.DurationSeconds > 0 {
		c.stats.ScreensPerMinute = float64(c.stats.UniqueScreens) / (c.stats.DurationSeconds / 60.0)
	} else {
		c.stats.ScreensPerMinute = 0
	}
}

// RecordStepStart increments the step counter
func (c *RuntimeStatsCollector) RecordStepStart() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalSteps++
}

// RecordStepSuccess marks the current step successful
func (c *RuntimeStatsCollector) RecordStepSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.SuccessfulSteps++
}

// RecordStepFailure marks the current step failed
func (c *RuntimeStatsCollector) RecordStepFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.FailedSteps++
}

// RecordScreenVisit records a processed screen
func (c *RuntimeStatsCollector) RecordScreenVisit(isNew bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalScreenVisits++
	if isNew {
		c.stats.UniqueScreens++
	}
}

// RecordAction records one executed UI action
func (c *RuntimeStatsCollector) RecordAction(actionType string, success bool, durationMs float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.ActionCounts[actionType]++
	if success {
		c.stats.SuccessfulActions++
	} else {
		c.stats.FailedActions++
	}

	n := float64(c.stats.SuccessfulActions + c.stats.FailedActions)
	c.stats.AvgActionMs = updateAverage(c.stats.AvgActionMs, durationMs, n)
}

// RecordAICall records one model attempt
func (c *RuntimeStatsCollector) RecordAICall(responseMs float64, tokens int, success, timeout bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.AICalls++
	c.stats.AITotalTokens += tokens
	if success {
		c.stats.AISuccesses++
	} else {
		c.stats.AIFailures++
	}
	if timeout {
		c.stats.AITimeouts++
	}

	c.stats.AIAvgLatencyMs = updateAverage(c.stats.AIAvgLatencyMs, responseMs, float64(c.stats.AICalls))
	if c.stats.AIMinLatencyMs == nil || responseMs < *c.stats.AIMinLatencyMs {
		v := responseMs
		c.stats.AIMinLatencyMs = &v
	}
	if c.stats.AIMaxLatencyMs == nil || responseMs > *c.stats.AIMaxLatencyMs {
		v := responseMs
		c.stats.AIMaxLatencyMs = &v
	}
}

// RecordAIRetry records one retried model attempt
func (c *RuntimeStatsCollector) RecordAIRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.AIRetries++
}

// RecordBatch records one executed action batch
func (c *RuntimeStatsCollector) RecordBatch(actionCount int, success bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Batches++
	if success {
		c.successfulBatches++
	}

	n := float64(c.stats.Batches)
	c.stats.AvgBatchSize = updateAverage(c.stats.AvgBatchSize, float64(actionCount), n)

	rate := float64(c.successfulBatches) / n
	c.stats.BatchSuccessRate = &rate
}

// RecordStuck records a stuck detection
func (c *RuntimeStatsCollector) RecordStuck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.StuckEvents++
}

// RecordRecovery records leaving a stuck screen
func (c *RuntimeStatsCollector) RecordRecovery() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.RecoveryEvents++
}

// SetUniqueTransitions sets the transition count from the screen tracker
func (c *RuntimeStatsCollector) SetUniqueTransitions(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.UniqueTransitions = n
}

// Snapshot returns a copy of the current stats
func (c *RuntimeStatsCollector) Snapshot() RuntimeStats {
	if c == nil {
		return RuntimeStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.stats
	out.ActionCounts = make(map[string]int, len(c.stats.ActionCounts))
	for k, v := range c.stats.ActionCounts {
		out.ActionCounts[k] = v
	}
	return out
}

// Save ends the session if still open and persists the stats. Returns
// false when there is no store or persistence failed.
func (c *RuntimeStatsCollector) Save() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	c.endSessionLocked()
	runID := c.stats.RunID
	data, err := json.Marshal(c.stats)
	c.mu.Unlock()

	if err != nil {
		LogError("stats").Err(err).Msg("Failed to serialize run stats")
		return false
	}
	if c.store == nil {
		return false
	}
	if err := c.store.SaveRunStats(runID, string(data)); err != nil {
		LogError("stats").Err(err).Str("run_id", runID).Msg("Failed to persist run stats")
		return false
	}
	return true
}

// updateAverage folds x into a running mean where n is the count
// including x
func updateAverage(avg *float64, x, n float64) *float64 {
	if avg == nil || n <= 1 {
		v := x
		return &v
	}
	v := (*avg*(n-1) + x) / n
	return &v
}
