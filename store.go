package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mobile-crawler/pkg/types"
)

// ========================================
// Crawl Store - SQLite persistence
// ========================================

const crawlSchemaSQL = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	app_package TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	ai_provider TEXT NOT NULL DEFAULT '',
	ai_model TEXT NOT NULL DEFAULT '',
	total_steps INTEGER NOT NULL DEFAULT 0,
	unique_screens INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs(start_time DESC);

CREATE TABLE IF NOT EXISTS screens (
	id TEXT PRIMARY KEY,
	composite_hash TEXT NOT NULL UNIQUE,
	visual_hash TEXT NOT NULL,
	screenshot_path TEXT NOT NULL DEFAULT '',
	activity_name TEXT NOT NULL DEFAULT '',
	first_seen_run_id TEXT NOT NULL,
	first_seen_step INTEGER NOT NULL,
	visit_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_screens_composite_hash ON screens(composite_hash);

CREATE TABLE IF NOT EXISTS step_logs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	action_index INTEGER NOT NULL,
	action_type TEXT NOT NULL,
	action_desc TEXT NOT NULL DEFAULT '',
	bounds TEXT NOT NULL DEFAULT '',
	input_text TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	screen_id TEXT NOT NULL DEFAULT '',
	screenshot_path TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_logs_run ON step_logs(run_id, step_number);

CREATE TABLE IF NOT EXISTS ai_interactions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	retry_count INTEGER NOT NULL,
	request_system TEXT NOT NULL DEFAULT '',
	request_user TEXT NOT NULL DEFAULT '',
	raw_response TEXT NOT NULL DEFAULT '',
	parsed_response TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_interactions_run ON ai_interactions(run_id, step_number);

CREATE TABLE IF NOT EXISTS run_stats (
	run_id TEXT PRIMARY KEY,
	stats TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);
`

// CrawlStore persists runs, screens, step logs, model interactions and
// run stats in a single SQLite database under the data dir.
type CrawlStore struct {
	db *sql.DB

	insertStepStmt  *sql.Stmt
	insertAIStmt    *sql.Stmt
	incrementVisit  *sql.Stmt
	getScreenByHash *sql.Stmt
}

// NewCrawlStore opens (creating if needed) the crawl database. Runs
// still marked RUNNING from a previous process are flagged INTERRUPTED.
func NewCrawlStore(dataDir string) (*CrawlStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crawler.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(crawlSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &CrawlStore{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}

	if n, err := s.MarkInterruptedRuns(); err != nil {
		LogWarn("store").Err(err).Msg("Failed to flag stale runs")
	} else if n > 0 {
		LogInfo("store").Int64("count", n).Msg("Flagged stale runs as interrupted")
	}

	LogInfo("store").Str("path", dbPath).Msg("Crawl store opened")
	return s, nil
}

func (s *CrawlStore) prepareStatements() error {
	var err error

	s.insertStepStmt, err = s.db.Prepare(`
		INSERT INTO step_logs (id, run_id, step_number, action_index, action_type, action_desc,
			bounds, input_text, success, error_message, duration_ms, screen_id, screenshot_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}

	s.insertAIStmt, err = s.db.Prepare(`
		INSERT INTO ai_interactions (id, run_id, step_number, retry_count, request_system, request_user,
			raw_response, parsed_response, input_tokens, output_tokens, latency_ms, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare interaction insert: %w", err)
	}

	s.incrementVisit, err = s.db.Prepare(`UPDATE screens SET visit_count = visit_count + 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare visit update: %w", err)
	}

	s.getScreenByHash, err = s.db.Prepare(`
		SELECT id, composite_hash, visual_hash, screenshot_path, activity_name,
			first_seen_run_id, first_seen_step, visit_count
		FROM screens WHERE composite_hash = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare screen lookup: %w", err)
	}

	return nil
}

// Close releases the database handle
func (s *CrawlStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.insertStepStmt, s.insertAIStmt, s.incrementVisit, s.getScreenByHash} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// ========================================
// Runs
// ========================================

// CreateRun inserts a new run record
func (s *CrawlStore) CreateRun(run *types.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, device_id, app_package, start_time, end_time, status,
			ai_provider, ai_model, total_steps, unique_screens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DeviceID, run.AppPackage, run.StartTime, run.EndTime, string(run.Status),
		run.AIProvider, run.AIModel, run.TotalSteps, run.UniqueScreens)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun fetches one run by ID
func (s *CrawlStore) GetRun(id string) (*types.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, app_package, start_time, end_time, status,
			ai_provider, ai_model, total_steps, unique_screens
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first
func (s *CrawlStore) ListRuns(limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, device_id, app_package, start_time, end_time, status,
			ai_provider, ai_model, total_steps, unique_screens
		FROM runs ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		var r types.Run
		var status string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.AppPackage, &r.StartTime, &r.EndTime, &status,
			&r.AIProvider, &r.AIModel, &r.TotalSteps, &r.UniqueScreens); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = types.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunCompletion finalizes a run record
func (s *CrawlStore) UpdateRunCompletion(id string, status types.RunStatus, endTime int64, totalSteps, uniqueScreens int) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, end_time = ?, total_steps = ?, unique_screens = ?
		WHERE id = ?`,
		string(status), endTime, totalSteps, uniqueScreens, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// MarkInterruptedRuns flags runs left in RUNNING by a crashed process
func (s *CrawlStore) MarkInterruptedRuns() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, end_time = ?
		WHERE status = ?`,
		string(types.RunStatusInterrupted), time.Now().UnixMilli(), string(types.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to flag interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(row *sql.Row) (*types.Run, error) {
	var r types.Run
	var status string
	err := row.Scan(&r.ID, &r.DeviceID, &r.AppPackage, &r.StartTime, &r.EndTime, &status,
		&r.AIProvider, &r.AIModel, &r.TotalSteps, &r.UniqueScreens)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Status = types.RunStatus(status)
	return &r, nil
}

// ========================================
// Screens
// ========================================

// CreateScreen inserts a newly discovered screen
func (s *CrawlStore) CreateScreen(screen *types.Screen) error {
	_, err := s.db.Exec(`
		INSERT INTO screens (id, composite_hash, visual_hash, screenshot_path, activity_name,
			first_seen_run_id, first_seen_step, visit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		screen.ID, screen.CompositeHash, screen.VisualHash, screen.ScreenshotPath, screen.ActivityName,
		screen.FirstSeenRunID, screen.FirstSeenStep, screen.VisitCount)
	if err != nil {
		return fmt.Errorf("failed to create screen: %w", err)
	}
	return nil
}

// GetScreenByHash looks up a screen by composite hash. Returns
// (nil, nil) when no row matches.
func (s *CrawlStore) GetScreenByHash(hash string) (*types.Screen, error) {
	var sc types.Screen
	err := s.getScreenByHash.QueryRow(hash).Scan(&sc.ID, &sc.CompositeHash, &sc.VisualHash,
		&sc.ScreenshotPath, &sc.ActivityName, &sc.FirstSeenRunID, &sc.FirstSeenStep, &sc.VisitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up screen: %w", err)
	}
	return &sc, nil
}

// ListScreens returns every known screen
func (s *CrawlStore) ListScreens() ([]types.Screen, error) {
	rows, err := s.db.Query(`
		SELECT id, composite_hash, visual_hash, screenshot_path, activity_name,
			first_seen_run_id, first_seen_step, visit_count
		FROM screens`)
	if err != nil {
		return nil, fmt.Errorf("failed to list screens: %w", err)
	}
	defer rows.Close()

	var screens []types.Screen
	for rows.Next() {
		var sc types.Screen
		if err := rows.Scan(&sc.ID, &sc.CompositeHash, &sc.VisualHash, &sc.ScreenshotPath,
			&sc.ActivityName, &sc.FirstSeenRunID, &sc.FirstSeenStep, &sc.VisitCount); err != nil {
			return nil, fmt.Errorf("failed to scan screen: %w", err)
		}
		screens = append(screens, sc)
	}
	return screens, rows.Err()
}

// IncrementScreenVisit bumps a screen's global visit counter
func (s *CrawlStore) IncrementScreenVisit(id string) error {
	_, err := s.incrementVisit.Exec(id)
	if err != nil {
		return fmt.Errorf("failed to increment screen visit: %w", err)
	}
	return nil
}

// CountScreens returns the number of discovered screens
func (s *CrawlStore) CountScreens() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM screens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count screens: %w", err)
	}
	return n, nil
}

// ========================================
// Step Logs
// ========================================

// CreateStepLog inserts one executed-action record
func (s *CrawlStore) CreateStepLog(log *types.StepLog) error {
	_, err := s.insertStepStmt.Exec(log.ID, log.RunID, log.StepNumber, log.ActionIndex,
		log.ActionType, log.ActionDesc, log.Bounds, log.InputText,
		boolToInt(log.Success), log.ErrorMessage, log.DurationMs,
		log.ScreenID, log.ScreenshotPath, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create step log: %w", err)
	}
	return nil
}

// ListStepLogs returns a run's executed actions in order
func (s *CrawlStore) ListStepLogs(runID string) ([]types.StepLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, step_number, action_index, action_type, action_desc,
			bounds, input_text, success, error_message, duration_ms, screen_id, screenshot_path, created_at
		FROM step_logs WHERE run_id = ? ORDER BY step_number, action_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step logs: %w", err)
	}
	defer rows.Close()

	var logs []types.StepLog
	for rows.Next() {
		var l types.StepLog
		var success int
		if err := rows.Scan(&l.ID, &l.RunID, &l.StepNumber, &l.ActionIndex, &l.ActionType, &l.ActionDesc,
			&l.Bounds, &l.InputText, &success, &l.ErrorMessage, &l.DurationMs,
			&l.ScreenID, &l.ScreenshotPath, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step log: %w", err)
		}
		l.Success = success != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ========================================
// AI Interactions
// ========================================

// CreateAIInteraction inserts one model-attempt audit row
func (s *CrawlStore) CreateAIInteraction(in *types.AIInteraction) error {
	_, err := s.insertAIStmt.Exec(in.ID, in.RunID, in.StepNumber, in.RetryCount,
		in.RequestSystem, in.RequestUser, in.RawResponse, in.ParsedResponse,
		in.InputTokens, in.OutputTokens, in.LatencyMs,
		boolToInt(in.Success), in.ErrorMessage, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create interaction: %w", err)
	}
	return nil
}

// ListAIInteractions returns a run's model attempts in order
func (s *CrawlStore) ListAIInteractions(runID string) ([]types.AIInteraction, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, step_number, retry_count, request_system, request_user,
			raw_response, parsed_response, input_tokens, output_tokens, latency_ms,
			success, error_message, created_at
		FROM ai_interactions WHERE run_id = ? ORDER BY step_number, retry_count`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var interactions []types.AIInteraction
	for rows.Next() {
		var in types.AIInteraction
		var success int
		if err := rows.Scan(&in.ID, &in.RunID, &in.StepNumber, &in.RetryCount,
			&in.RequestSystem, &in.RequestUser, &in.RawResponse, &in.ParsedResponse,
			&in.InputTokens, &in.OutputTokens, &in.LatencyMs,
			&success, &in.ErrorMessage, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		in.Success = success != 0
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// ========================================
// Run Stats
// ========================================

// SaveRunStats upserts the serialized stats for a run
func (s *CrawlStore) SaveRunStats(runID string, statsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO run_stats (run_id, stats, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET stats = excluded.stats, saved_at = excluded.saved_at`,
		runID, statsJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save run stats: %w", err)
	}
	return nil
}

// GetRunStats returns the serialized stats for a run, or "" when none
// were saved
func (s *CrawlStore) GetRunStats(runID string) (string, error) {
	var stats string
	err := s.db.QueryRow(`SELECT stats FROM run_stats WHERE run_id = ?`, runID).Scan(&stats)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get run stats: %w", err)
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
