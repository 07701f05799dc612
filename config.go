package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ========================================
// Crawler Configuration
// ========================================

// AIProviderKind selects the model adapter implementation
type AIProviderKind string

const (
	ProviderOpenAI AIProviderKind = "openai" // any OpenAI-compatible endpoint
	ProviderOllama AIProviderKind = "ollama"
	ProviderClaude AIProviderKind = "claude"
)

// AIProviderConfig configures the model adapter
type AIProviderConfig struct {
	Provider       AIProviderKind `json:"provider"`
	Endpoint       string         `json:"endpoint,omitempty"` // for OpenAI-compatible providers
	APIKey         string         `json:"apiKey,omitempty"`
	Model          string         `json:"model"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	MaxTokens      int            `json:"maxTokens"`
	Temperature    float64        `json:"temperature"`
}

// LogSettings is the logging part of the config file
type LogSettings struct {
	Level string `json:"level"` // debug, info, warn, error
	File  bool   `json:"file"`  // also write a rotating file under dataDir/logs
}

// Config is the crawler configuration, persisted as JSON in the data dir
type Config struct {
	DataDir string `json:"dataDir"`
	ADBPath string `json:"adbPath,omitempty"` // empty = resolve "adb" from PATH

	// Crawl limits
	MaxCrawlSteps           int `json:"maxCrawlSteps"`
	MaxCrawlDurationSeconds int `json:"maxCrawlDurationSeconds"`

	// Screen deduplication
	ScreenSimilarityThreshold int  `json:"screenSimilarityThreshold"` // max Hamming distance to match
	UsePerceptualHashing      bool `json:"usePerceptualHashing"`      // false = exact hash lookup only
	StuckThreshold            int  `json:"stuckThreshold"`            // run-visit count that flags a stuck crawl

	// AI interaction
	AIRetryCount        int `json:"aiRetryCount"`        // extra attempts after the first
	AIRequestsPerMinute int `json:"aiRequestsPerMinute"` // 0 = unthrottled
	AIImageMaxWidth     int `json:"aiImageMaxWidth"`     // screenshots wider than this are downscaled

	AI  AIProviderConfig `json:"ai"`
	Log LogSettings      `json:"log"`

	mu sync.RWMutex `json:"-"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:                   filepath.Join(home, ".mobile-crawler"),
		MaxCrawlSteps:             50,
		MaxCrawlDurationSeconds:   1800,
		ScreenSimilarityThreshold: 12,
		UsePerceptualHashing:      true,
		StuckThreshold:            3,
		AIRetryCount:              2,
		AIRequestsPerMinute:       0,
		AIImageMaxWidth:           768,
		AI: AIProviderConfig{
			Provider:       ProviderOpenAI,
			Endpoint:       "http://localhost:11434/v1",
			TimeoutSeconds: 180,
			MaxTokens:      4096,
			Temperature:    0.2,
		},
		Log: LogSettings{Level: "info", File: true},
	}
}

// ConfigPath returns the config file location inside the data dir
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// LoadConfig reads the config file at path. A missing file yields the
// defaults; fields absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config as indented JSON, creating the data dir if needed
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the crawl loop cannot run with
func (c *Config) Validate() error {
	if c.MaxCrawlSteps <= 0 {
		return fmt.Errorf("maxCrawlSteps must be positive, got %d", c.MaxCrawlSteps)
	}
	if c.MaxCrawlDurationSeconds <= 0 {
		return fmt.Errorf("maxCrawlDurationSeconds must be positive, got %d", c.MaxCrawlDurationSeconds)
	}
	if c.ScreenSimilarityThreshold < 0 || c.ScreenSimilarityThreshold > 64 {
		return fmt.Errorf("screenSimilarityThreshold must be 0..64, got %d", c.ScreenSimilarityThreshold)
	}
	if c.StuckThreshold < 1 {
		return fmt.Errorf("stuckThreshold must be at least 1, got %d", c.StuckThreshold)
	}
	if c.AIRetryCount < 0 {
		return fmt.Errorf("aiRetryCount must not be negative, got %d", c.AIRetryCount)
	}
	switch c.AI.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderClaude:
	default:
		return fmt.Errorf("unknown AI provider %q", c.AI.Provider)
	}
	return nil
}

// CrawlLimits returns the limit fields under the read lock. The crawl
// loop re-reads them every step so hot reloads take effect mid-run.
func (c *Config) CrawlLimits() (maxSteps, maxDurationSeconds, stuckThreshold int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxCrawlSteps, c.MaxCrawlDurationSeconds, c.StuckThreshold
}

// Apply copies the reloadable fields from a freshly loaded config. Provider
// and storage settings need a restart and are left untouched.
func (c *Config) Apply(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.MaxCrawlSteps = next.MaxCrawlSteps
	c.MaxCrawlDurationSeconds = next.MaxCrawlDurationSeconds
	c.ScreenSimilarityThreshold = next.ScreenSimilarityThreshold
	c.UsePerceptualHashing = next.UsePerceptualHashing
	c.StuckThreshold = next.StuckThreshold
	c.AIRetryCount = next.AIRetryCount
	c.AIRequestsPerMinute = next.AIRequestsPerMinute
	c.AIImageMaxWidth = next.AIImageMaxWidth
}
