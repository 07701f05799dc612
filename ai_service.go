package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ========================================
// AI Service - provider abstraction
// ========================================

// LLMProvider is the model adapter the crawler plans actions with
type LLMProvider interface {
	// Name returns the provider name
	Name() string

	// Model returns the current model name
	Model() string

	// IsAvailable checks if the provider is reachable
	IsAvailable(ctx context.Context) bool

	// SupportsVision returns whether the current model accepts image input
	SupportsVision() bool

	// Complete sends a completion request
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// ListModels returns available models
	ListModels(ctx context.Context) ([]string, error)
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatMessage represents a chat message
type ChatMessage struct {
	Role    string         `json:"role"` // "system", "user", "assistant"
	Content string         `json:"content"`
	Images  []ImageContent `json:"images,omitempty"` // image content for vision models
}

// ImageContent represents an image in a message
type ImageContent struct {
	Data   string `json:"data"`   // base64 data, no data-URL prefix
	Format string `json:"format"` // "jpeg", "png"
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// NewProviderFromConfig builds the configured model adapter
func NewProviderFromConfig(cfg *Config) (LLMProvider, error) {
	timeout := time.Duration(cfg.AI.TimeoutSeconds) * time.Second

	switch cfg.AI.Provider {
	case ProviderOpenAI, ProviderOllama:
		name := "OpenAI"
		if cfg.AI.Provider == ProviderOllama {
			name = "Ollama"
		}
		return NewOpenAICompatProvider(OpenAICompatConfig{
			Name:     name,
			Endpoint: cfg.AI.Endpoint,
			APIKey:   cfg.AI.APIKey,
			Model:    cfg.AI.Model,
			Timeout:  timeout,
		}), nil
	case ProviderClaude:
		return NewClaudeProvider(ClaudeProviderConfig{
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.AI.Provider)
	}
}

// ========================================
// Model Cache
// ========================================

// ModelCache caches per-provider model lists on disk so `list models` works
// offline. The path is injected; read/write failures degrade to a cache
// miss rather than an error.
type ModelCache struct {
	path string
	mu   sync.Mutex
}

// NewModelCache creates a cache stored at path
func NewModelCache(path string) *ModelCache {
	return &ModelCache{path: path}
}

type modelCacheFile struct {
	Providers map[string]modelCacheEntry `json:"providers"`
}

type modelCacheEntry struct {
	Models    []string `json:"models"`
	FetchedAt int64    `json:"fetchedAt"` // unix ms
}

func (c *ModelCache) load() modelCacheFile {
	file := modelCacheFile{Providers: map[string]modelCacheEntry{}}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return file
	}
	if err := json.Unmarshal(data, &file); err != nil {
		LogDebug("model_cache").Err(err).Msg("Corrupt model cache, treating as empty")
		return modelCacheFile{Providers: map[string]modelCacheEntry{}}
	}
	if file.Providers == nil {
		file.Providers = map[string]modelCacheEntry{}
	}
	return file
}

// Load returns the cached model list for a provider, if present
func (c *ModelCache) Load(provider string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load().Providers[provider]
	if !ok || len(entry.Models) == 0 {
		return nil, false
	}
	return entry.Models, true
}

// Save stores a provider's model list. Failures are logged and ignored.
func (c *ModelCache) Save(provider string, models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file := c.load()
	file.Providers[provider] = modelCacheEntry{
		Models:    models,
		FetchedAt: time.Now().UnixMilli(),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		LogDebug("model_cache").Err(err).Msg("Failed to create cache directory")
		return
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		LogDebug("model_cache").Err(err).Msg("Failed to write model cache")
	}
}

// Invalidate removes the cache file
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	os.Remove(c.path)
}

// ListProviderModels returns models for the configured provider, using the
// cache when the provider cannot be reached.
func ListProviderModels(ctx context.Context, provider LLMProvider, cache *ModelCache) ([]string, error) {
	models, err := provider.ListModels(ctx)
	if err == nil {
		if cache != nil {
			cache.Save(provider.Name(), models)
		}
		return models, nil
	}

	if cache != nil {
		if cached, ok := cache.Load(provider.Name()); ok {
			LogWarn("ai_service").Err(err).Msg("Provider unreachable, serving cached model list")
			return cached, nil
		}
	}
	return nil, err
}
