package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ========================================
// OpenAI Compatible Provider
// ========================================

// OpenAICompatConfig configures the OpenAI-compatible provider
type OpenAICompatConfig struct {
	Name     string        // provider name (e.g. "Ollama", "OpenAI")
	Endpoint string        // API endpoint (e.g. "http://localhost:11434/v1")
	APIKey   string        // optional for local services
	Model    string        // model to use
	Timeout  time.Duration // request timeout
}

// OpenAICompatProvider implements LLMProvider for OpenAI-compatible APIs
type OpenAICompatProvider struct {
	config OpenAICompatConfig
	client *http.Client
}

// NewOpenAICompatProvider creates a new OpenAI-compatible provider
func NewOpenAICompatProvider(config OpenAICompatConfig) *OpenAICompatProvider {
	if config.Timeout == 0 {
		// Vision prompts need generous time on local models
		config.Timeout = 180 * time.Second
	}
	if config.Endpoint == "" {
		config.Endpoint = "http://localhost:11434/v1"
	}

	return &OpenAICompatProvider{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name
func (p *OpenAICompatProvider) Name() string {
	return p.config.Name
}

// Model returns the current model name
func (p *OpenAICompatProvider) Model() string {
	return p.config.Model
}

// SupportsVision returns whether the current model accepts image input,
// checked against known vision-capable model families
func (p *OpenAICompatProvider) SupportsVision() bool {
	model := strings.ToLower(p.config.Model)

	visionModels := []string{
		// OpenAI
		"gpt-4-vision", "gpt-4o", "gpt-4-turbo",
		// Google
		"gemini-pro-vision", "gemini-1.5", "gemini-2",
		// Anthropic via compatible API
		"claude-3", "claude-3.5",
		// Ollama vision models
		"llava", "bakllava", "llava-llama3", "llava-phi3",
		"moondream", "cogvlm", "minicpm-v",
		// Other vision models
		"qwen-vl", "qwen2-vl", "internvl",
	}

	for _, vm := range visionModels {
		if strings.Contains(model, vm) {
			return true
		}
	}

	return false
}

// IsAvailable checks if the provider is reachable
func (p *OpenAICompatProvider) IsAvailable(ctx context.Context) bool {
	modelsURL := strings.TrimSuffix(p.config.Endpoint, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, "GET", modelsURL, nil)
	if err != nil {
		return false
	}

	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// OpenAI API request/response types
type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

type openAIChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []openAIContentPart for vision
}

type openAIContentPart struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends a completion request
func (p *OpenAICompatProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openAIChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.Images) > 0 {
			var parts []openAIContentPart

			if m.Content != "" {
				parts = append(parts, openAIContentPart{
					Type: "text",
					Text: m.Content,
				})
			}

			for _, img := range m.Images {
				format := img.Format
				if format == "" {
					format = "jpeg"
				}
				parts = append(parts, openAIContentPart{
					Type: "image_url",
					ImageURL: &openAIImageURL{
						URL:    fmt.Sprintf("data:image/%s;base64,%s", format, img.Data),
						Detail: "auto",
					},
				})
			}

			messages[i] = openAIChatMessage{Role: m.Role, Content: parts}
		} else {
			messages[i] = openAIChatMessage{Role: m.Role, Content: m.Content}
		}
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	openAIReq := openAIChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	chatURL := strings.TrimSuffix(p.config.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var openAIResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	out := &CompletionResponse{
		ID:           openAIResp.ID,
		Model:        openAIResp.Model,
		Content:      openAIResp.Choices[0].Message.Content,
		FinishReason: openAIResp.Choices[0].FinishReason,
	}
	out.Usage.PromptTokens = openAIResp.Usage.PromptTokens
	out.Usage.CompletionTokens = openAIResp.Usage.CompletionTokens
	out.Usage.TotalTokens = openAIResp.Usage.TotalTokens
	return out, nil
}

// ListModels returns available models
func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]string, error) {
	modelsURL := strings.TrimSuffix(p.config.Endpoint, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, "GET", modelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	models := make([]string, len(result.Data))
	for i, m := range result.Data {
		models[i] = m.ID
	}

	return models, nil
}

// ========================================
// Claude Provider - Anthropic Claude API
// ========================================

// ClaudeProviderConfig configures the Claude provider
type ClaudeProviderConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ClaudeProvider implements LLMProvider for the Anthropic Claude API
type ClaudeProvider struct {
	config ClaudeProviderConfig
	client *http.Client
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(config ClaudeProviderConfig) *ClaudeProvider {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Model == "" {
		config.Model = "claude-3-5-sonnet-20241022"
	}

	return &ClaudeProvider{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name
func (p *ClaudeProvider) Name() string {
	return "Claude"
}

// Model returns the current model name
func (p *ClaudeProvider) Model() string {
	return p.config.Model
}

// IsAvailable checks if the provider is usable
func (p *ClaudeProvider) IsAvailable(ctx context.Context) bool {
	return p.config.APIKey != ""
}

// SupportsVision returns whether the current model accepts image input.
// Claude 3 and later models do.
func (p *ClaudeProvider) SupportsVision() bool {
	model := strings.ToLower(p.config.Model)
	return strings.Contains(model, "claude-3") || strings.Contains(model, "claude-4")
}

// Claude API request/response types
type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type   string             `json:"type"` // "text" or "image"
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a completion request
func (p *ClaudeProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var systemMsg string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			systemMsg = m.Content
			continue
		}

		var blocks []claudeContentBlock
		for _, img := range m.Images {
			format := img.Format
			if format == "" {
				format = "jpeg"
			}
			blocks = append(blocks, claudeContentBlock{
				Type: "image",
				Source: &claudeImageSource{
					Type:      "base64",
					MediaType: "image/" + format,
					Data:      img.Data,
				},
			})
		}
		if m.Content != "" {
			blocks = append(blocks, claudeContentBlock{Type: "text", Text: m.Content})
		}

		messages = append(messages, claudeMessage{Role: m.Role, Content: blocks})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	claudeReq := claudeRequest{
		Model:       p.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		System:      systemMsg,
		Temperature: req.Temperature,
	}

	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var content string
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	out := &CompletionResponse{
		ID:           claudeResp.ID,
		Model:        claudeResp.Model,
		Content:      content,
		FinishReason: claudeResp.StopReason,
	}
	out.Usage.PromptTokens = claudeResp.Usage.InputTokens
	out.Usage.CompletionTokens = claudeResp.Usage.OutputTokens
	out.Usage.TotalTokens = claudeResp.Usage.InputTokens + claudeResp.Usage.OutputTokens
	return out, nil
}

// ListModels returns known Claude models; the API has no models endpoint
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
		"claude-3-5-sonnet-20241022",
	}, nil
}
