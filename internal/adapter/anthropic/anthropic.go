// Package anthropic implements the provider adapter for the Anthropic API,
// converting between the OpenAI-compatible wire shape and /v1/messages.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymeter/relaymeter-gateway/internal/adapter"
	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/openai"
)

// Ensure Adapter implements the provider contract.
var _ adapter.Adapter = (*Adapter)(nil)

const defaultMaxTokens = 4096

// Adapter sends requests to the Anthropic API. The API key arrives per call;
// the adapter itself holds no credentials.
type Adapter struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

// Config holds construction options.
type Config struct {
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	RequestTimeout time.Duration
}

// New creates the adapter.
func New(cfg Config) *Adapter {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Adapter{
		baseURL: baseURL,
		version: version,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return "anthropic" }

// Complete converts the request to Anthropic's message format and back.
func (a *Adapter) Complete(ctx context.Context, model string, req openai.ChatCompletionRequest, apiKey string) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("anthropic: no messages provided")
	}
	if apiKey == "" {
		return openai.ChatCompletionResponse{}, errors.New("anthropic: api key required")
	}

	messages, systemPrompt := convertMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := map[string]interface{}{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return openai.ChatCompletionResponse{}, mapError(model, resp.StatusCode, respBody)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return parsed.toOpenAI(model), nil
}

// ListModels fetches the model catalogue; doubles as the health probe.
func (a *Adapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapError("", resp.StatusCode, respBody)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// Validate checks the key against /v1/models.
func (a *Adapter) Validate(ctx context.Context, apiKey string) (bool, error) {
	_, err := a.ListModels(ctx, apiKey)
	if err == nil {
		return true, nil
	}
	var pe *gwerror.ProviderError
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return false, err
}

func (a *Adapter) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", a.version)
}

// convertMessages splits out system prompts, which Anthropic takes as a
// top-level field rather than a message role.
func convertMessages(in []openai.ChatMessage) ([]map[string]string, string) {
	var system []string
	messages := make([]map[string]string, 0, len(in))
	for _, m := range in {
		if strings.EqualFold(m.Role, "system") {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, map[string]string{"role": role, "content": m.Content})
	}
	return messages, strings.Join(system, "\n\n")
}

type messagesResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r messagesResponse) toOpenAI(model string) openai.ChatCompletionResponse {
	var text strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	finish := "stop"
	if r.StopReason == "max_tokens" {
		finish = "length"
	}
	return openai.ChatCompletionResponse{
		ID:      r.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			FinishReason: finish,
			Message:      openai.ChatMessage{Role: "assistant", Content: text.String()},
		}},
		Usage: openai.UsageBreakdown{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}
}

func mapError(model string, status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	return &gwerror.ProviderError{
		Provider:   "anthropic",
		Model:      model,
		StatusCode: status,
		Message:    message,
		Retryable:  status == http.StatusTooManyRequests || status == 529 || status >= 500,
	}
}
