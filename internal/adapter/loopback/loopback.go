// Package loopback implements a deterministic in-process adapter used in
// development and tests.
package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/relaymeter/relaymeter-gateway/internal/adapter"
	"github.com/relaymeter/relaymeter-gateway/internal/openai"
)

// Ensure Adapter implements the provider contract.
var _ adapter.Adapter = (*Adapter)(nil)

// Adapter echoes the last user message back to the caller.
type Adapter struct{}

// New creates a loopback adapter.
func New() *Adapter {
	return &Adapter{}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return "loopback" }

// Complete fabricates a deterministic completion.
func (a *Adapter) Complete(_ context.Context, model string, req openai.ChatCompletionRequest, _ string) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("loopback: no messages provided")
	}

	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			message = req.Messages[i]
			break
		}
	}

	reply := openai.ChatMessage{
		Role:    "assistant",
		Content: "[loopback] " + strings.TrimSpace(message.Content),
	}
	usage := openai.UsageBreakdown{
		PromptTokens:     len(req.Messages) * 10,
		CompletionTokens: len(reply.Content) / 4,
		TotalTokens:      len(req.Messages)*10 + len(reply.Content)/4,
	}
	return openai.NewCompletionResponse(model, reply, usage), nil
}

// ListModels returns the fixed loopback catalogue.
func (a *Adapter) ListModels(context.Context, string) ([]string, error) {
	return []string{"loopback-echo"}, nil
}

// Validate accepts any non-empty key.
func (a *Adapter) Validate(_ context.Context, apiKey string) (bool, error) {
	return apiKey != "", nil
}
