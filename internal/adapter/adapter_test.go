package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymeter/relaymeter-gateway/internal/openai"
)

type fakeAdapter struct{ name string }

func (f fakeAdapter) Name() string { return f.name }
func (f fakeAdapter) ListModels(context.Context, string) ([]string, error) {
	return nil, nil
}
func (f fakeAdapter) Complete(context.Context, string, openai.ChatCompletionRequest, string) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}
func (f fakeAdapter) Validate(context.Context, string) (bool, error) { return true, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeAdapter{name: "openai"}))
	require.NoError(t, r.Register(fakeAdapter{name: "anthropic"}))

	_, ok := r.Get("openai")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"anthropic", "openai"}, r.Names())
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeAdapter{name: "openai"}))
	require.Error(t, r.Register(fakeAdapter{name: "openai"}))
	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(fakeAdapter{}))
}
