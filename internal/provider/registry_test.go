package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot-gateway/internal/models"
)

func TestRegistryLookupAndAliases(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(models.Model{ID: "gpt-4.1", Vendor: "openai", MaxOutputTokens: 16384}, "gpt-4.1-latest"))
	require.NoError(t, r.Register(models.Model{ID: "claude-sonnet-4", Vendor: "anthropic"}))

	limit, ok := r.MaxOutputTokens("gpt-4.1-latest")
	assert.True(t, ok)
	assert.Equal(t, 16384, limit)

	_, ok = r.MaxOutputTokens("claude-sonnet-4")
	assert.False(t, ok, "zero limit is treated as unknown")
	_, ok = r.MaxOutputTokens("missing")
	assert.False(t, ok)

	assert.Equal(t, "gpt-4.1", r.Resolve("gpt-4.1-latest"))
	assert.Equal(t, "something-else", r.Resolve("something-else"))

	_, err := r.LookupModel("missing")
	assert.True(t, errors.Is(err, ErrUnknownModel))

	listed := r.Models()
	require.Len(t, listed, 2)
	assert.Equal(t, "claude-sonnet-4", listed[0].ID)
	assert.Equal(t, "gpt-4.1", listed[1].ID)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(models.Model{ID: "a"}, "b"))

	err := r.Register(models.Model{ID: "a"})
	assert.True(t, errors.Is(err, ErrDuplicateModel))
	assert.Error(t, r.Register(models.Model{ID: "c"}, "b"))
	assert.Error(t, r.Register(models.Model{}))
}
