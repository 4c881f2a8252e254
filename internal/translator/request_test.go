package translator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

type capabilityTable map[string]int

func (c capabilityTable) MaxOutputTokens(model string) (int, bool) {
	limit, ok := c[model]
	return limit, ok
}

func TestPreambleMergesWithExistingSystem(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		body    string
	}{
		{
			name:    "claude system string",
			dialect: DialectClaude,
			body:    `{"model":"m","max_tokens":10,"system":"Y","messages":[{"role":"user","content":"hi"}]}`,
		},
		{
			name:    "claude system blocks",
			dialect: DialectClaude,
			body:    `{"model":"m","max_tokens":10,"system":[{"type":"text","text":"Y"}],"messages":[{"role":"user","content":"hi"}]}`,
		},
		{
			name:    "openai system message",
			dialect: DialectOpenAI,
			body:    `{"model":"m","messages":[{"role":"system","content":"Y"},{"role":"user","content":"hi"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := TranslateRequest(tt.dialect, []byte(tt.body), Options{Preamble: "X"})
			require.NoError(t, err)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, models.RoleSystem, req.Messages[0].Role)
			assert.Equal(t, "X\n\nY", req.Messages[0].Content.String())
			assert.Equal(t, "hi", req.Messages[1].Content.String())
		})
	}
}

func TestPreambleBecomesSystemWhenAbsent(t *testing.T) {
	req, err := TranslateRequest(DialectOpenAI, []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`), Options{Preamble: "X"})
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, models.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "X", req.Messages[0].Content.String())

	req, err = TranslateRequest(DialectOpenAI, []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`), Options{})
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, models.RoleUser, req.Messages[0].Role)
}

func TestThinkingBeforeTextIsFlattenedInOrder(t *testing.T) {
	body := `{"model":"m","max_tokens":10,"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"A","signature":"sig"},{"type":"text","text":"B"}]},
		{"role":"user","content":"again"}
	]}`
	req, err := TranslateRequest(DialectClaude, []byte(body), Options{})
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)

	text := req.Messages[1].Content.String()
	assert.Equal(t, models.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "A\n\nB", text)
	assert.Less(t, strings.Index(text, "A"), strings.Index(text, "B"))
}

func TestDefaultMaxTokensFromCapabilities(t *testing.T) {
	caps := capabilityTable{"known-model": 16384}

	req, err := TranslateRequest(DialectOpenAI, []byte(`{"model":"known-model","messages":[{"role":"user","content":"hi"}]}`), Options{Capabilities: caps})
	require.NoError(t, err)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 16384, *req.MaxTokens)
	require.Len(t, req.Messages, 1)

	req, err = TranslateRequest(DialectOpenAI, []byte(`{"model":"other","messages":[{"role":"user","content":"hi"}]}`), Options{Capabilities: caps})
	require.NoError(t, err)
	assert.Nil(t, req.MaxTokens)

	req, err = TranslateRequest(DialectClaude, []byte(`{"model":"known-model","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`), Options{Capabilities: caps})
	require.NoError(t, err)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 100, *req.MaxTokens)
}

func TestTranslateRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		body    string
	}{
		{"empty body", DialectOpenAI, ``},
		{"invalid json", DialectOpenAI, `{"model":`},
		{"missing model", DialectOpenAI, `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", DialectOpenAI, `{"model":"m","messages":[]}`},
		{"bad role", DialectOpenAI, `{"model":"m","messages":[{"role":"robot","content":"hi"}]}`},
		{"tool without id", DialectOpenAI, `{"model":"m","messages":[{"role":"tool","content":"x"}]}`},
		{"claude missing model", DialectClaude, `{"max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`},
		{"claude empty messages", DialectClaude, `{"model":"m","max_tokens":1,"messages":[]}`},
		{"claude system role", DialectClaude, `{"model":"m","messages":[{"role":"system","content":"hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TranslateRequest(tt.dialect, []byte(tt.body), Options{})
			var validationErr *apierror.ValidationError
			require.Error(t, err)
			assert.True(t, errors.As(err, &validationErr), "got %T: %v", err, err)
		})
	}
}

func TestUnknownContentKindsAreRejected(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		body    string
	}{
		{"claude document block", DialectClaude, `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"document","source":{}}]}]}`},
		{"openai audio part", DialectOpenAI, `{"model":"m","messages":[{"role":"user","content":[{"type":"input_audio","input_audio":{}}]}]}`},
		{"claude tool_use from user", DialectClaude, `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"tool_use","id":"t","name":"f","input":{}}]}]}`},
		{"claude image from assistant", DialectClaude, `{"model":"m","max_tokens":1,"messages":[{"role":"assistant","content":[{"type":"image","source":{"type":"url","url":"https://x/y.png"}}]}]}`},
		{"claude server tool", DialectClaude, `{"model":"m","max_tokens":1,"tools":[{"type":"web_search_20250305","name":"web"}],"messages":[{"role":"user","content":"hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TranslateRequest(tt.dialect, []byte(tt.body), Options{})
			var translationErr *apierror.TranslationError
			require.Error(t, err)
			assert.True(t, errors.As(err, &translationErr), "got %T: %v", err, err)
		})
	}
}

func TestClaudeToolRoundTripPreservesOrder(t *testing.T) {
	body := `{"model":"m","max_tokens":50,"messages":[
		{"role":"user","content":"weather?"},
		{"role":"assistant","content":[{"type":"text","text":"checking"},{"type":"tool_use","id":"t1","name":"get","input":{"city":"x"}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"sunny"},{"type":"text","text":"thanks"}]}
	]}`
	req, err := TranslateRequest(DialectClaude, []byte(body), Options{})
	require.NoError(t, err)
	require.Len(t, req.Messages, 4)

	assistant := req.Messages[1]
	assert.Equal(t, "checking", assistant.Content.String())
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "t1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "function", assistant.ToolCalls[0].Type)
	assert.Equal(t, "get", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"x"}`, assistant.ToolCalls[0].Function.Arguments)

	tool := req.Messages[2]
	assert.Equal(t, models.RoleTool, tool.Role)
	assert.Equal(t, "t1", tool.ToolCallID)
	assert.Equal(t, "sunny", tool.Content.String())

	assert.Equal(t, models.RoleUser, req.Messages[3].Role)
	assert.Equal(t, "thanks", req.Messages[3].Content.String())
}

func TestClaudeToolsAndChoiceMapping(t *testing.T) {
	body := `{"model":"m","max_tokens":50,"stream":true,
		"tools":[{"name":"get","description":"d","input_schema":{"type":"object"}}],
		"tool_choice":{"type":"tool","name":"get","disable_parallel_tool_use":true},
		"metadata":{"user_id":"u-1"},
		"messages":[{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}},{"type":"text","text":"what is this"}]}]}`
	req, err := TranslateRequest(DialectClaude, []byte(body), Options{})
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.Equal(t, "get", req.Tools[0].Function.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(req.Tools[0].Function.Parameters))

	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, "get", req.ToolChoice.Function)
	require.NotNil(t, req.ParallelToolCalls)
	assert.False(t, *req.ParallelToolCalls)
	assert.Equal(t, "u-1", req.User)

	assert.True(t, req.Stream)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)

	require.Len(t, req.Messages, 1)
	items := req.Messages[0].Content.Items
	require.Len(t, items, 2)
	assert.Equal(t, models.ItemImageURL, items[0].Type)
	assert.Equal(t, "data:image/png;base64,AAAA", items[0].ImageURL.URL)
	assert.Equal(t, "what is this", items[1].Text)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"function","function":{"name":"get"}}`, string(mustField(t, data, "tool_choice")))
}

func TestClaudeToolChoiceModes(t *testing.T) {
	tests := map[string]string{
		`{"type":"auto"}`: models.ToolChoiceAuto,
		`{"type":"any"}`:  models.ToolChoiceRequired,
		`{"type":"none"}`: models.ToolChoiceNone,
	}
	for raw, want := range tests {
		body := `{"model":"m","max_tokens":5,"tool_choice":` + raw + `,"messages":[{"role":"user","content":"hi"}]}`
		req, err := TranslateRequest(DialectClaude, []byte(body), Options{})
		require.NoError(t, err, raw)
		require.NotNil(t, req.ToolChoice, raw)
		assert.Equal(t, want, req.ToolChoice.Mode, raw)
	}
}

func TestOpenAIRequestPassesThroughCanonicalFields(t *testing.T) {
	body := `{"model":"m","max_completion_tokens":32,"stop":"END","temperature":0.2,
		"tools":[{"type":"function","function":{"name":"f","parameters":{"type":"object"}}}],
		"tool_choice":"auto",
		"messages":[
			{"role":"developer","content":"be brief"},
			{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"https://x/y.png","detail":"low"}}]},
			{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{\"k\":1}"}}]},
			{"role":"tool","tool_call_id":"c1","content":"done"}
		]}`
	req, err := TranslateRequest(DialectOpenAI, []byte(body), Options{})
	require.NoError(t, err)

	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 32, *req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Stop)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, models.ToolChoiceAuto, req.ToolChoice.Mode)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, models.RoleDeveloper, req.Messages[0].Role)
	assert.True(t, req.Messages[1].HasImages())
	assert.True(t, req.Messages[2].Content.IsZero())
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, `{"k":1}`, req.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", req.Messages[3].ToolCallID)
	assert.Equal(t, "done", req.Messages[3].Content.String())
}

func mustField(t *testing.T, data []byte, field string) json.RawMessage {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &obj))
	value, ok := obj[field]
	require.True(t, ok, "missing field %s", field)
	return value
}
