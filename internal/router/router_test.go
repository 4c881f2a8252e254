package router

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/translator"
)

type fakeUpstream struct {
	mu       sync.Mutex
	bearers  []string
	requests []*models.ChatRequest
	chat     func(n int) (*models.ChatResponse, error)
	stream   func(n int) (provider.ChunkStream, error)
}

func (f *fakeUpstream) record(bearer string, req *models.ChatRequest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bearers = append(f.bearers, bearer)
	f.requests = append(f.requests, req)
	return len(f.bearers)
}

func (f *fakeUpstream) Chat(_ context.Context, bearer string, req *models.ChatRequest) (*models.ChatResponse, error) {
	return f.chat(f.record(bearer, req))
}

func (f *fakeUpstream) Stream(_ context.Context, bearer string, req *models.ChatRequest) (provider.ChunkStream, error) {
	return f.stream(f.record(bearer, req))
}

type fakeChunks struct {
	chunks []*models.ChatChunk
	end    error
	closed int
}

func (f *fakeChunks) Next() (*models.ChatChunk, error) {
	if len(f.chunks) == 0 {
		if f.end != nil {
			return nil, f.end
		}
		return nil, io.EOF
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk, nil
}

func (f *fakeChunks) Close() error {
	f.closed++
	return nil
}

type fakeAdmitter struct {
	calls int
	err   error
}

func (f *fakeAdmitter) Admit(context.Context) error {
	f.calls++
	return f.err
}

type fakeCredentials struct {
	refreshes int
	bearer    string
	err       error
}

func (f *fakeCredentials) GetValid(context.Context) (string, error) { return f.bearer, f.err }

func (f *fakeCredentials) Refresh(context.Context) (string, error) {
	f.refreshes++
	f.bearer = "fresh"
	return f.bearer, nil
}

type observation struct {
	model   string
	success bool
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (r *recordingObserver) ObserveRequest(model string, _ time.Time, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, observation{model: model, success: success})
}

type fakeCounter struct{ got *models.ChatRequest }

func (f *fakeCounter) Count(req *models.ChatRequest) (int, error) {
	f.got = req
	return 42, nil
}

type fixture struct {
	router    *Router
	upstream  *fakeUpstream
	admission *fakeAdmitter
	creds     *fakeCredentials
	observer  *recordingObserver
	counter   *fakeCounter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(models.Model{ID: "claude-sonnet-4", MaxOutputTokens: 16000}, "sonnet"))

	f := &fixture{
		upstream: &fakeUpstream{
			chat: func(int) (*models.ChatResponse, error) { return textResponse("hi"), nil },
		},
		admission: &fakeAdmitter{},
		creds:     &fakeCredentials{bearer: "stale"},
		observer:  &recordingObserver{},
		counter:   &fakeCounter{},
	}
	r, err := New(registry, f.upstream, f.admission, f.creds,
		WithObserver(f.observer), WithTokenCounter(f.counter), WithPreamble("Be brief."))
	require.NoError(t, err)
	f.router = r
	return f
}

func textResponse(text string) *models.ChatResponse {
	return &models.ChatResponse{
		ID:      "chatcmpl-1",
		Model:   "claude-sonnet-4",
		Choices: []models.Choice{{Message: models.ChatMessage{Role: models.RoleAssistant, Content: models.TextContent(text)}, FinishReason: models.FinishStop}},
		Usage:   &models.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}
}

func strPtr(s string) *string { return &s }

const claudeBody = `{"model":"sonnet","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`

func TestDispatchClaudeNonStreaming(t *testing.T) {
	f := newFixture(t)

	result, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(claudeBody)})
	require.NoError(t, err)
	require.Nil(t, result.Stream)

	body, ok := result.Body.(translator.ClaudeMessageResponse)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", body.Model)
	require.Len(t, body.Content, 1)
	require.NotNil(t, body.Content[0].Text)
	assert.Equal(t, "hi", *body.Content[0].Text)

	require.Len(t, f.upstream.requests, 1)
	sent := f.upstream.requests[0]
	assert.Equal(t, "claude-sonnet-4", sent.Model, "aliases resolve before the upstream call")
	assert.Equal(t, "Be brief.", sent.Messages[0].Content.String())
	assert.Equal(t, []string{"stale"}, f.upstream.bearers)
	assert.Equal(t, 1, f.admission.calls)
	assert.Equal(t, []observation{{model: "sonnet", success: true}}, f.observer.seen)
}

func TestDispatchRejectsMalformedBeforeAdmission(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(`{"model":"x"}`)})
	var validationErr *apierror.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Zero(t, f.admission.calls)
	assert.Empty(t, f.upstream.requests)
	assert.Equal(t, []observation{{success: false}}, f.observer.seen)
}

func TestDispatchAdmissionRejection(t *testing.T) {
	f := newFixture(t)
	f.admission.err = &apierror.RateLimitError{RetryAfter: time.Second}

	_, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(claudeBody)})
	var rateErr *apierror.RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Empty(t, f.upstream.requests)
}

func TestDispatchCredentialFailure(t *testing.T) {
	f := newFixture(t)
	f.creds.err = apierror.Authentication("not authenticated", nil)

	_, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(claudeBody)})
	var authErr *apierror.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Empty(t, f.upstream.requests)
}

func TestDispatchRefreshesOnceAfterUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.upstream.chat = func(n int) (*models.ChatResponse, error) {
		if n == 1 {
			return nil, &apierror.UpstreamError{Status: 401, Message: "expired"}
		}
		return textResponse("retried"), nil
	}

	result, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectOpenAI, Body: []byte(`{"model":"gpt-4.1","messages":[{"role":"user","content":"hi"}]}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, f.upstream.bearers)
	assert.Equal(t, 1, f.creds.refreshes)

	body, ok := result.Body.(models.ChatResponse)
	require.True(t, ok)
	assert.Equal(t, "retried", body.Choices[0].Message.Content.String())
	assert.Equal(t, "gpt-4.1", f.upstream.requests[0].Model, "unknown models pass through")
}

func TestDispatchDoesNotRetryTwice(t *testing.T) {
	f := newFixture(t)
	f.upstream.chat = func(int) (*models.ChatResponse, error) {
		return nil, &apierror.UpstreamError{Status: 401, Message: "expired"}
	}

	_, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(claudeBody)})
	var upstreamErr *apierror.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, 401, upstreamErr.Status)
	assert.Len(t, f.upstream.bearers, 2)
	assert.Equal(t, 1, f.creds.refreshes)
}

func TestDispatchForwardsOtherUpstreamErrors(t *testing.T) {
	f := newFixture(t)
	f.upstream.chat = func(int) (*models.ChatResponse, error) {
		return nil, &apierror.UpstreamError{Status: 503, Message: "busy"}
	}

	_, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(claudeBody)})
	assert.Equal(t, 503, apierror.Status(err))
	assert.Len(t, f.upstream.bearers, 1)
	assert.Zero(t, f.creds.refreshes)
	assert.Equal(t, []observation{{model: "sonnet", success: false}}, f.observer.seen)
}

func TestInboundPreambleOverridesDefault(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Dispatch(context.Background(), Inbound{
		Dialect:  translator.DialectClaude,
		Body:     []byte(`{"model":"sonnet","max_tokens":10,"system":"Y","messages":[{"role":"user","content":"hello"}]}`),
		Preamble: "X",
	})
	require.NoError(t, err)
	assert.Equal(t, "X\n\nY", f.upstream.requests[0].Messages[0].Content.String())
}

func collect(t *testing.T, stream *EventStream) []translator.Frame {
	t.Helper()
	var frames []translator.Frame
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestDispatchStreamsOpenAIFrames(t *testing.T) {
	f := newFixture(t)
	chunks := &fakeChunks{chunks: []*models.ChatChunk{
		{ID: "c1", Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Role: "assistant", Content: strPtr("he")}}}},
		{ID: "c1", Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: strPtr("llo")}, FinishReason: strPtr("stop")}}},
	}}
	f.upstream.stream = func(int) (provider.ChunkStream, error) { return chunks, nil }

	result, err := f.router.Dispatch(context.Background(), Inbound{
		Dialect: translator.DialectOpenAI,
		Body:    []byte(`{"model":"gpt-4.1","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Stream)
	assert.Empty(t, f.observer.seen, "streams are observed on completion")

	frames := collect(t, result.Stream)
	require.NotEmpty(t, frames)
	assert.Equal(t, "[DONE]", string(frames[len(frames)-1].Data))
	assert.Contains(t, string(frames[0].Data), `"he"`)
	assert.Equal(t, []observation{{model: "gpt-4.1", success: true}}, f.observer.seen)
	assert.Equal(t, 1, chunks.closed)

	require.NoError(t, result.Stream.Close())
	assert.Equal(t, 1, chunks.closed)
	assert.Len(t, f.observer.seen, 1)
}

func TestDispatchStreamEarlyEndClosesClaudeBlocks(t *testing.T) {
	f := newFixture(t)
	chunks := &fakeChunks{
		chunks: []*models.ChatChunk{{Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: strPtr("partial")}}}}},
		end:    io.ErrUnexpectedEOF,
	}
	f.upstream.stream = func(int) (provider.ChunkStream, error) { return chunks, nil }

	result, err := f.router.Dispatch(context.Background(), Inbound{
		Dialect: translator.DialectClaude,
		Body:    []byte(`{"model":"sonnet","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)

	var events []string
	for _, frame := range collect(t, result.Stream) {
		events = append(events, frame.Event)
	}
	assert.Equal(t, []string{
		"message_start", "ping", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, events)
	assert.Equal(t, []observation{{model: "sonnet", success: false}}, f.observer.seen)
}

func TestDispatchStreamUpstreamFailureBecomesErrorFrame(t *testing.T) {
	f := newFixture(t)
	chunks := &fakeChunks{end: &apierror.UpstreamError{Status: 502, Message: "quota exhausted"}}
	f.upstream.stream = func(int) (provider.ChunkStream, error) { return chunks, nil }

	result, err := f.router.Dispatch(context.Background(), Inbound{
		Dialect: translator.DialectClaude,
		Body:    []byte(`{"model":"sonnet","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)

	frames := collect(t, result.Stream)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Event)
	assert.True(t, strings.Contains(string(frames[0].Data), "quota exhausted"))
	assert.Equal(t, 1, chunks.closed)
}

func TestStreamCloseBeforeEndCancels(t *testing.T) {
	f := newFixture(t)
	chunks := &fakeChunks{chunks: []*models.ChatChunk{
		{Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: strPtr("a")}}}},
		{Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: strPtr("b")}}}},
	}}
	f.upstream.stream = func(int) (provider.ChunkStream, error) { return chunks, nil }

	result, err := f.router.Dispatch(context.Background(), Inbound{
		Dialect: translator.DialectOpenAI,
		Body:    []byte(`{"model":"gpt-4.1","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	_, err = result.Stream.Next()
	require.NoError(t, err)

	require.NoError(t, result.Stream.Close())
	assert.Equal(t, 1, chunks.closed)
	assert.Equal(t, []observation{{model: "gpt-4.1", success: false}}, f.observer.seen)
}

func TestCountTokensAndModels(t *testing.T) {
	f := newFixture(t)

	n, err := f.router.CountTokens(context.Background(), Inbound{Dialect: translator.DialectClaude, Body: []byte(claudeBody)})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	require.NotNil(t, f.counter.got)
	assert.Zero(t, f.admission.calls, "counting does not use an admission slot")

	listed := f.router.Models()
	require.Len(t, listed, 1)
	assert.Equal(t, "claude-sonnet-4", listed[0].ID)
}

func TestNewValidatesCollaborators(t *testing.T) {
	registry := provider.NewRegistry()
	_, err := New(nil, &fakeUpstream{}, &fakeAdmitter{}, &fakeCredentials{})
	assert.Error(t, err)
	_, err = New(registry, nil, &fakeAdmitter{}, &fakeCredentials{})
	assert.Error(t, err)
	_, err = New(registry, &fakeUpstream{}, nil, &fakeCredentials{})
	assert.Error(t, err)
	_, err = New(registry, &fakeUpstream{}, &fakeAdmitter{}, nil)
	assert.Error(t, err)
}

func TestDispatchOpenAIStreamUsageFollowsStreamOptions(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantUsage bool
	}{
		{"not requested", `{"model":"gpt-4.1","stream":true,"messages":[{"role":"user","content":"hi"}]}`, false},
		{"requested", `{"model":"gpt-4.1","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"hi"}]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.upstream.stream = func(int) (provider.ChunkStream, error) {
				return &fakeChunks{chunks: []*models.ChatChunk{
					{ID: "c1", Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: strPtr("hi")}, FinishReason: strPtr("stop")}}},
					{ID: "c1", Choices: []models.ChunkChoice{}, Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}},
				}}, nil
			}

			result, err := f.router.Dispatch(context.Background(), Inbound{Dialect: translator.DialectOpenAI, Body: []byte(tc.body)})
			require.NoError(t, err)

			usageFrames := 0
			for _, frame := range collect(t, result.Stream) {
				if strings.Contains(string(frame.Data), `"usage"`) {
					usageFrames++
				}
			}
			if tc.wantUsage {
				assert.Equal(t, 1, usageFrames)
			} else {
				assert.Zero(t, usageFrames)
			}
		})
	}
}

func TestDispatchStreamKeepsTextBeforeConversionError(t *testing.T) {
	f := newFixture(t)
	chunks := &fakeChunks{chunks: []*models.ChatChunk{
		{Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{ToolCalls: []models.ToolCallDelta{{Index: 0, ID: "call_a", Function: models.FunctionDelta{Name: "alpha", Arguments: `{"x":`}}}}}}},
		{Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: strPtr("tail")}, FinishReason: strPtr("tool_calls")}}},
	}}
	f.upstream.stream = func(int) (provider.ChunkStream, error) { return chunks, nil }

	result, err := f.router.Dispatch(context.Background(), Inbound{
		Dialect: translator.DialectOpenAI,
		Body:    []byte(`{"model":"gpt-4.1","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)

	frames := collect(t, result.Stream)
	require.Len(t, frames, 4)
	assert.Contains(t, string(frames[1].Data), `"tail"`)
	assert.Contains(t, string(frames[2].Data), `"error"`)
	assert.Equal(t, "[DONE]", string(frames[3].Data))
	assert.Equal(t, []observation{{model: "gpt-4.1", success: false}}, f.observer.seen)
}
