// Package copilot implements the upstream chat-completions client.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "copilot-gateway/0.1"
)

// Provider talks to an OpenAI-shaped chat/completions endpoint with a
// short-lived bearer.
type Provider struct {
	baseURL      string
	headers      map[string]string
	client       *http.Client
	streamClient *http.Client
	chatURL      string
}

// New creates a new upstream provider. client serves whole-response calls;
// streamClient serves event streams and must not carry a total timeout.
func New(cfg config.UpstreamConfig, client, streamClient *http.Client) (*Provider, error) {
	if client == nil || streamClient == nil {
		return nil, errors.New("http clients must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		baseURL:      baseURL,
		headers:      cfg.Headers,
		client:       client,
		streamClient: streamClient,
		chatURL:      baseURL + "/chat/completions",
	}, nil
}

// Chat performs a non-streaming completion.
func (p *Provider) Chat(ctx context.Context, bearer string, req *models.ChatRequest) (*models.ChatResponse, error) {
	payload := *req
	payload.Stream = false
	payload.StreamOptions = nil

	httpReq, err := p.newRequest(ctx, bearer, &payload, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var resp models.ChatResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream opens a streaming completion. Closing the returned stream cancels
// the upstream request.
func (p *Provider) Stream(ctx context.Context, bearer string, req *models.ChatRequest) (provider.ChunkStream, error) {
	payload := *req
	payload.Stream = true
	payload.StreamOptions = &models.StreamOptions{IncludeUsage: true}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := p.newRequest(streamCtx, bearer, &payload, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}

	httpResp, err := p.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream stream request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer cancel()
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return newChunkStream(streamCtx, httpResp.Body, cancel), nil
}

func (p *Provider) newRequest(ctx context.Context, bearer string, payload *models.ChatRequest, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Initiator", initiator(payload.Messages))
	if hasImages(payload.Messages) {
		req.Header.Set("Copilot-Vision-Request", "true")
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// initiator reports "agent" for follow-up turns driven by tool results or
// prefilled assistant content, and "user" otherwise.
func initiator(messages []models.ChatMessage) string {
	if len(messages) == 0 {
		return "user"
	}
	switch messages[len(messages)-1].Role {
	case models.RoleAssistant, models.RoleTool:
		return "agent"
	default:
		return "user"
	}
}

func hasImages(messages []models.ChatMessage) bool {
	for _, msg := range messages {
		if msg.HasImages() {
			return true
		}
	}
	return false
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &apierror.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read error body: %v", err)}
	}
	return upstreamError(resp.StatusCode, body)
}

func upstreamError(status int, body []byte) error {
	upstreamErr := &apierror.UpstreamError{Status: status}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		upstreamErr.Message = firstString(parsed, "error.message", "message", "error")
		upstreamErr.Type = firstString(parsed, "error.type", "error.code", "type")
	}
	if upstreamErr.Message == "" {
		upstreamErr.Message = strings.TrimSpace(string(body))
	}
	if upstreamErr.Message == "" {
		upstreamErr.Message = http.StatusText(status)
	}
	return upstreamErr
}

func firstString(result gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := result.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
