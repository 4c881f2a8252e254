// Package translator converts between the inbound dialects and the canonical
// chat-completions format spoken by the upstream provider.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

// Dialect identifies an inbound wire format.
type Dialect string

const (
	// DialectOpenAI is the OpenAI-shaped chat/completions format. It is also
	// the canonical upstream format.
	DialectOpenAI Dialect = "openai"
	// DialectClaude is the Anthropic-shaped messages format.
	DialectClaude Dialect = "claude"
)

// ParseDialect validates a dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch Dialect(name) {
	case DialectOpenAI, DialectClaude:
		return Dialect(name), nil
	default:
		return "", fmt.Errorf("unknown dialect %q", name)
	}
}

// CapabilityLookup reports the default output token limit for a model.
type CapabilityLookup interface {
	MaxOutputTokens(model string) (int, bool)
}

// Options tune request translation.
type Options struct {
	// Preamble is prepended to the system prompt, or becomes the system
	// prompt when the request has none.
	Preamble string
	// Capabilities fills max_tokens when the request omits it.
	Capabilities CapabilityLookup
}

// TranslateRequest decodes a raw dialect request and converts it to the
// canonical request shape.
func TranslateRequest(dialect Dialect, raw []byte, opts Options) (*models.ChatRequest, error) {
	var (
		req *models.ChatRequest
		err error
	)

	switch dialect {
	case DialectOpenAI:
		var in ChatCompletionRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		req, err = in.ToCanonical()
	case DialectClaude:
		var in ClaudeMessageRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		req, err = in.ToCanonical()
	default:
		return nil, apierror.Validation("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, err
	}

	req.Messages = applyPreamble(req.Messages, opts.Preamble)
	if req.MaxTokens == nil && opts.Capabilities != nil {
		if limit, ok := opts.Capabilities.MaxOutputTokens(req.Model); ok && limit > 0 {
			req.MaxTokens = &limit
		}
	}
	return req, nil
}

// TranslateResponse renders a canonical non-streaming response in the
// requested dialect. model is the client-facing model name.
func TranslateResponse(dialect Dialect, resp *models.ChatResponse, model string) (any, error) {
	if resp == nil {
		return nil, errors.New("upstream returned an empty response")
	}
	switch dialect {
	case DialectOpenAI:
		return FromCanonicalChat(resp, model), nil
	case DialectClaude:
		return FromCanonicalClaude(resp, model)
	default:
		return nil, apierror.Validation("unsupported dialect %q", dialect)
	}
}

// Frame is one server-sent event ready for the wire. Event is empty for
// dialects that only use data lines.
type Frame struct {
	Event string
	Data  []byte
}

// StreamConverter turns canonical chunks into dialect frames. It is not safe
// for concurrent use; each request owns its converter. When Convert or Finish
// fail, the frames built before the failure are returned with the error.
type StreamConverter interface {
	// Convert translates one upstream chunk.
	Convert(chunk *models.ChatChunk) ([]Frame, error)
	// Finish closes everything still open. It is called both after a clean
	// end of stream and when the upstream ended without a finish signal.
	Finish() ([]Frame, error)
	// Fail renders a terminal error frame.
	Fail(err error) []Frame
}

// NewStreamConverter returns the streaming state machine for dialect.
// includeUsage mirrors the client's stream_options; dialect B always reports
// usage in message_delta.
func NewStreamConverter(dialect Dialect, model string, includeUsage bool) (StreamConverter, error) {
	switch dialect {
	case DialectOpenAI:
		return NewOpenAIStream(model, includeUsage), nil
	case DialectClaude:
		return NewClaudeStream(newMessageID(), model), nil
	default:
		return nil, apierror.Validation("unsupported dialect %q", dialect)
	}
}

func decode(raw []byte, target any) error {
	if len(raw) == 0 {
		return apierror.Validation("request body is required")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		var (
			validationErr  *apierror.ValidationError
			translationErr *apierror.TranslationError
		)
		if errors.As(err, &validationErr) || errors.As(err, &translationErr) {
			return err
		}
		return &apierror.ValidationError{Message: "invalid JSON payload", Err: err}
	}
	return nil
}

func applyPreamble(messages []models.ChatMessage, preamble string) []models.ChatMessage {
	if preamble == "" {
		return messages
	}
	if len(messages) > 0 && (messages[0].Role == models.RoleSystem || messages[0].Role == models.RoleDeveloper) {
		first := messages[0]
		first.Content = models.TextContent(preamble + "\n\n" + first.Content.String())
		out := make([]models.ChatMessage, len(messages))
		copy(out, messages)
		out[0] = first
		return out
	}

	out := make([]models.ChatMessage, 0, len(messages)+1)
	out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: models.TextContent(preamble)})
	return append(out, messages...)
}
