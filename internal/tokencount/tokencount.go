// Package tokencount estimates prompt sizes with a BPE tokenizer.
package tokencount

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"copilot-gateway/internal/models"
)

// Overheads of the chat format: every message is wrapped in a few control
// tokens and the reply is primed with three more.
const (
	perMessageTokens = 3
	perNameTokens    = 1
	replyTokens      = 3
	perImageTokens   = 85
	perToolTokens    = 8
)

// Counter counts canonical request tokens with the o200k encoding.
type Counter struct {
	codec tokenizer.Codec
}

// New loads the encoding.
func New() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the estimated prompt tokens of req.
func (c *Counter) Count(req *models.ChatRequest) (int, error) {
	if req == nil {
		return 0, nil
	}

	total := replyTokens
	for _, msg := range req.Messages {
		total += perMessageTokens
		n, err := c.text(msg.Role, msg.Content.String(), msg.ReasoningText)
		if err != nil {
			return 0, err
		}
		total += n
		if msg.Name != "" {
			total += perNameTokens
		}
		for _, item := range msg.Content.Items {
			if item.Type == models.ItemImageURL {
				total += perImageTokens
			}
		}
		for _, call := range msg.ToolCalls {
			n, err := c.text(call.Function.Name, call.Function.Arguments)
			if err != nil {
				return 0, err
			}
			total += n + perToolTokens
		}
	}

	for _, tool := range req.Tools {
		n, err := c.text(tool.Function.Name, tool.Function.Description, string(tool.Function.Parameters))
		if err != nil {
			return 0, err
		}
		total += n + perToolTokens
	}
	return total, nil
}

func (c *Counter) text(parts ...string) (int, error) {
	total := 0
	for _, part := range parts {
		if part == "" {
			continue
		}
		ids, _, err := c.codec.Encode(part)
		if err != nil {
			return 0, fmt.Errorf("encode text: %w", err)
		}
		total += len(ids)
	}
	return total, nil
}
