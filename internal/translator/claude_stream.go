package translator

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockToolUse
)

type streamBlock struct {
	index int
	kind  blockKind
	open  bool
	args  strings.Builder
}

type toolKey struct {
	choice int
	index  int
}

// ClaudeStream converts canonical chunks into Anthropic message events.
//
// Block indices are assigned in the order blocks open. A text or thinking
// block is closed as soon as other content starts. Tool blocks stay open until
// the finish signal so that fragments for an earlier tool index always land in
// the block that index opened.
type ClaudeStream struct {
	id    string
	model string

	started  bool
	finished bool
	done     bool

	blocks   []*streamBlock
	text     *streamBlock
	thinking *streamBlock
	tools    map[toolKey]*streamBlock

	stopReason string
	usage      *models.Usage
}

// NewClaudeStream returns a converter for one streamed message.
func NewClaudeStream(id, model string) *ClaudeStream {
	return &ClaudeStream{
		id:    id,
		model: model,
		tools: make(map[toolKey]*streamBlock),
	}
}

// Convert implements StreamConverter.
func (s *ClaudeStream) Convert(chunk *models.ChatChunk) ([]Frame, error) {
	if s.done || chunk == nil {
		return nil, nil
	}

	var frames []Frame
	if !s.started {
		frames = append(frames, s.start(chunk)...)
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}

	var finish *string
	for _, choice := range chunk.Choices {
		if s.finished {
			break
		}
		delta := choice.Delta
		if delta.ReasoningText != "" {
			frames = append(frames, s.thinkingDelta(delta.ReasoningText)...)
		}
		if delta.Content != nil && *delta.Content != "" {
			frames = append(frames, s.textDelta(*delta.Content)...)
		}
		for _, call := range delta.ToolCalls {
			frames = append(frames, s.toolDelta(choice.Index, call)...)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}

	if finish != nil && !s.finished {
		closing, err := s.closeAll()
		if err != nil {
			return frames, err
		}
		frames = append(frames, closing...)
		s.finished = true
		s.stopReason = claudeStopReason(*finish, len(s.tools) > 0)
	}

	if s.finished && s.usage != nil {
		frames = append(frames, s.end()...)
	}
	return frames, nil
}

// Finish implements StreamConverter. When no finish signal arrived the open
// blocks are closed and a stop reason is synthesized.
func (s *ClaudeStream) Finish() ([]Frame, error) {
	if s.done {
		return nil, nil
	}

	var frames []Frame
	if !s.started {
		frames = append(frames, s.start(&models.ChatChunk{})...)
	}
	if !s.finished {
		closing, err := s.closeAll()
		if err != nil {
			return frames, err
		}
		frames = append(frames, closing...)
		s.finished = true
		s.stopReason = claudeStopReason("", len(s.tools) > 0)
	}
	return append(frames, s.end()...), nil
}

// Fail implements StreamConverter.
func (s *ClaudeStream) Fail(err error) []Frame {
	s.done = true
	_, body := RenderError(DialectClaude, err)
	return []Frame{{Event: "error", Data: body}}
}

func (s *ClaudeStream) start(chunk *models.ChatChunk) []Frame {
	s.started = true
	model := s.model
	if chunk.Model != "" {
		model = chunk.Model
	}
	usage := claudeUsage(chunk.Usage)
	usage.OutputTokens = 0

	message := map[string]any{
		"id":            s.id,
		"type":          "message",
		"role":          models.RoleAssistant,
		"content":       []any{},
		"model":         model,
		"stop_reason":   nil,
		"stop_sequence": nil,
		"usage":         usage,
	}
	return []Frame{
		event("message_start", map[string]any{"type": "message_start", "message": message}),
		event("ping", map[string]any{"type": "ping"}),
	}
}

func (s *ClaudeStream) textDelta(text string) []Frame {
	var frames []Frame
	if s.thinking != nil {
		frames = append(frames, s.closeBlock(s.thinking))
		s.thinking = nil
	}
	if s.text == nil {
		s.text = s.openBlock(blockText)
		frames = append(frames, blockStart(s.text.index, map[string]any{"type": "text", "text": ""}))
	}
	return append(frames, blockDelta(s.text.index, map[string]any{"type": "text_delta", "text": text}))
}

func (s *ClaudeStream) thinkingDelta(text string) []Frame {
	var frames []Frame
	if s.text != nil {
		frames = append(frames, s.closeBlock(s.text))
		s.text = nil
	}
	if s.thinking == nil {
		s.thinking = s.openBlock(blockThinking)
		frames = append(frames, blockStart(s.thinking.index, map[string]any{"type": "thinking", "thinking": ""}))
	}
	return append(frames, blockDelta(s.thinking.index, map[string]any{"type": "thinking_delta", "thinking": text}))
}

func (s *ClaudeStream) toolDelta(choice int, call models.ToolCallDelta) []Frame {
	var frames []Frame
	key := toolKey{choice: choice, index: call.Index}
	block, ok := s.tools[key]
	if !ok {
		if s.text != nil {
			frames = append(frames, s.closeBlock(s.text))
			s.text = nil
		}
		if s.thinking != nil {
			frames = append(frames, s.closeBlock(s.thinking))
			s.thinking = nil
		}
		block = s.openBlock(blockToolUse)
		s.tools[key] = block
		frames = append(frames, blockStart(block.index, map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Function.Name,
			"input": map[string]any{},
		}))
	}

	if call.Function.Arguments != "" {
		block.args.WriteString(call.Function.Arguments)
		frames = append(frames, blockDelta(block.index, map[string]any{
			"type":         "input_json_delta",
			"partial_json": call.Function.Arguments,
		}))
	}
	return frames
}

func (s *ClaudeStream) openBlock(kind blockKind) *streamBlock {
	block := &streamBlock{index: len(s.blocks), kind: kind, open: true}
	s.blocks = append(s.blocks, block)
	return block
}

func (s *ClaudeStream) closeBlock(block *streamBlock) Frame {
	block.open = false
	return event("content_block_stop", map[string]any{"type": "content_block_stop", "index": block.index})
}

// closeAll closes every open block in ascending index order. Accumulated
// tool arguments are checked first so nothing is emitted for a stream that
// is about to fail.
func (s *ClaudeStream) closeAll() ([]Frame, error) {
	open := make([]*streamBlock, 0, len(s.blocks))
	for _, block := range s.blocks {
		if !block.open {
			continue
		}
		if block.kind == blockToolUse {
			args := block.args.String()
			if strings.TrimSpace(args) != "" && !gjson.Valid(args) {
				return nil, apierror.Translation("tool call arguments for block %d are not valid JSON", block.index)
			}
		}
		open = append(open, block)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].index < open[j].index })

	frames := make([]Frame, 0, len(open))
	for _, block := range open {
		frames = append(frames, s.closeBlock(block))
	}
	s.text = nil
	s.thinking = nil
	return frames, nil
}

func (s *ClaudeStream) end() []Frame {
	s.done = true
	usage := claudeUsage(s.usage)
	return []Frame{
		event("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": s.stopReason, "stop_sequence": nil},
			"usage": usage,
		}),
		event("message_stop", map[string]any{"type": "message_stop"}),
	}
}

func blockStart(index int, block map[string]any) Frame {
	return event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	})
}

func blockDelta(index int, delta map[string]any) Frame {
	return event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": delta,
	})
}

func event(name string, payload any) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Event: name, Data: data}
}
