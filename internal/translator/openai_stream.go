package translator

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

var doneFrame = Frame{Data: []byte("[DONE]")}

type pendingCall struct {
	index int
	args  strings.Builder
}

type choiceState struct {
	calls    map[int]*pendingCall
	finished bool
}

// OpenAIStream re-emits canonical chunks as chat.completion.chunk frames.
// Text is forwarded as it arrives. A tool call is announced with its id and
// name on its first fragment, and its arguments are held back and flushed
// whole, in ascending index order, right before the finish chunk. Usage is
// forwarded only when the client asked for it.
type OpenAIStream struct {
	model        string
	id           string
	created      int64
	includeUsage bool

	choices map[int]*choiceState
	done    bool
}

// NewOpenAIStream returns a converter for one streamed completion.
func NewOpenAIStream(model string, includeUsage bool) *OpenAIStream {
	return &OpenAIStream{model: model, includeUsage: includeUsage, choices: make(map[int]*choiceState)}
}

// Convert implements StreamConverter.
func (s *OpenAIStream) Convert(chunk *models.ChatChunk) ([]Frame, error) {
	if s.done || chunk == nil {
		return nil, nil
	}
	if s.id == "" {
		s.id = chunk.ID
	}
	if s.created == 0 {
		s.created = chunk.Created
	}
	if chunk.Model != "" {
		s.model = chunk.Model
	}

	var frames []Frame
	for _, choice := range chunk.Choices {
		state := s.choice(choice.Index)
		if state.finished {
			continue
		}

		forward := models.ChunkDelta{
			Role:          choice.Delta.Role,
			Content:       choice.Delta.Content,
			ReasoningText: choice.Delta.ReasoningText,
		}
		for _, call := range choice.Delta.ToolCalls {
			pending, ok := state.calls[call.Index]
			if !ok {
				pending = &pendingCall{index: call.Index}
				state.calls[call.Index] = pending
				forward.ToolCalls = append(forward.ToolCalls, models.ToolCallDelta{
					Index:    call.Index,
					ID:       call.ID,
					Type:     "function",
					Function: models.FunctionDelta{Name: call.Function.Name},
				})
			}
			pending.args.WriteString(call.Function.Arguments)
		}
		if forward.Role != "" || forward.Content != nil || forward.ReasoningText != "" || len(forward.ToolCalls) > 0 {
			frames = append(frames, s.frame(choice.Index, forward, nil))
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			closing, err := s.finishChoice(choice.Index, *choice.FinishReason)
			if err != nil {
				return frames, err
			}
			frames = append(frames, closing...)
		}
	}

	if chunk.Usage != nil && s.includeUsage {
		frames = append(frames, s.usageFrame(chunk.Usage))
	}
	return frames, nil
}

// Finish implements StreamConverter. Choices that never saw a finish reason
// get one synthesized, then the terminating [DONE] frame is emitted.
func (s *OpenAIStream) Finish() ([]Frame, error) {
	if s.done {
		return nil, nil
	}
	if len(s.choices) == 0 {
		s.choice(0)
	}

	var frames []Frame
	for _, index := range s.choiceIndexes() {
		state := s.choices[index]
		if state.finished {
			continue
		}
		reason := models.FinishStop
		if len(state.calls) > 0 {
			reason = models.FinishToolCalls
		}
		closing, err := s.finishChoice(index, reason)
		if err != nil {
			return frames, err
		}
		frames = append(frames, closing...)
	}
	s.done = true
	return append(frames, doneFrame), nil
}

// Fail implements StreamConverter.
func (s *OpenAIStream) Fail(err error) []Frame {
	s.done = true
	_, body := RenderError(DialectOpenAI, err)
	return []Frame{{Data: body}, doneFrame}
}

func (s *OpenAIStream) choice(index int) *choiceState {
	state, ok := s.choices[index]
	if !ok {
		state = &choiceState{calls: make(map[int]*pendingCall)}
		s.choices[index] = state
	}
	return state
}

func (s *OpenAIStream) choiceIndexes() []int {
	indexes := make([]int, 0, len(s.choices))
	for index := range s.choices {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

func (s *OpenAIStream) finishChoice(index int, reason string) ([]Frame, error) {
	state := s.choice(index)

	calls := make([]*pendingCall, 0, len(state.calls))
	for _, call := range state.calls {
		args := call.args.String()
		if strings.TrimSpace(args) != "" && !gjson.Valid(args) {
			return nil, apierror.Translation("tool call arguments for index %d are not valid JSON", call.index)
		}
		calls = append(calls, call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].index < calls[j].index })

	frames := make([]Frame, 0, len(calls)+1)
	for _, call := range calls {
		if call.args.Len() == 0 {
			continue
		}
		frames = append(frames, s.frame(index, models.ChunkDelta{
			ToolCalls: []models.ToolCallDelta{{
				Index:    call.index,
				Function: models.FunctionDelta{Arguments: call.args.String()},
			}},
		}, nil))
	}

	state.finished = true
	finish := reason
	return append(frames, s.frame(index, models.ChunkDelta{}, &finish)), nil
}

func (s *OpenAIStream) frame(index int, delta models.ChunkDelta, finish *string) Frame {
	chunk := models.ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.ChunkChoice{{Index: index, Delta: delta, FinishReason: finish}},
	}
	data, _ := json.Marshal(chunk)
	return Frame{Data: data}
}

func (s *OpenAIStream) usageFrame(usage *models.Usage) Frame {
	chunk := models.ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.ChunkChoice{},
		Usage:   usage,
	}
	data, _ := json.Marshal(chunk)
	return Frame{Data: data}
}
