package translator

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

// ClaudeMessageRequest models the Anthropic Claude /v1/messages payload.
type ClaudeMessageRequest struct {
	Model         string
	MaxTokens     *int
	Messages      []ClaudeMessage
	System        []string
	Stream        bool
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Tools         []ClaudeTool
	ToolChoice    *ClaudeToolChoice
	UserID        string
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string            `json:"model"`
		MaxTokens     *int              `json:"max_tokens"`
		Messages      []ClaudeMessage   `json:"messages"`
		System        json.RawMessage   `json:"system"`
		Stream        bool              `json:"stream"`
		Temperature   *float64          `json:"temperature"`
		TopP          *float64          `json:"top_p"`
		StopSequences json.RawMessage   `json:"stop_sequences"`
		Tools         []ClaudeTool      `json:"tools"`
		ToolChoice    *ClaudeToolChoice `json:"tool_choice"`
		Metadata      struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	stopSequences, err := parseClaudeStops(raw.StopSequences)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.StopSequences = stopSequences
	r.Tools = raw.Tools
	r.ToolChoice = raw.ToolChoice
	r.UserID = raw.Metadata.UserID

	return r.validate()
}

func (r *ClaudeMessageRequest) validate() error {
	if r.Model == "" {
		return apierror.Validation("model must be provided")
	}
	if len(r.Messages) == 0 {
		return apierror.Validation("at least one message is required")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return apierror.Validation("max_tokens must be positive")
	}
	return nil
}

// ToCanonical converts the Claude request into the canonical format.
func (r ClaudeMessageRequest) ToCanonical() (*models.ChatRequest, error) {
	neutral := make([]message, 0, len(r.Messages)+1)
	if len(r.System) > 0 {
		neutral = append(neutral, message{
			role:  models.RoleSystem,
			parts: []models.Part{models.TextPart{Text: strings.Join(r.System, blobSeparator)}},
			plain: true,
		})
	}
	for _, m := range r.Messages {
		neutral = append(neutral, message{role: m.Role, parts: m.Parts, plain: m.plain})
	}

	msgs, err := buildMessages(neutral)
	if err != nil {
		return nil, err
	}

	tools, err := claudeToolsToCanonical(r.Tools)
	if err != nil {
		return nil, err
	}

	req := &models.ChatRequest{
		Model:       r.Model,
		Messages:    msgs,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stop:        r.StopSequences,
		Stream:      r.Stream,
		Tools:       tools,
		User:        r.UserID,
	}
	if r.Stream {
		req.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}
	if r.ToolChoice != nil {
		choice, err := r.ToolChoice.toCanonical()
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
		if r.ToolChoice.DisableParallelToolUse {
			parallel := false
			req.ParallelToolCalls = &parallel
		}
	}
	return req, nil
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role  string
	Parts []models.Part
	plain bool
}

// UnmarshalJSON decodes string or block content into typed parts.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	switch m.Role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return apierror.Validation("invalid role %q", m.Role)
	}

	parts, plain, err := parseClaudeContent(raw.Content)
	if err != nil {
		return err
	}
	m.Parts = parts
	m.plain = plain
	return nil
}

// claudeBlock is the union of every request content block field.
type claudeBlock struct {
	Type      string             `json:"type"`
	Text      string             `json:"text"`
	Thinking  string             `json:"thinking"`
	Signature string             `json:"signature"`
	Source    *claudeImageSource `json:"source"`
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Input     json.RawMessage    `json:"input"`
	ToolUseID string             `json:"tool_use_id"`
	Content   json.RawMessage    `json:"content"`
	IsError   bool               `json:"is_error"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}

func parseClaudeContent(raw json.RawMessage) ([]models.Part, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, apierror.Validation("message content is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []models.Part{models.TextPart{Text: text}}, true, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false, &apierror.ValidationError{Message: "message content must be a string or an array of blocks", Err: err}
	}

	parts := make([]models.Part, 0, len(blocks))
	for i, block := range blocks {
		part, err := block.toPart()
		if err != nil {
			return nil, false, prefixBlock(i, err)
		}
		parts = append(parts, part)
	}
	return parts, false, nil
}

func (b claudeBlock) toPart() (models.Part, error) {
	switch b.Type {
	case "text":
		return models.TextPart{Text: b.Text}, nil
	case "thinking":
		return models.ThinkingPart{Text: b.Thinking, Signature: b.Signature}, nil
	case "image":
		return b.imagePart()
	case "tool_use":
		if strings.TrimSpace(b.ID) == "" {
			return nil, apierror.Validation("tool_use block requires an id")
		}
		input := b.Input
		if len(input) == 0 || string(input) == "null" {
			input = json.RawMessage("{}")
		}
		return models.ToolUsePart{ID: b.ID, Name: b.Name, Input: input}, nil
	case "tool_result":
		content, err := parseToolResultContent(b.Content)
		if err != nil {
			return nil, err
		}
		return models.ToolResultPart{ToolUseID: b.ToolUseID, Content: content, IsError: b.IsError}, nil
	default:
		return nil, apierror.Translation("unsupported content block type %q", b.Type)
	}
}

func (b claudeBlock) imagePart() (models.Part, error) {
	if b.Source == nil {
		return nil, apierror.Validation("image block requires a source")
	}
	switch b.Source.Type {
	case "base64":
		if b.Source.MediaType == "" || b.Source.Data == "" {
			return nil, apierror.Validation("base64 image source requires media_type and data")
		}
		return models.ImagePart{URL: "data:" + b.Source.MediaType + ";base64," + b.Source.Data}, nil
	case "url":
		if b.Source.URL == "" {
			return nil, apierror.Validation("url image source requires a url")
		}
		return models.ImagePart{URL: b.Source.URL}, nil
	default:
		return nil, apierror.Translation("unsupported image source type %q", b.Source.Type)
	}
}

func parseToolResultContent(raw json.RawMessage) ([]models.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []models.Part{models.TextPart{Text: text}}, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, &apierror.ValidationError{Message: "tool_result content must be a string or an array of blocks", Err: err}
	}
	parts := make([]models.Part, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text", "image":
			part, err := block.toPart()
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		default:
			return nil, apierror.Translation("unsupported tool_result block type %q", block.Type)
		}
	}
	return parts, nil
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, &apierror.ValidationError{Message: "invalid system prompt", Err: err}
	}
	out := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "text" {
			return nil, apierror.Translation("unsupported system block type %q", block.Type)
		}
		out = append(out, block.Text)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func parseClaudeStops(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, apierror.Validation("stop_sequences must be an array of strings")
	}
	for _, stop := range stops {
		if stop == "" {
			return nil, apierror.Validation("stop_sequences must not contain empty values")
		}
	}
	return stops, nil
}

func prefixBlock(i int, err error) error {
	switch e := err.(type) {
	case *apierror.ValidationError:
		return &apierror.ValidationError{Message: "content[" + strconv.Itoa(i) + "]: " + e.Message, Err: e.Err}
	case *apierror.TranslationError:
		return &apierror.TranslationError{Message: "content[" + strconv.Itoa(i) + "]: " + e.Message, Err: e.Err}
	default:
		return err
	}
}

// ClaudeMessageResponse models the Anthropic response payload.
type ClaudeMessageResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   *string              `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

// ClaudeContentBlock is one response content block.
type ClaudeContentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Thinking  *string         `json:"thinking,omitempty"`
	Signature *string         `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens          int  `json:"input_tokens"`
	OutputTokens         int  `json:"output_tokens"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

// FromCanonicalClaude converts the canonical response to Anthropic format.
// Every upstream choice contributes to the single Anthropic message; some
// upstream models split text and tool calls across choices.
func FromCanonicalClaude(resp *models.ChatResponse, model string) (ClaudeMessageResponse, error) {
	var (
		thinking []ClaudeContentBlock
		text     []ClaudeContentBlock
		tools    []ClaudeContentBlock
		finish   string
	)

	for _, choice := range resp.Choices {
		if r := choice.Message.ReasoningText; r != "" {
			thinking = append(thinking, thinkingBlock(r))
		}
		if body := choice.Message.Content.String(); body != "" {
			text = append(text, textBlock(body))
		}
		for _, call := range choice.Message.ToolCalls {
			input, err := toolInput(call.Function.Arguments)
			if err != nil {
				return ClaudeMessageResponse{}, err
			}
			tools = append(tools, ClaudeContentBlock{Type: "tool_use", ID: call.ID, Name: call.Function.Name, Input: input})
		}
		if choice.FinishReason != "" && (finish == "" || choice.FinishReason == models.FinishToolCalls) {
			finish = choice.FinishReason
		}
	}

	content := make([]ClaudeContentBlock, 0, len(thinking)+len(text)+len(tools))
	content = append(content, thinking...)
	content = append(content, text...)
	content = append(content, tools...)

	var stopReason *string
	if finish != "" || len(tools) > 0 {
		reason := claudeStopReason(finish, len(tools) > 0)
		stopReason = &reason
	}

	if resp.Model != "" {
		model = resp.Model
	}

	return ClaudeMessageResponse{
		ID:         newMessageID(),
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      claudeUsage(resp.Usage),
	}, nil
}

// claudeStopReason maps canonical finish reasons onto Anthropic stop reasons.
func claudeStopReason(finish string, sawTools bool) string {
	switch finish {
	case models.FinishLength:
		return "max_tokens"
	case models.FinishToolCalls:
		return "tool_use"
	case models.FinishStop, models.FinishContentFilter, "":
		if sawTools {
			return "tool_use"
		}
		return "end_turn"
	default:
		return "end_turn"
	}
}

func claudeUsage(u *models.Usage) ClaudeUsage {
	if u == nil {
		return ClaudeUsage{}
	}
	cached := u.CachedTokens()
	usage := ClaudeUsage{
		InputTokens:  u.PromptTokens - cached,
		OutputTokens: u.CompletionTokens,
	}
	if cached > 0 {
		usage.CacheReadInputTokens = &cached
	}
	return usage
}

func toolInput(arguments string) (json.RawMessage, error) {
	if strings.TrimSpace(arguments) == "" {
		return json.RawMessage("{}"), nil
	}
	if !gjson.Valid(arguments) {
		return nil, apierror.Translation("tool call arguments are not valid JSON")
	}
	return json.RawMessage(arguments), nil
}

func textBlock(text string) ClaudeContentBlock {
	return ClaudeContentBlock{Type: "text", Text: &text}
}

func thinkingBlock(thinking string) ClaudeContentBlock {
	signature := ""
	return ClaudeContentBlock{Type: "thinking", Thinking: &thinking, Signature: &signature}
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
