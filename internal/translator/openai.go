package translator

import (
	"encoding/json"
	"strings"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleDeveloper: {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
	models.RoleTool:      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model             string
	Messages          []ChatMessage
	Stream            bool
	StreamOptions     *models.StreamOptions
	MaxTokens         *int
	Temperature       *float64
	TopP              *float64
	N                 *int
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	Stop              []string
	Seed              *int64
	ResponseFormat    json.RawMessage
	Tools             []models.Tool
	ToolChoice        *models.ToolChoice
	ParallelToolCalls *bool
	LogitBias         map[string]float64
	User              string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string                `json:"model"`
		Messages            []ChatMessage         `json:"messages"`
		Stream              bool                  `json:"stream"`
		StreamOptions       *models.StreamOptions `json:"stream_options"`
		MaxTokens           *int                  `json:"max_tokens"`
		MaxCompletionTokens *int                  `json:"max_completion_tokens"`
		Temperature         *float64              `json:"temperature"`
		TopP                *float64              `json:"top_p"`
		N                   *int                  `json:"n"`
		FrequencyPenalty    *float64              `json:"frequency_penalty"`
		PresencePenalty     *float64              `json:"presence_penalty"`
		Stop                json.RawMessage       `json:"stop"`
		Seed                *int64                `json:"seed"`
		ResponseFormat      json.RawMessage       `json:"response_format"`
		Tools               json.RawMessage       `json:"tools"`
		ToolChoice          json.RawMessage       `json:"tool_choice"`
		ParallelToolCalls   *bool                 `json:"parallel_tool_calls"`
		LogitBias           map[string]float64    `json:"logit_bias"`
		User                string                `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	tools, err := parseOpenAITools(raw.Tools)
	if err != nil {
		return err
	}
	toolChoice, err := parseOpenAIToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.StreamOptions = raw.StreamOptions
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.N = raw.N
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Stop = stopValues
	r.Seed = raw.Seed
	r.ResponseFormat = raw.ResponseFormat
	r.Tools = tools
	r.ToolChoice = toolChoice
	r.ParallelToolCalls = raw.ParallelToolCalls
	r.LogitBias = raw.LogitBias
	r.User = raw.User

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return apierror.Validation("model must be provided")
	}
	if len(r.Messages) == 0 {
		return apierror.Validation("at least one message is required")
	}
	return nil
}

// ToCanonical converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToCanonical() (*models.ChatRequest, error) {
	neutral := make([]message, 0, len(r.Messages))
	for _, m := range r.Messages {
		neutral = append(neutral, m.neutral())
	}
	msgs, err := buildMessages(neutral)
	if err != nil {
		return nil, err
	}

	return &models.ChatRequest{
		Model:             r.Model,
		Messages:          msgs,
		MaxTokens:         r.MaxTokens,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		N:                 r.N,
		Stop:              r.Stop,
		FrequencyPenalty:  r.FrequencyPenalty,
		PresencePenalty:   r.PresencePenalty,
		Seed:              r.Seed,
		LogitBias:         r.LogitBias,
		ResponseFormat:    r.ResponseFormat,
		Stream:            r.Stream,
		StreamOptions:     r.StreamOptions,
		Tools:             r.Tools,
		ToolChoice:        r.ToolChoice,
		ParallelToolCalls: r.ParallelToolCalls,
		User:              r.User,
	}, nil
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role  string
	Name  string
	Parts []models.Part
	plain bool
}

// UnmarshalJSON decodes string and array content into typed parts.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string            `json:"role"`
		Content    json.RawMessage   `json:"content"`
		Name       string            `json:"name"`
		ToolCalls  []models.ToolCall `json:"tool_calls"`
		ToolCallID string            `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Name = strings.TrimSpace(raw.Name)
	if _, ok := allowedRoles[m.Role]; !ok {
		return apierror.Validation("invalid role %q", m.Role)
	}

	var content models.Content
	if err := content.UnmarshalJSON(raw.Content); err != nil {
		return &apierror.ValidationError{Message: "invalid message content", Err: err}
	}
	parts, err := openAIContentParts(content)
	if err != nil {
		return err
	}
	m.plain = content.Text != nil

	switch m.Role {
	case models.RoleTool:
		if strings.TrimSpace(raw.ToolCallID) == "" {
			return apierror.Validation("tool message requires tool_call_id")
		}
		m.Parts = []models.Part{models.ToolResultPart{ToolUseID: raw.ToolCallID, Content: parts}}
	case models.RoleAssistant:
		for _, call := range raw.ToolCalls {
			if call.Type != "" && call.Type != "function" {
				return apierror.Translation("unsupported tool call type %q", call.Type)
			}
			parts = append(parts, models.ToolUsePart{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: json.RawMessage(call.Function.Arguments),
			})
		}
		m.Parts = parts
	default:
		if content.IsZero() {
			return apierror.Validation("%s message content must not be null", m.Role)
		}
		m.Parts = parts
	}
	return nil
}

func (m ChatMessage) neutral() message {
	return message{role: m.Role, name: m.Name, parts: m.Parts, plain: m.plain}
}

func openAIContentParts(content models.Content) ([]models.Part, error) {
	if content.Text != nil {
		return []models.Part{models.TextPart{Text: *content.Text}}, nil
	}
	parts := make([]models.Part, 0, len(content.Items))
	for _, item := range content.Items {
		switch item.Type {
		case models.ItemText:
			parts = append(parts, models.TextPart{Text: item.Text})
		case models.ItemImageURL:
			if item.ImageURL == nil || strings.TrimSpace(item.ImageURL.URL) == "" {
				return nil, apierror.Validation("image_url part requires a url")
			}
			parts = append(parts, models.ImagePart{URL: item.ImageURL.URL, Detail: item.ImageURL.Detail})
		default:
			return nil, apierror.Translation("unsupported content part type %q", item.Type)
		}
	}
	return parts, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, apierror.Validation("stop sequence must not be empty")
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		for _, item := range multi {
			if item == "" {
				return nil, apierror.Validation("stop sequence must not be empty")
			}
		}
		return multi, nil
	}
	return nil, apierror.Validation("stop must be a string or an array of strings")
}

// FromCanonicalChat renders the canonical response as an OpenAI
// chat.completion object. The upstream is OpenAI-shaped, so only framing
// fields are normalised.
func FromCanonicalChat(resp *models.ChatResponse, model string) models.ChatResponse {
	out := *resp
	out.Object = "chat.completion"
	if out.Model == "" {
		out.Model = model
	}
	if out.Choices == nil {
		out.Choices = []models.Choice{}
	}
	return out
}
