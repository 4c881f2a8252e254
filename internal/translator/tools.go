package translator

import (
	"encoding/json"
	"strings"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

func parseOpenAITools(raw json.RawMessage) ([]models.Tool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var tools []models.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, &apierror.ValidationError{Message: "invalid tools", Err: err}
	}
	for i, tool := range tools {
		if tool.Type != "function" {
			return nil, apierror.Translation("tools[%d]: unsupported tool type %q", i, tool.Type)
		}
		if strings.TrimSpace(tool.Function.Name) == "" {
			return nil, apierror.Validation("tools[%d]: function name must be provided", i)
		}
	}
	return tools, nil
}

func parseOpenAIToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var choice models.ToolChoice
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, &apierror.TranslationError{Message: "invalid tool_choice", Err: err}
	}
	return &choice, nil
}

// ClaudeTool is an Anthropic tool definition.
type ClaudeTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func claudeToolsToCanonical(tools []ClaudeTool) ([]models.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]models.Tool, 0, len(tools))
	for i, tool := range tools {
		if tool.Type != "" && tool.Type != "custom" {
			return nil, apierror.Translation("tools[%d]: unsupported tool type %q", i, tool.Type)
		}
		if strings.TrimSpace(tool.Name) == "" {
			return nil, apierror.Validation("tools[%d]: name must be provided", i)
		}
		out = append(out, models.Tool{
			Type: "function",
			Function: models.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out, nil
}

// ClaudeToolChoice is the Anthropic tool_choice object.
type ClaudeToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// toCanonical maps {type:auto|any|none|tool} onto the canonical vocabulary.
func (c ClaudeToolChoice) toCanonical() (*models.ToolChoice, error) {
	switch c.Type {
	case "auto":
		return &models.ToolChoice{Mode: models.ToolChoiceAuto}, nil
	case "any":
		return &models.ToolChoice{Mode: models.ToolChoiceRequired}, nil
	case "none":
		return &models.ToolChoice{Mode: models.ToolChoiceNone}, nil
	case "tool":
		if strings.TrimSpace(c.Name) == "" {
			return nil, apierror.Validation("tool_choice of type tool requires a name")
		}
		return &models.ToolChoice{Function: c.Name}, nil
	default:
		return nil, apierror.Translation("unsupported tool_choice type %q", c.Type)
	}
}
