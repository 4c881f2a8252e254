package translator

import (
	"strconv"
	"strings"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

// message is the dialect-neutral form both inbound dialects decode into
// before canonical messages are built.
type message struct {
	role  string
	name  string
	parts []models.Part
	// plain records that the client sent string content, so a single text
	// part is written back as a string rather than an array.
	plain bool
}

const blobSeparator = "\n\n"

// buildMessages converts dialect-neutral messages into canonical messages.
// Parts are never dropped or reordered: runs of user content are grouped
// into one user message and each tool result becomes its own tool message,
// in the order they appeared.
func buildMessages(in []message) ([]models.ChatMessage, error) {
	out := make([]models.ChatMessage, 0, len(in))
	for i, msg := range in {
		var (
			built []models.ChatMessage
			err   error
		)
		switch msg.role {
		case models.RoleSystem, models.RoleDeveloper:
			built, err = buildInstructionMessage(msg)
		case models.RoleUser, models.RoleTool:
			built, err = buildUserMessages(msg)
		case models.RoleAssistant:
			built, err = buildAssistantMessage(msg)
		default:
			err = apierror.Validation("invalid role %q", msg.role)
		}
		if err != nil {
			return nil, prefixIndex(i, err)
		}
		out = append(out, built...)
	}
	return out, nil
}

func buildInstructionMessage(msg message) ([]models.ChatMessage, error) {
	texts := make([]string, 0, len(msg.parts))
	for _, part := range msg.parts {
		switch p := part.(type) {
		case models.TextPart:
			texts = append(texts, p.Text)
		default:
			return nil, apierror.Translation("%s message may only contain text, got %q", msg.role, part.Kind())
		}
	}
	return []models.ChatMessage{{
		Role:    msg.role,
		Name:    msg.name,
		Content: models.TextContent(strings.Join(texts, "")),
	}}, nil
}

func buildUserMessages(msg message) ([]models.ChatMessage, error) {
	var (
		out []models.ChatMessage
		run []models.ContentItem
	)

	flush := func() {
		if run == nil {
			return
		}
		out = append(out, models.ChatMessage{Role: models.RoleUser, Name: msg.name, Content: userContent(run, msg.plain)})
		run = nil
	}

	for _, part := range msg.parts {
		switch p := part.(type) {
		case models.TextPart:
			run = append(run, models.ContentItem{Type: models.ItemText, Text: p.Text})
		case models.ThinkingPart:
			run = append(run, models.ContentItem{Type: models.ItemText, Text: p.Text})
		case models.ImagePart:
			run = append(run, imageItem(p))
		case models.ToolResultPart:
			flush()
			toolMsg, images, err := buildToolMessage(p)
			if err != nil {
				return nil, err
			}
			out = append(out, toolMsg)
			run = append(run, images...)
		case models.ToolUsePart:
			return nil, apierror.Translation("tool_use is only valid in assistant messages")
		default:
			return nil, apierror.Translation("unsupported content part %q", part.Kind())
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, models.ChatMessage{Role: models.RoleUser, Name: msg.name, Content: userContent([]models.ContentItem{}, msg.plain)})
	}
	return out, nil
}

// buildToolMessage renders a tool result as a tool-role message. Images are
// returned separately because tool messages only carry text upstream; they
// join the following user content.
func buildToolMessage(result models.ToolResultPart) (models.ChatMessage, []models.ContentItem, error) {
	if strings.TrimSpace(result.ToolUseID) == "" {
		return models.ChatMessage{}, nil, apierror.Validation("tool result is missing its tool_use_id")
	}

	var (
		texts  []string
		images []models.ContentItem
	)
	for _, part := range result.Content {
		switch p := part.(type) {
		case models.TextPart:
			texts = append(texts, p.Text)
		case models.ImagePart:
			images = append(images, imageItem(p))
		default:
			return models.ChatMessage{}, nil, apierror.Translation("unsupported tool result content %q", part.Kind())
		}
	}

	return models.ChatMessage{
		Role:       models.RoleTool,
		ToolCallID: result.ToolUseID,
		Content:    models.TextContent(strings.Join(texts, "\n")),
	}, images, nil
}

func buildAssistantMessage(msg message) ([]models.ChatMessage, error) {
	var (
		texts     []string
		toolCalls []models.ToolCall
	)
	for _, part := range msg.parts {
		switch p := part.(type) {
		case models.ThinkingPart:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case models.TextPart:
			texts = append(texts, p.Text)
		case models.ToolUsePart:
			if strings.TrimSpace(p.Name) == "" {
				return nil, apierror.Validation("tool_use is missing its name")
			}
			args := string(p.Input)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, models.ToolCall{
				ID:       p.ID,
				Type:     "function",
				Function: models.FunctionCall{Name: p.Name, Arguments: args},
			})
		case models.ImagePart, models.ToolResultPart:
			return nil, apierror.Translation("%s is not valid in an assistant message", part.Kind())
		default:
			return nil, apierror.Translation("unsupported content part %q", part.Kind())
		}
	}

	out := models.ChatMessage{Role: models.RoleAssistant, Name: msg.name, ToolCalls: toolCalls}
	if len(texts) > 0 || len(toolCalls) == 0 {
		out.Content = models.TextContent(strings.Join(texts, blobSeparator))
	}
	return []models.ChatMessage{out}, nil
}

func userContent(items []models.ContentItem, plain bool) models.Content {
	if plain && len(items) == 1 && items[0].Type == models.ItemText {
		return models.TextContent(items[0].Text)
	}
	return models.Content{Items: items}
}

func imageItem(p models.ImagePart) models.ContentItem {
	return models.ContentItem{Type: models.ItemImageURL, ImageURL: &models.ImageURL{URL: p.URL, Detail: p.Detail}}
}

func prefixIndex(i int, err error) error {
	switch e := err.(type) {
	case *apierror.ValidationError:
		return &apierror.ValidationError{Message: "messages[" + strconv.Itoa(i) + "]: " + e.Message, Err: e.Err}
	case *apierror.TranslationError:
		return &apierror.TranslationError{Message: "messages[" + strconv.Itoa(i) + "]: " + e.Message, Err: e.Err}
	default:
		return err
	}
}
