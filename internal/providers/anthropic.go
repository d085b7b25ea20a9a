package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentrund/agentrund/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider streams completions from Claude models via
// anthropic-sdk-go's server-sent-event client.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds an AnthropicProvider. APIKey is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), defaultModel: defaultModel}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream converts req into an Anthropic MessageNewParams call and adapts
// the resulting SSE stream into the shared Chunk shape.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("providers: anthropic convert messages: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("providers: anthropic convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.ThinkingMode {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan Chunk)
	go func() {
		defer close(out)
		anthropicDrain(stream, out)
	}()
	return out, nil
}

// anthropicDrain reads SSE events off stream and emits them as Chunks,
// accumulating a tool_use block's input JSON across delta events the way
// the API streams it.
func anthropicDrain(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Chunk) {
	var toolUse *models.ContentBlock
	var toolInput strings.Builder
	var usage Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = ms.Message.Usage.InputTokens
			usage.CacheReadTokens = ms.Message.Usage.CacheReadInputTokens
			usage.CacheCreationTokens = ms.Message.Usage.CacheCreationInputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolUse = &models.ContentBlock{Type: models.BlockToolUse, ToolUseID: tu.ID, ToolName: tu.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{TextDelta: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- Chunk{ThinkingDelta: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolUse != nil {
				toolUse.ToolInput = json.RawMessage(toolInput.String())
				out <- Chunk{ToolUse: toolUse}
				toolUse = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = md.Usage.OutputTokens
			}

		case "message_stop":
			out <- Chunk{StopReason: "end_turn", Usage: &usage}
			return

		case "error":
			out <- Chunk{Err: fmt.Errorf("providers: anthropic stream error")}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- Chunk{Err: fmt.Errorf("providers: anthropic stream: %w", err)}
	}
}

func anthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case models.BlockToolUse:
				var input map[string]any
				if len(b.ToolInput) > 0 {
					if err := json.Unmarshal(b.ToolInput, &input); err != nil {
						return nil, fmt.Errorf("tool_use %s: %w", b.ToolName, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case models.BlockToolResult:
				text := b.ResultText
				if text == "" {
					for _, rb := range b.ResultBlocks {
						text += rb.Text
					}
				}
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseRefID, text, b.IsError))
			}
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func anthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tp.OfTool != nil {
			tp.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, tp)
	}
	return out, nil
}
