package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentrund/agentrund/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider streams chat completions from the OpenAI API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider builds an OpenAIProvider. APIKey is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), defaultModel: defaultModel}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}
	messages := openaiMessages(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("providers: openai create stream: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		openaiDrain(stream, out)
	}()
	return out, nil
}

// openaiDrain reads delta events from stream, accumulating tool-call
// arguments by index since OpenAI streams them as fragments keyed by
// position rather than by a stable id on every chunk.
func openaiDrain(stream *openai.ChatCompletionStream, out chan<- Chunk) {
	toolCalls := map[int]*models.ContentBlock{}
	var usage Usage

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, tc := range orderedToolCalls(toolCalls) {
					out <- Chunk{ToolUse: tc}
				}
				out <- Chunk{StopReason: "end_turn", Usage: &usage}
				return
			}
			out <- Chunk{Err: fmt.Errorf("providers: openai stream: %w", err)}
			return
		}
		if resp.Usage != nil {
			usage.InputTokens = int64(resp.Usage.PromptTokens)
			usage.OutputTokens = int64(resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- Chunk{TextDelta: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			block, ok := toolCalls[idx]
			if !ok {
				block = &models.ContentBlock{Type: models.BlockToolUse}
				toolCalls[idx] = block
			}
			if tc.ID != "" {
				block.ToolUseID = tc.ID
			}
			if tc.Function.Name != "" {
				block.ToolName = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				block.ToolInput = append(block.ToolInput, []byte(tc.Function.Arguments)...)
			}
		}
	}
}

func orderedToolCalls(m map[int]*models.ContentBlock) []*models.ContentBlock {
	maxIdx := -1
	for i := range m {
		if i > maxIdx {
			maxIdx = i
		}
	}
	out := make([]*models.ContentBlock, 0, len(m))
	for i := 0; i <= maxIdx; i++ {
		if tc, ok := m[i]; ok {
			out = append(out, tc)
		}
	}
	return out
}

func openaiMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msg := openai.ChatCompletionMessage{Role: role}
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				msg.Content += b.Text
			case models.BlockToolUse:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(b.ToolInput),
					},
				})
			case models.BlockToolResult:
				text := b.ResultText
				for _, rb := range b.ResultBlocks {
					text += rb.Text
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    text,
					ToolCallID: b.ToolUseRefID,
				})
				continue
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
		}
	}
	return out
}

func openaiTools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, t := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}
