package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/agentrund/agentrund/pkg/models"
)

// GeminiConfig configures a GeminiProvider.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiProvider streams completions from Google's Gemini API via the
// google.golang.org/genai client, draining its Go-iterator stream into
// the shared Chunk shape.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider builds a GeminiProvider. APIKey is required.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("providers: gemini client: %w", err)
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiProvider{client: client, defaultModel: defaultModel}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}
	contents := geminiContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: geminiFunctionDecls(req.Tools)}}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var usage Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("providers: gemini stream: %w", err)}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}
			for _, cand := range resp.Candidates {
				if cand == nil || cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						out <- Chunk{TextDelta: part.Text}
					}
					if part.FunctionCall != nil {
						args, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							args = []byte("{}")
						}
						out <- Chunk{ToolUse: &models.ContentBlock{
							Type:      models.BlockToolUse,
							ToolUseID: part.FunctionCall.Name,
							ToolName:  part.FunctionCall.Name,
							ToolInput: args,
						}}
					}
				}
			}
		}
		out <- Chunk{StopReason: "end_turn", Usage: &usage}
	}()
	return out, nil
}

func geminiContents(msgs []models.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		role := genai.RoleUser
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		content := &genai.Content{Role: role}
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
			case models.BlockToolUse:
				var args map[string]any
				if len(b.ToolInput) > 0 {
					_ = json.Unmarshal(b.ToolInput, &args)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: b.ToolName, Args: args},
				})
			case models.BlockToolResult:
				text := b.ResultText
				for _, rb := range b.ResultBlocks {
					text += rb.Text
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     b.ToolUseRefID,
						Response: map[string]any{"result": text, "error": b.IsError},
					},
				})
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func geminiFunctionDecls(specs []ToolSpec) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, t := range specs {
		var schema genai.Schema
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			continue
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  &schema,
		})
	}
	return out
}
