package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentrund/agentrund/pkg/models"
)

// BedrockRuntimeConfig configures a BedrockRuntimeProvider. Credentials
// fall through to the default AWS chain (env, shared config, IAM role)
// when AccessKeyID is empty.
type BedrockRuntimeConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockRuntimeProvider streams completions from AWS Bedrock's Converse
// API, which normalizes Anthropic/Titan/Llama/etc. models hosted on
// Bedrock behind one request/response shape.
type BedrockRuntimeProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockRuntimeProvider builds a BedrockRuntimeProvider against the
// named AWS region.
func NewBedrockRuntimeProvider(ctx context.Context, cfg BedrockRuntimeConfig) (*BedrockRuntimeProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("providers: bedrock load aws config: %w", err)
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	return &BedrockRuntimeProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: defaultModel,
	}, nil
}

func (p *BedrockRuntimeProvider) Name() string { return "bedrock" }

func (p *BedrockRuntimeProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}
	messages, err := bedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("providers: bedrock convert messages: %w", err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{ModelId: aws.String(model), Messages: messages}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = bedrockToolConfig(req.Tools)
	}

	stream, err := p.client.ConverseStream(ctx, converseReq)
	if err != nil {
		return nil, fmt.Errorf("providers: bedrock converse stream: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		bedrockDrain(stream, out)
	}()
	return out, nil
}

func bedrockDrain(stream *bedrockruntime.ConverseStreamOutput, out chan<- Chunk) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var toolUse *models.ContentBlock
	var toolInput string

	for event := range eventStream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				toolUse = &models.ContentBlock{
					Type:      models.BlockToolUse,
					ToolUseID: aws.ToString(tu.Value.ToolUseId),
					ToolName:  aws.ToString(tu.Value.Name),
				}
				toolInput = ""
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					out <- Chunk{TextDelta: delta.Value}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput += *delta.Value.Input
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if toolUse != nil {
				toolUse.ToolInput = json.RawMessage(toolInput)
				out <- Chunk{ToolUse: toolUse}
				toolUse = nil
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			out <- Chunk{StopReason: "end_turn"}
			return

		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				out <- Chunk{Usage: &Usage{
					InputTokens:  int64(aws.ToInt32(ev.Value.Usage.InputTokens)),
					OutputTokens: int64(aws.ToInt32(ev.Value.Usage.OutputTokens)),
				}}
			}
		}
	}
	if err := eventStream.Err(); err != nil {
		out <- Chunk{Err: fmt.Errorf("providers: bedrock stream: %w", err)}
	}
}

func bedrockMessages(msgs []models.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		var blocks []types.ContentBlock
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				blocks = append(blocks, &types.ContentBlockMemberText{Value: b.Text})
			case models.BlockToolUse:
				var input document.Interface
				if len(b.ToolInput) > 0 {
					var raw map[string]any
					if err := json.Unmarshal(b.ToolInput, &raw); err != nil {
						return nil, fmt.Errorf("tool_use %s: %w", b.ToolName, err)
					}
					input = document.NewLazyDocument(raw)
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{ToolUseId: aws.String(b.ToolUseID), Name: aws.String(b.ToolName), Input: input},
				})
			case models.BlockToolResult:
				text := b.ResultText
				for _, rb := range b.ResultBlocks {
					text += rb.Text
				}
				status := types.ToolResultStatusSuccess
				if b.IsError {
					status = types.ToolResultStatusError
				}
				blocks = append(blocks, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(b.ToolUseRefID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
						Status:    status,
					},
				})
			}
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func bedrockToolConfig(specs []ToolSpec) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(specs))
	for _, t := range specs {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			continue
		}
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}
}
