package providers

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentrund/agentrund/pkg/models"
)

func TestBedrockMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: []models.ContentBlock{{Type: models.BlockText, Text: "ignored"}}},
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ToolUseID: "t1", ToolName: "search", ToolInput: json.RawMessage(`{"q":"go"}`)},
			},
		},
		{
			Role: models.RoleUser,
			Content: []models.ContentBlock{
				{Type: models.BlockToolResult, ToolUseRefID: "t1", ResultText: "result text", IsError: true},
			},
		},
	}

	out, err := bedrockMessages(msgs)
	if err != nil {
		t.Fatalf("bedrockMessages: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3 (system role dropped)", len(out))
	}
	if out[0].Role != types.ConversationRoleUser {
		t.Errorf("out[0].Role = %v, want user", out[0].Role)
	}
	if out[1].Role != types.ConversationRoleAssistant {
		t.Errorf("out[1].Role = %v, want assistant", out[1].Role)
	}
	toolResult, ok := out[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("out[2].Content[0] type = %T, want *types.ContentBlockMemberToolResult", out[2].Content[0])
	}
	if toolResult.Value.Status != types.ToolResultStatusError {
		t.Errorf("tool result status = %v, want error", toolResult.Value.Status)
	}
	if aws.ToString(toolResult.Value.ToolUseId) != "t1" {
		t.Errorf("ToolUseId = %q, want t1", aws.ToString(toolResult.Value.ToolUseId))
	}
}

func TestBedrockMessages_InvalidToolInput(t *testing.T) {
	msgs := []models.Message{
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ToolUseID: "t1", ToolName: "search", ToolInput: json.RawMessage(`not json`)},
			},
		},
	}
	if _, err := bedrockMessages(msgs); err == nil {
		t.Fatal("expected error for malformed tool input")
	}
}

func TestBedrockToolConfig(t *testing.T) {
	specs := []ToolSpec{
		{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", InputSchema: json.RawMessage(`not json`)},
	}
	cfg := bedrockToolConfig(specs)
	if len(cfg.Tools) != 1 {
		t.Fatalf("got %d tools, want 1 (malformed schema skipped)", len(cfg.Tools))
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool type = %T, want *types.ToolMemberToolSpec", cfg.Tools[0])
	}
	if aws.ToString(spec.Value.Name) != "search" {
		t.Errorf("Name = %q, want search", aws.ToString(spec.Value.Name))
	}
}

func TestNewBedrockRuntimeProvider_DefaultModel(t *testing.T) {
	p := &BedrockRuntimeProvider{defaultModel: "anthropic.claude-3-sonnet-20240229-v1:0"}
	if p.Name() != "bedrock" {
		t.Errorf("Name() = %q, want bedrock", p.Name())
	}
}
