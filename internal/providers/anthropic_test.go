package providers

import (
	"encoding/json"
	"testing"

	"github.com/agentrund/agentrund/pkg/models"
)

func TestNewAnthropicProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for empty api key")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
	if p.defaultModel == "" {
		t.Error("expected a non-empty default model")
	}
}

func TestNewAnthropicProvider_DefaultModelOverride(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test", DefaultModel: "claude-x"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.defaultModel != "claude-x" {
		t.Errorf("defaultModel = %q, want claude-x", p.defaultModel)
	}
}

func TestAnthropicMessages(t *testing.T) {
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
				{Type: models.BlockToolResult, ToolUseRefID: "t1", ResultText: "result text"},
			},
		},
	}

	out, err := anthropicMessages(msgs)
	if err != nil {
		t.Fatalf("anthropicMessages: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3 (system role dropped)", len(out))
	}
}

func TestAnthropicMessages_InvalidToolInput(t *testing.T) {
	msgs := []models.Message{
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ToolUseID: "t1", ToolName: "search", ToolInput: json.RawMessage(`not json`)},
			},
		},
	}
	if _, err := anthropicMessages(msgs); err == nil {
		t.Fatal("expected error for malformed tool input")
	}
}

func TestAnthropicTools(t *testing.T) {
	specs := []ToolSpec{
		{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
	}
	out, err := anthropicTools(specs)
	if err != nil {
		t.Fatalf("anthropicTools: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d tools, want 1", len(out))
	}
}

func TestAnthropicTools_InvalidSchema(t *testing.T) {
	specs := []ToolSpec{{Name: "search", InputSchema: json.RawMessage(`not json`)}}
	if _, err := anthropicTools(specs); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}
