package providers

import (
	"encoding/json"
	"testing"

	"github.com/agentrund/agentrund/pkg/models"
)

func TestNewOpenAIProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for empty api key")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
}

func TestOpenAIMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hello"}}},
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ToolUseID: "call_1", ToolName: "search", ToolInput: json.RawMessage(`{"q":"go"}`)},
			},
		},
		{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockToolResult, ToolUseRefID: "call_1", ResultText: "results"}},
		},
	}

	out := openaiMessages(msgs, "be concise")
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3)", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be concise" {
		t.Errorf("system message not prepended correctly: %+v", out[0])
	}
	if out[2].ToolCalls[0].Function.Name != "search" {
		t.Errorf("tool call name = %q, want search", out[2].ToolCalls[0].Function.Name)
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "call_1" {
		t.Errorf("tool result message malformed: %+v", out[3])
	}
}

func TestOpenAITools(t *testing.T) {
	specs := []ToolSpec{{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	out := openaiTools(specs)
	if len(out) != 1 {
		t.Fatalf("got %d tools, want 1", len(out))
	}
	if out[0].Function.Name != "search" {
		t.Errorf("Function.Name = %q, want search", out[0].Function.Name)
	}
}

func TestOrderedToolCalls(t *testing.T) {
	m := map[int]*models.ContentBlock{
		2: {ToolName: "third"},
		0: {ToolName: "first"},
		1: {ToolName: "second"},
	}
	out := orderedToolCalls(m)
	if len(out) != 3 {
		t.Fatalf("got %d tool calls, want 3", len(out))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if out[i].ToolName != w {
			t.Errorf("out[%d].ToolName = %q, want %q", i, out[i].ToolName, w)
		}
	}
}

func TestOrderedToolCalls_SparseIndices(t *testing.T) {
	m := map[int]*models.ContentBlock{
		0: {ToolName: "first"},
		3: {ToolName: "fourth"},
	}
	out := orderedToolCalls(m)
	if len(out) != 2 {
		t.Fatalf("got %d tool calls, want 2 (gaps skipped)", len(out))
	}
	if out[0].ToolName != "first" || out[1].ToolName != "fourth" {
		t.Errorf("unexpected order: %+v", out)
	}
}

func TestOrderedToolCalls_Empty(t *testing.T) {
	if out := orderedToolCalls(map[int]*models.ContentBlock{}); len(out) != 0 {
		t.Errorf("got %d tool calls, want 0", len(out))
	}
}
