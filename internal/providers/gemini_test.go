package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentrund/agentrund/pkg/models"
)

func TestNewGeminiProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewGeminiProvider(context.Background(), GeminiConfig{}); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestGeminiContents(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: []models.ContentBlock{{Type: models.BlockText, Text: "ignored"}}},
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ToolName: "search", ToolInput: json.RawMessage(`{"q":"go"}`)},
			},
		},
		{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockToolResult, ToolUseRefID: "search", ResultText: "results"}},
		},
	}

	out := geminiContents(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d contents, want 3 (system role dropped)", len(out))
	}
	if out[0].Role != "user" {
		t.Errorf("out[0].Role = %q, want user", out[0].Role)
	}
	if out[1].Role != "model" {
		t.Errorf("out[1].Role = %q, want model", out[1].Role)
	}
	if out[1].Parts[0].FunctionCall == nil || out[1].Parts[0].FunctionCall.Name != "search" {
		t.Errorf("expected function call part, got %+v", out[1].Parts[0])
	}
	if out[2].Parts[0].FunctionResponse == nil {
		t.Errorf("expected function response part, got %+v", out[2].Parts[0])
	}
}

func TestGeminiFunctionDecls(t *testing.T) {
	specs := []ToolSpec{
		{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", InputSchema: json.RawMessage(`not json`)},
	}
	out := geminiFunctionDecls(specs)
	if len(out) != 1 {
		t.Fatalf("got %d decls, want 1 (malformed schema skipped)", len(out))
	}
	if out[0].Name != "search" {
		t.Errorf("Name = %q, want search", out[0].Name)
	}
}
