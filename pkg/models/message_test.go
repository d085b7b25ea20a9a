package models

import (
	"encoding/json"
	"testing"
)

func TestContentBlock_MarshalToolResultString(t *testing.T) {
	block := ContentBlock{
		Type:         BlockToolResult,
		ToolUseRefID: "call-1",
		ResultText:   "a.txt\nb.txt",
	}

	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded["content"] != "a.txt\nb.txt" {
		t.Errorf("content = %v, want plain string", decoded["content"])
	}
	if decoded["tool_use_id"] != "call-1" {
		t.Errorf("tool_use_id = %v, want %q", decoded["tool_use_id"], "call-1")
	}
}

func TestContentBlock_MarshalToolResultBlocks(t *testing.T) {
	block := ContentBlock{
		Type:         BlockToolResult,
		ToolUseRefID: "call-2",
		ResultBlocks: []ContentBlock{{Type: BlockText, Text: "nested"}},
	}

	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded struct {
		Content []ContentBlock `json:"content"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(decoded.Content) != 1 || decoded.Content[0].Text != "nested" {
		t.Errorf("content = %+v, want one nested text block", decoded.Content)
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	original := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			{Type: BlockText, Text: "Two files."},
			{Type: BlockToolUse, ToolUseID: "t1", ToolName: "list_dir", ToolInput: json.RawMessage(`{"path":"."}`)},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Role != RoleAssistant {
		t.Errorf("Role = %v, want %v", decoded.Role, RoleAssistant)
	}
	if len(decoded.Content) != 2 {
		t.Fatalf("Content length = %d, want 2", len(decoded.Content))
	}
	if decoded.Content[1].ToolName != "list_dir" {
		t.Errorf("ToolName = %q, want %q", decoded.Content[1].ToolName, "list_dir")
	}
}
