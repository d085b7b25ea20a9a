package reconstruct

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentrund/agentrund/pkg/models"
)

func mustEvent(t *testing.T, typ models.EventType, payload any) *models.Event {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Event{ID: "evt-" + string(typ), Type: typ, Timestamp: time.Now(), Payload: b}
}

func TestFold_SimpleUserAssistantTurn(t *testing.T) {
	events := []*models.Event{
		mustEvent(t, models.EventMessageUser, messagePayload{Text: "hello"}),
		mustEvent(t, models.EventMessageAssistant, messagePayload{Text: "hi there"}),
	}
	msgs := Fold(events, nil)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("roles = %v/%v, want user/assistant", msgs[0].Role, msgs[1].Role)
	}
	if err := Validate(msgs); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFold_PairsToolCallWithResult(t *testing.T) {
	resultContent, _ := json.Marshal("42 files")
	events := []*models.Event{
		mustEvent(t, models.EventMessageUser, messagePayload{Text: "list files"}),
		mustEvent(t, models.EventMessageAssistant, messagePayload{}),
		mustEvent(t, models.EventToolCall, models.ToolCallPayload{CallID: "call-1", Name: "list_dir", Input: json.RawMessage(`{"path":"."}`)}),
		mustEvent(t, models.EventToolResult, models.ToolResultPayload{CallID: "call-1", Name: "list_dir", Content: resultContent}),
		mustEvent(t, models.EventMessageAssistant, messagePayload{Text: "there are 42 files"}),
	}
	msgs := Fold(events, nil)
	if err := Validate(msgs); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// user, assistant(tool_use), user(tool_result), assistant(text)
	if len(msgs) != 4 {
		t.Fatalf("len(msgs) = %d, want 4: %+v", len(msgs), msgs)
	}
	if msgs[1].Content[0].Type != models.BlockToolUse {
		t.Errorf("msgs[1] should carry the tool_use block")
	}
	if msgs[2].Content[0].Type != models.BlockToolResult {
		t.Errorf("msgs[2] should carry the tool_result block")
	}
}

func TestFold_DropsOrphanToolResult(t *testing.T) {
	resultContent, _ := json.Marshal("orphaned")
	events := []*models.Event{
		mustEvent(t, models.EventMessageUser, messagePayload{Text: "hi"}),
		mustEvent(t, models.EventToolResult, models.ToolResultPayload{CallID: "never-called", Content: resultContent}),
		mustEvent(t, models.EventMessageAssistant, messagePayload{Text: "ok"}),
	}
	msgs := Fold(events, nil)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2 (orphan result dropped)", len(msgs))
	}
}

func TestFold_CompactSummarySubstitution(t *testing.T) {
	events := []*models.Event{
		mustEvent(t, models.EventCompactSummary, models.CompactSummaryPayload{
			Summary:       "Refactored the parser module.",
			KeyDecisions:  []string{"Switched to recursive descent"},
			FilesModified: []string{"parser.go"},
		}),
		mustEvent(t, models.EventMessageUser, messagePayload{Text: "continue"}),
	}
	msgs := Fold(events, nil)
	// The summary becomes a user message, and alternation merges it with
	// the following user message into one.
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if !msgs[0].PriorContext {
		t.Error("compaction summary message should be marked PriorContext")
	}
}

func TestFold_PendingToolCallSurvivesAsTrailingMessage(t *testing.T) {
	events := []*models.Event{
		mustEvent(t, models.EventMessageUser, messagePayload{Text: "run the build"}),
		mustEvent(t, models.EventMessageAssistant, messagePayload{}),
		mustEvent(t, models.EventToolCall, models.ToolCallPayload{CallID: "call-1", Name: "run_build", Input: json.RawMessage(`{}`)}),
	}
	msgs := Fold(events, nil)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2 (trailing assistant tool_use with no result yet)", len(msgs))
	}
	if msgs[1].Content[0].Type != models.BlockToolUse {
		t.Error("trailing message should still carry the pending tool_use block")
	}
}

func TestEnforceAlternation_MergesAdjacentSameRole(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "a"}}},
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "b"}}},
	}
	merged := enforceAlternation(msgs)
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	if len(merged[0].Content) != 2 {
		t.Errorf("merged content length = %d, want 2", len(merged[0].Content))
	}
}
