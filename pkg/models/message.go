package models

import "encoding/json"

// Role is the provider-facing message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the kind of content block within a Message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of a Message's content array. Exactly the
// fields relevant to Type are populated; this mirrors the tagged-union
// shape providers expect on the wire.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseRefID string `json:"tool_use_id,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
	// Content may be a plain string or an array of blocks on the wire;
	// ResultBlocks is populated when it is an array, ResultText otherwise.
	ResultText   string         `json:"-"`
	ResultBlocks []ContentBlock `json:"-"`
}

// Message is one provider-facing turn: a role and an ordered content array.
// Reconstruction produces a []Message that must satisfy strict
// user/assistant alternation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// PriorContext marks a synthesized message (e.g. a compaction summary)
	// rather than a message folded from a literal event.
	PriorContext bool `json:"-"`
}

// MarshalJSON normalizes tool_result content to the provider's expected
// shape: a bare string when there are no nested blocks, an array otherwise.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	type alias ContentBlock
	if b.Type == BlockToolResult {
		out := struct {
			Type      BlockType `json:"type"`
			ToolUseID string    `json:"tool_use_id,omitempty"`
			IsError   bool      `json:"is_error,omitempty"`
			Content   any       `json:"content"`
		}{Type: b.Type, ToolUseID: b.ToolUseRefID, IsError: b.IsError}
		if len(b.ResultBlocks) > 0 {
			out.Content = b.ResultBlocks
		} else {
			out.Content = b.ResultText
		}
		return json.Marshal(out)
	}
	return json.Marshal(alias(b))
}

// ToolCallPayload is the payload shape of a tool.call event.
type ToolCallPayload struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

// ToolResultPayload is the payload shape of a tool.result event.
type ToolResultPayload struct {
	CallID  string          `json:"callId"`
	Name    string          `json:"name"`
	IsError bool            `json:"isError"`
	Content json.RawMessage `json:"content"`
}

// CompactSummaryPayload is the payload shape of a compact.summary event.
type CompactSummaryPayload struct {
	Summary       string   `json:"summary"`
	KeyDecisions  []string `json:"keyDecisions,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
}

// CompactBoundaryPayload is the payload shape of a compact.boundary event.
type CompactBoundaryPayload struct {
	FromEventID string `json:"fromEventId"`
	ToEventID   string `json:"toEventId"`
	TokensSaved int    `json:"tokensSaved"`
}
