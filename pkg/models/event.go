// Package models defines the shared domain types for the agent runtime:
// events, sessions, workspaces, blobs, branches, and the message shapes
// exchanged with LLM providers and RPC clients.
package models

import (
	"encoding/json"
	"time"
)

// EventType discriminates the payload shape carried by an Event.
type EventType string

const (
	EventSessionStart    EventType = "session.start"
	EventSessionEnd      EventType = "session.end"
	EventSessionFork     EventType = "session.fork"
	EventSessionArchived EventType = "session.archived"
	EventSessionDeleted  EventType = "session.deleted"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventStreamTurnStart        EventType = "stream.turn_start"
	EventStreamTurnEnd          EventType = "stream.turn_end"
	EventStreamThinkingComplete EventType = "stream.thinking_complete"

	EventConfigModelSwitch    EventType = "config.model_switch"
	EventConfigReasoningLevel EventType = "config.reasoning_level"
	EventConfigPromptUpdate   EventType = "config.prompt_update"

	EventContextCleared EventType = "context.cleared"
	EventCompactBoundary EventType = "compact.boundary"
	EventCompactSummary  EventType = "compact.summary"

	EventSubagentSpawned   EventType = "subagent.spawned"
	EventSubagentProgress  EventType = "subagent.progress"
	EventSubagentCompleted EventType = "subagent.completed"
	EventSubagentFailed    EventType = "subagent.failed"

	EventTurnFailed             EventType = "turn.failed"
	EventErrorAgent             EventType = "error.agent"
	EventErrorTool              EventType = "error.tool"
	EventErrorProvider          EventType = "error.provider"
	EventNotificationInterrupt  EventType = "notification.interrupted"
	EventRulesLoaded            EventType = "rules.loaded"
	EventTodoWrite              EventType = "todo.write"
)

// Event is an immutable node in a session's append-only history tree.
type Event struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	ParentID      string          `json:"parentId,omitempty"`
	Sequence      int64           `json:"sequence"`
	Depth         int             `json:"depth"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	ContentBlobID string          `json:"contentBlobId,omitempty"`

	// Denormalized columns used for indexing and fast filtering.
	Role       string `json:"role,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Turn       int    `json:"turn,omitempty"`

	// Per-turn analytics columns (populated on message.assistant / stream.turn_end).
	Model        string  `json:"model,omitempty"`
	LatencyMS    int64   `json:"latencyMs,omitempty"`
	StopReason   string  `json:"stopReason,omitempty"`
	HasThinking  bool    `json:"hasThinking,omitempty"`
	ProviderType string  `json:"providerType,omitempty"`
	Cost         float64 `json:"cost,omitempty"`

	Checksum string `json:"checksum,omitempty"`
}

// TruncatedPayload is substituted for payload content exceeding the
// large-content threshold; the original bytes are preserved in a Blob.
type TruncatedPayload struct {
	Truncated bool   `json:"_truncated"`
	BlobID    string `json:"blobId"`
}

// SearchHit is one row of a full-text search result over event payloads.
type SearchHit struct {
	EventID string  `json:"eventId"`
	Snippet string  `json:"snippet"`
	Rank    float64 `json:"rank"`
}
