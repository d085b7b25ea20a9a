package orchestrator

import (
	"strings"
	"time"

	"github.com/agentrund/agentrund/internal/providers"
	"github.com/agentrund/agentrund/pkg/models"
)

// turnAccumulator collects one provider stream's deltas into the shapes
// the orchestrator persists once the stream ends: the assistant message
// text, the tool-use blocks to dispatch, and the terminal usage/stop
// reason. Tool-use blocks are recorded as separate tool.call events (see
// Fold in internal/reconstruct), not embedded in the assistant message
// payload, so this only buffers them for dispatch.
type turnAccumulator struct {
	text       strings.Builder
	thinking   strings.Builder
	toolUses   []models.ContentBlock
	usage      *providers.Usage
	stopReason string
}

func newTurnAccumulator() *turnAccumulator {
	return &turnAccumulator{}
}

func (a *turnAccumulator) apply(c providers.Chunk) {
	if c.TextDelta != "" {
		a.text.WriteString(c.TextDelta)
	}
	if c.ThinkingDelta != "" {
		a.thinking.WriteString(c.ThinkingDelta)
	}
	if c.ToolUse != nil {
		a.toolUses = append(a.toolUses, *c.ToolUse)
	}
	if c.Usage != nil {
		a.usage = c.Usage
	}
	if c.StopReason != "" {
		a.stopReason = c.StopReason
	}
}

// assistantMessagePayload is the payload shape persisted as a
// message.assistant event: the text content plus per-turn analytics that
// ride alongside it for Observability/RPC status reporting.
type assistantMessagePayload struct {
	Text        string  `json:"text,omitempty"`
	Thinking    string  `json:"thinking,omitempty"`
	HasThinking bool    `json:"hasThinking,omitempty"`
	StopReason  string  `json:"stopReason,omitempty"`
	Cost        float64 `json:"cost,omitempty"`
}

func assistantPayload(acc *turnAccumulator) assistantMessagePayload {
	p := assistantMessagePayload{
		Text:       acc.text.String(),
		Thinking:   acc.thinking.String(),
		StopReason: acc.stopReason,
	}
	p.HasThinking = p.Thinking != ""
	if acc.usage != nil {
		p.Cost = acc.usage.Cost
	}
	return p
}

// turnEndPayload is the payload shape persisted as a stream.turn_end
// event: the usage/cost/latency summary RPC clients see in
// `agent.turn_complete`.
type turnEndPayload struct {
	StopReason         string  `json:"stopReason,omitempty"`
	LatencyMS          int64   `json:"latencyMs"`
	InputTokens        int64   `json:"inputTokens,omitempty"`
	OutputTokens       int64   `json:"outputTokens,omitempty"`
	CacheReadTokens    int64   `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64  `json:"cacheCreationTokens,omitempty"`
	Cost               float64 `json:"cost,omitempty"`
}

func turnEndPayloadOf(acc *turnAccumulator, latency time.Duration) turnEndPayload {
	p := turnEndPayload{StopReason: acc.stopReason, LatencyMS: latency.Milliseconds()}
	if acc.usage != nil {
		p.InputTokens = acc.usage.InputTokens
		p.OutputTokens = acc.usage.OutputTokens
		p.CacheReadTokens = acc.usage.CacheReadTokens
		p.CacheCreationTokens = acc.usage.CacheCreationTokens
		p.Cost = acc.usage.Cost
	}
	return p
}
