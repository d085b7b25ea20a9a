// Package reconstruct folds a session's event slice into the ordered
// provider message list a Turn Orchestrator sends upstream. Fold is pure:
// given the same events it always returns the same messages, with no I/O
// and no dependency on the Event Store.
package reconstruct

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentrund/agentrund/pkg/models"
)

// messagePayload is the payload shape of message.user / message.assistant /
// message.system events: either a bare text shorthand or a full content
// block array (thinking, tool_use, images, ...).
type messagePayload struct {
	Text   string               `json:"text,omitempty"`
	Blocks []models.ContentBlock `json:"blocks,omitempty"`
}

func (p messagePayload) contentBlocks() []models.ContentBlock {
	if len(p.Blocks) > 0 {
		return p.Blocks
	}
	if p.Text != "" {
		return []models.ContentBlock{{Type: models.BlockText, Text: p.Text}}
	}
	return nil
}

// Fold turns an ordered (root-to-head) slice of events into provider
// messages. It pairs each tool.call with its tool.result by call id using
// the same pending-set technique transcript repair uses: an assistant
// message opens a pending set of the tool_use ids it emitted, and results
// are attached to the nearest open tool message until every pending id is
// resolved or the next assistant message supersedes them. Tool calls left
// pending at the end of the slice (no result has arrived yet) are kept as
// the trailing assistant message so mid-turn state folds correctly.
//
// compact.summary events are substituted for the span of history they
// cover: Fold does not recompute what was compacted, it trusts the
// boundary the Context Manager already wrote and turns the summary into a
// synthetic priming message.
func Fold(events []*models.Event, log *slog.Logger) []models.Message {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "reconstruct")

	var (
		out     []models.Message
		pending = make(map[string]int) // tool_use id -> index into out of the assistant message that opened it
	)

	appendUser := func(blocks []models.ContentBlock) {
		out = append(out, models.Message{Role: models.RoleUser, Content: blocks})
	}

	for _, ev := range events {
		switch ev.Type {
		case models.EventMessageUser:
			var p messagePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				log.Warn("skipping undecodable user message", "event_id", ev.ID, "error", err)
				continue
			}
			blocks := p.contentBlocks()
			if len(blocks) == 0 {
				continue
			}
			appendUser(blocks)
			clearPending(pending)

		case models.EventMessageAssistant, models.EventMessageSystem:
			var p messagePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				log.Warn("skipping undecodable assistant message", "event_id", ev.ID, "error", err)
				continue
			}
			role := models.RoleAssistant
			if ev.Type == models.EventMessageSystem {
				role = models.RoleSystem
			}
			blocks := p.contentBlocks()
			out = append(out, models.Message{Role: role, Content: blocks})
			clearPending(pending)

		case models.EventToolCall:
			var call models.ToolCallPayload
			if err := json.Unmarshal(ev.Payload, &call); err != nil {
				log.Warn("skipping undecodable tool call", "event_id", ev.ID, "error", err)
				continue
			}
			block := models.ContentBlock{Type: models.BlockToolUse, ToolUseID: call.CallID, ToolName: call.Name, ToolInput: call.Input}
			if len(out) == 0 || out[len(out)-1].Role != models.RoleAssistant {
				out = append(out, models.Message{Role: models.RoleAssistant})
			}
			idx := len(out) - 1
			out[idx].Content = append(out[idx].Content, block)
			pending[call.CallID] = idx

		case models.EventToolResult:
			var res models.ToolResultPayload
			if err := json.Unmarshal(ev.Payload, &res); err != nil {
				log.Warn("skipping undecodable tool result", "event_id", ev.ID, "error", err)
				continue
			}
			if _, ok := pending[res.CallID]; !ok {
				log.Warn("dropping orphan tool result", "event_id", ev.ID, "call_id", res.CallID)
				continue
			}
			delete(pending, res.CallID)

			block := models.ContentBlock{Type: models.BlockToolResult, ToolUseRefID: res.CallID, IsError: res.IsError}
			if err := json.Unmarshal(res.Content, &block.ResultText); err != nil {
				block.ResultText = string(res.Content)
			}

			if len(out) > 0 && out[len(out)-1].Role == models.RoleUser && isToolResultOnly(out[len(out)-1]) {
				idx := len(out) - 1
				out[idx].Content = append(out[idx].Content, block)
			} else {
				appendUser([]models.ContentBlock{block})
			}

		case models.EventCompactSummary:
			var sum models.CompactSummaryPayload
			if err := json.Unmarshal(ev.Payload, &sum); err != nil {
				log.Warn("skipping undecodable compaction summary", "event_id", ev.ID, "error", err)
				continue
			}
			text := summaryToText(sum)
			out = append(out, models.Message{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: text}}, PriorContext: true})
			clearPending(pending)

		default:
			// Non-message events (session.*, stream.*, config.*, subagent.*,
			// ...) carry no provider-facing content.
		}
	}

	return enforceAlternation(out)
}

func clearPending(pending map[string]int) {
	for k := range pending {
		delete(pending, k)
	}
}

func isToolResultOnly(m models.Message) bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type != models.BlockToolResult {
			return false
		}
	}
	return true
}

func summaryToText(sum models.CompactSummaryPayload) string {
	text := sum.Summary
	if len(sum.KeyDecisions) > 0 {
		text += "\n\nKey decisions:"
		for _, d := range sum.KeyDecisions {
			text += "\n- " + d
		}
	}
	if len(sum.FilesModified) > 0 {
		text += "\n\nFiles modified:"
		for _, f := range sum.FilesModified {
			text += "\n- " + f
		}
	}
	return text
}

// enforceAlternation merges any accidental same-role neighbors left over
// from folding (e.g. a system message immediately followed by another
// system message) so the result satisfies strict user/assistant
// alternation before it reaches a provider that requires it.
func enforceAlternation(msgs []models.Message) []models.Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:1]
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content = append(last.Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Validate reports whether msgs satisfies strict alternation and pairing
// invariants a provider call requires, returning a descriptive error if
// not. Callers use this in tests and before a dispatch that must not
// silently send a malformed transcript.
func Validate(msgs []models.Message) error {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Role == msgs[i-1].Role {
			return fmt.Errorf("reconstruct: messages %d and %d both have role %q", i-1, i, msgs[i].Role)
		}
	}
	pending := map[string]bool{}
	for _, m := range msgs {
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockToolUse:
				pending[b.ToolUseID] = true
			case models.BlockToolResult:
				if !pending[b.ToolUseRefID] {
					return fmt.Errorf("reconstruct: tool_result %q has no matching tool_use", b.ToolUseRefID)
				}
				delete(pending, b.ToolUseRefID)
			}
		}
	}
	return nil
}
