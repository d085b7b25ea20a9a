package providers

import (
	stdctx "context"
	"fmt"
	"strings"

	ctxmgr "github.com/agentrund/agentrund/internal/context"
	"github.com/agentrund/agentrund/pkg/models"
)

// ChatSummarizer implements context.Summarizer by issuing a normal
// completion call against a registered Provider with a summarization
// system prompt, the way a chat-completion-based summarizer would.
type ChatSummarizer struct {
	Providers *Registry
	ModelID   string
}

const summarizationSystemPrompt = `You are compacting a long conversation transcript into a concise summary
a future turn can use as prior context. Preserve: the user's overall goal,
key decisions made, files created or modified, and any unresolved
questions. Omit routine tool chatter. Respond in prose, not JSON.`

// Summarize sends msgs to the configured provider as a one-shot
// completion and returns its response as the summary text.
func (s *ChatSummarizer) Summarize(ctx stdctx.Context, msgs []models.Message, cfg ctxmgr.SummaryConfig) (models.CompactSummaryPayload, error) {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = s.ModelID
	}
	p, ok := s.Providers.Resolve(modelID)
	if !ok {
		return models.CompactSummaryPayload{}, fmt.Errorf("providers: no provider registered for model %q", modelID)
	}

	system := summarizationSystemPrompt
	if cfg.CustomInstructions != "" {
		system += "\n\n" + cfg.CustomInstructions
	}
	if cfg.PreviousSummary != "" {
		system += "\n\nPrior summary to extend:\n" + cfg.PreviousSummary
	}

	maxTokens := cfg.MaxChunkTokens / 4
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	chunks, err := p.Stream(ctx, Request{
		ModelID:   modelID,
		System:    system,
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return models.CompactSummaryPayload{}, fmt.Errorf("providers: summarize stream: %w", err)
	}

	var text strings.Builder
	for c := range chunks {
		if c.Err != nil {
			return models.CompactSummaryPayload{}, fmt.Errorf("providers: summarize: %w", c.Err)
		}
		text.WriteString(c.TextDelta)
	}
	return models.CompactSummaryPayload{Summary: text.String()}, nil
}
