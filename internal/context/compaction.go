package context

import (
	stdctx "context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/reconstruct"
	"github.com/agentrund/agentrund/pkg/models"
)

func newEventID() string { return uuid.NewString() }

// Compaction tuning constants, carried over from the chunked/staged
// summarization protocol this package's compaction routines were modeled
// on: a 40% base chunk ratio of the context window, narrowed down to 15%
// when average message size eats into the safety margin.
const (
	baseChunkRatio    = 0.4
	minChunkRatio     = 0.15
	safetyMargin      = 1.2
	oversizedThreshold = 0.5

	// DefaultCompactionThreshold triggers compaction once folded usage
	// crosses this fraction of the model's context window.
	DefaultCompactionThreshold = 0.70

	// DefaultKeepLastTurns is the number of trailing user/assistant turns
	// compaction always leaves untouched.
	DefaultKeepLastTurns = 3

	defaultSummaryFallback = "No prior history."
)

// SummaryConfig parameterizes a Summarizer call.
type SummaryConfig struct {
	ModelID            string
	ReserveTokens      int
	MaxChunkTokens     int
	ContextWindow      int
	CustomInstructions string
	PreviousSummary    string
}

// Summarizer generates a natural-language summary of a span of messages.
// internal/providers' chat adapters implement this by issuing a normal
// completion call with a summarization system prompt.
type Summarizer interface {
	Summarize(ctx stdctx.Context, msgs []models.Message, cfg SummaryConfig) (models.CompactSummaryPayload, error)
}

// Manager runs the compaction protocol: decide whether a session's folded
// transcript has crossed its threshold, and if so, summarize the portion
// outside the trailing window and append the result as new events.
type Manager struct {
	Store     *eventstore.Store
	Summarize Summarizer
	Threshold float64
	KeepLast  int
	Log       *slog.Logger
}

// NewManager builds a Manager with the default threshold and trailing-turn
// window, overridable on the returned value.
func NewManager(store *eventstore.Store, summarizer Summarizer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		Store:     store,
		Summarize: summarizer,
		Threshold: DefaultCompactionThreshold,
		KeepLast:  DefaultKeepLastTurns,
		Log:       log.With("component", "context.compaction"),
	}
}

// Prepare folds the session's history from its most recent compaction
// boundary (or the root, if none) forward to headEventID, compacting first
// if the result would exceed Threshold of the model's context window.
func (m *Manager) Prepare(ctx stdctx.Context, sessionID, headEventID, modelID string) ([]models.Message, error) {
	chain, err := m.Store.WalkAncestors(ctx, sessionID, headEventID)
	if err != nil {
		return nil, fmt.Errorf("context: walk ancestors: %w", err)
	}

	window := trailingFromLastSummary(chain)
	msgs := reconstruct.Fold(window, m.Log)

	limit := GetLimit(modelID)
	used := EstimateMessagesTokens(msgs)
	if limit == 0 || float64(used)/float64(limit) < m.Threshold {
		return msgs, nil
	}

	newWindow, err := m.compact(ctx, sessionID, window, headEventID, modelID)
	if err != nil {
		m.Log.Warn("compaction failed, falling back to emergency truncation", "session_id", sessionID, "error", err)
		truncated, dropped := EmergencyTruncate(msgs, int(float64(limit)*m.Threshold), m.KeepLast*2)
		m.Log.Info("emergency truncation applied", "session_id", sessionID, "dropped_messages", dropped)
		return truncated, nil
	}
	return reconstruct.Fold(newWindow, m.Log), nil
}

// ForceCompact runs the compaction protocol unconditionally, ignoring
// Threshold. The RPC Coordinator's context.compact method calls this when a
// client explicitly asks to free context rather than waiting for Prepare's
// automatic threshold check on the next turn.
func (m *Manager) ForceCompact(ctx stdctx.Context, sessionID, headEventID, modelID string) ([]models.Message, error) {
	chain, err := m.Store.WalkAncestors(ctx, sessionID, headEventID)
	if err != nil {
		return nil, fmt.Errorf("context: walk ancestors: %w", err)
	}
	window := trailingFromLastSummary(chain)
	newWindow, err := m.compact(ctx, sessionID, window, headEventID, modelID)
	if err != nil {
		return nil, fmt.Errorf("context: force compact: %w", err)
	}
	return reconstruct.Fold(newWindow, m.Log), nil
}

// trailingFromLastSummary returns the suffix of chain starting at its last
// compact.summary event, or the whole chain if none exists.
func trailingFromLastSummary(chain []*models.Event) []*models.Event {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Type == models.EventCompactSummary {
			return chain[i:]
		}
	}
	return chain
}

// compact splits window into a summarizable prefix and a preserved
// trailing span of m.KeepLast turns, summarizes the prefix, and appends
// compact.boundary and compact.summary events as new children of
// headEventID. It returns the new window future folds should start from:
// the freshly appended summary event followed by the preserved tail.
func (m *Manager) compact(ctx stdctx.Context, sessionID string, window []*models.Event, headEventID, modelID string) ([]*models.Event, error) {
	if m.Summarize == nil {
		return nil, fmt.Errorf("context: no summarizer configured")
	}

	splitIdx := splitIndexForTrailingTurns(window, m.KeepLast)
	if splitIdx <= 0 {
		return nil, fmt.Errorf("context: nothing to summarize before the preserved tail")
	}

	toSummarize := window[:splitIdx]
	tail := window[splitIdx:]

	msgs := reconstruct.Fold(toSummarize, m.Log)
	limit := GetLimit(modelID)
	summary, err := m.summarizeChunked(ctx, msgs, SummaryConfig{
		ModelID:        modelID,
		ContextWindow:  limit,
		MaxChunkTokens: int(adaptiveChunkRatio(msgs, limit) * float64(limit)),
	})
	if err != nil {
		return nil, err
	}

	fromID := toSummarize[0].ID
	toID := toSummarize[len(toSummarize)-1].ID
	tokensSaved := EstimateMessagesTokens(msgs)

	boundary, err := m.Store.Append(ctx, newEventID(), eventstore.AppendInput{
		SessionID: sessionID, ParentID: headEventID, Type: models.EventCompactBoundary,
		Payload: models.CompactBoundaryPayload{FromEventID: fromID, ToEventID: toID, TokensSaved: tokensSaved},
	})
	if err != nil {
		return nil, fmt.Errorf("context: append compact.boundary: %w", err)
	}

	summaryEvent, err := m.Store.Append(ctx, newEventID(), eventstore.AppendInput{
		SessionID: sessionID, ParentID: boundary.ID, Type: models.EventCompactSummary, Payload: summary,
	})
	if err != nil {
		return nil, fmt.Errorf("context: append compact.summary: %w", err)
	}

	return append([]*models.Event{summaryEvent}, tail...), nil
}

// splitIndexForTrailingTurns returns the index at which the last keepLast
// user turns (and everything after the first of them) begin. Events before
// the index are eligible for summarization.
func splitIndexForTrailingTurns(window []*models.Event, keepLast int) int {
	if keepLast <= 0 {
		return len(window)
	}
	seen := 0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Type == models.EventMessageUser {
			seen++
			if seen == keepLast {
				return i
			}
		}
	}
	return 0
}

// adaptiveChunkRatio scales baseChunkRatio down as average message size
// grows relative to the context window, so summarization chunks never
// themselves risk overflowing the model they are sent to.
func adaptiveChunkRatio(msgs []models.Message, contextWindow int) float64 {
	if len(msgs) == 0 || contextWindow <= 0 {
		return baseChunkRatio
	}
	avg := float64(EstimateMessagesTokens(msgs)) / float64(len(msgs))
	windowRatio := avg / float64(contextWindow)
	ratio := baseChunkRatio * (1 - windowRatio*safetyMargin)
	if ratio < minChunkRatio {
		return minChunkRatio
	}
	if ratio > baseChunkRatio {
		return baseChunkRatio
	}
	return ratio
}

// isOversized reports whether a single message alone exceeds half the
// context window, in which case it cannot usefully be summarized alongside
// its neighbors.
func isOversized(m models.Message, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(EstimateTokens(m)) > float64(contextWindow)*oversizedThreshold
}

// chunkByMaxTokens splits msgs into chunks no larger than maxTokens,
// isolating any single oversized message into its own chunk.
func chunkByMaxTokens(msgs []models.Message, maxTokens int) [][]models.Message {
	if len(msgs) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Message{msgs}
	}
	var chunks [][]models.Message
	var current []models.Message
	currentTokens := 0
	for _, m := range msgs {
		t := EstimateTokens(m) + 4
		if t > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current, currentTokens = nil, 0
			}
			chunks = append(chunks, []models.Message{m})
			continue
		}
		if currentTokens+t > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current, currentTokens = nil, 0
		}
		current = append(current, m)
		currentTokens += t
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// summarizeChunked summarizes msgs in token-bounded chunks and merges the
// per-chunk summaries into one, falling back to noting oversized messages
// by name instead of failing the whole pass.
func (m *Manager) summarizeChunked(ctx stdctx.Context, msgs []models.Message, cfg SummaryConfig) (models.CompactSummaryPayload, error) {
	if len(msgs) == 0 {
		return models.CompactSummaryPayload{Summary: defaultSummaryFallback}, nil
	}

	var normal []models.Message
	var oversizedNotes []string
	for _, msg := range msgs {
		if isOversized(msg, cfg.ContextWindow) {
			oversizedNotes = append(oversizedNotes, fmt.Sprintf("[Oversized %s message with %d tokens omitted]", msg.Role, EstimateTokens(msg)))
			continue
		}
		normal = append(normal, msg)
	}

	maxChunkTokens := cfg.MaxChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = int(baseChunkRatio * float64(cfg.ContextWindow))
	}
	chunks := chunkByMaxTokens(normal, maxChunkTokens)

	var payload models.CompactSummaryPayload
	switch len(chunks) {
	case 0:
		payload.Summary = defaultSummaryFallback
	case 1:
		p, err := m.Summarize.Summarize(ctx, chunks[0], cfg)
		if err != nil {
			return models.CompactSummaryPayload{}, fmt.Errorf("context: summarize: %w", err)
		}
		payload = p
	default:
		merged := models.CompactSummaryPayload{}
		var partSummaries []string
		for i, chunk := range chunks {
			p, err := m.Summarize.Summarize(ctx, chunk, cfg)
			if err != nil {
				return models.CompactSummaryPayload{}, fmt.Errorf("context: summarize chunk %d: %w", i, err)
			}
			partSummaries = append(partSummaries, p.Summary)
			merged.KeyDecisions = append(merged.KeyDecisions, p.KeyDecisions...)
			merged.FilesModified = append(merged.FilesModified, p.FilesModified...)
		}
		merged.Summary = strings.Join(partSummaries, "\n\n")
		payload = merged
	}

	if len(oversizedNotes) > 0 {
		payload.Summary = strings.TrimSpace(payload.Summary + "\n\n" + strings.Join(oversizedNotes, "\n"))
	}
	return payload, nil
}
