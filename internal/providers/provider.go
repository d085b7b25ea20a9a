// Package providers defines the pluggable LLM client interface the Turn
// Orchestrator streams against, and the adapters that implement it over
// each concrete SDK (anthropic-sdk-go, go-openai, genai,
// aws-sdk-go-v2/bedrockruntime). One streaming interface lets the
// orchestrator and the Context Manager's compaction summarizer both
// depend on Provider without caring which backend is configured for a
// session's model id.
package providers

import (
	"context"
	"encoding/json"

	"github.com/agentrund/agentrund/pkg/models"
)

// ToolSpec describes one tool the model may call, in provider-agnostic
// form; each adapter translates it into its SDK's tool-definition shape.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one streaming completion call.
type Request struct {
	ModelID      string
	System       string
	Messages     []models.Message
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
	ThinkingMode bool
}

// Usage reports token accounting for a completed stream.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                float64
}

// Chunk is one item from a Provider's stream: either a delta, a completed
// tool-use block, a terminal usage/stop-reason summary, or an error. A
// chunk with StopReason set is the final item before the channel closes.
type Chunk struct {
	TextDelta     string
	ThinkingDelta string
	ToolUse       *models.ContentBlock
	Usage         *Usage
	StopReason    string
	Err           error
}

// Provider streams one completion. The returned channel is closed by the
// provider once the stream ends (normally or on error); a final error is
// delivered as a Chunk with Err set rather than by the Stream call itself
// whenever the failure occurs mid-stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Registry resolves a model id to the Provider that serves it, by exact
// id, else to the fallback registered under ""; ids are not matched by
// prefix.
type Registry struct {
	byModel  map[string]Provider
	fallback Provider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byModel: make(map[string]Provider)}
}

// Register binds modelID to p. An empty modelID registers p as the
// fallback used when no exact binding matches.
func (r *Registry) Register(modelID string, p Provider) {
	if modelID == "" {
		r.fallback = p
		return
	}
	r.byModel[modelID] = p
}

// Resolve returns the Provider bound to modelID, or the fallback.
func (r *Registry) Resolve(modelID string) (Provider, bool) {
	if p, ok := r.byModel[modelID]; ok {
		return p, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Models lists every model id explicitly bound via Register, for the RPC
// Coordinator's model.list method. It does not include the fallback
// provider's own name, since a fallback may serve any unbound model id.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.byModel))
	for id := range r.byModel {
		out = append(out, id)
	}
	return out
}
