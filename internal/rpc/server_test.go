package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	ctxmgr "github.com/agentrund/agentrund/internal/context"
	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/orchestrator"
	"github.com/agentrund/agentrund/internal/providers"
	"github.com/agentrund/agentrund/internal/registry"
	"github.com/agentrund/agentrund/internal/subagent"
	"github.com/agentrund/agentrund/internal/toolexec"
	"github.com/agentrund/agentrund/pkg/models"
)

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, _ []models.Message, _ ctxmgr.SummaryConfig) (models.CompactSummaryPayload, error) {
	return models.CompactSummaryPayload{Summary: "summary"}, nil
}

// scriptedProvider replays a fixed Chunk slice for every Stream call.
type scriptedProvider struct{ chunks []providers.Chunk }

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req providers.Request) (<-chan providers.Chunk, error) {
	ch := make(chan providers.Chunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// newTestServer wires a Server against an in-memory SQLite store, a
// scripted provider, and an empty tool registry, mirroring
// internal/subagent's test harness.
func newTestServer(t *testing.T, chunks []providers.Chunk) *Server {
	t.Helper()
	st, err := eventstore.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", eventstore.Options{})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st.DB(), st, nil)
	ctxMgr := ctxmgr.NewManager(st, fakeSummarizer{}, nil)
	ctxMgr.Threshold = 1.0

	toolReg := toolexec.NewRegistry()
	executor := toolexec.New(toolReg, toolexec.DefaultConfig())

	provReg := providers.NewRegistry()
	provReg.Register("", &scriptedProvider{chunks: chunks})
	provReg.Register("claude-3-5-sonnet", &scriptedProvider{chunks: chunks})

	fanout := NewFanout()
	orch := orchestrator.New(st, reg, ctxMgr, executor, provReg, fanout, nil, orchestrator.Config{MaxTurns: 10})
	tracker := subagent.New(st, reg, orch, fanout, nil)
	tracker.RegisterRole(subagent.Role{ID: "general", Capabilities: []string{"general"}, Model: "claude-3-5-sonnet"})

	return NewServer(st, reg, orch, ctxMgr, provReg, tracker, fanout, nil)
}

func newTestConn(s *Server) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		server: s,
		send:   make(chan []byte, 16),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
}

// drainNotification waits up to 2s for a notification with the given
// method to appear on conn.send, returning its raw bytes.
func drainNotification(t *testing.T, c *Conn, method string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.send:
			var n Notification
			if err := json.Unmarshal(msg, &n); err == nil && n.Method == method {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification %q", method)
		}
	}
}
