package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentrund/agentrund/internal/providers"
	"github.com/agentrund/agentrund/pkg/models"
)

func call(t *testing.T, s *Server, c *Conn, method string, params any) (json.RawMessage, *Error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	handler, ok := s.methods[method]
	if !ok {
		t.Fatalf("no handler registered for %q", method)
	}
	result, rpcErr := handler(c, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	out, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return out, nil
}

func TestSessionCreateThenGet(t *testing.T) {
	s := newTestServer(t, nil)
	c := newTestConn(s)

	out, rpcErr := call(t, s, c, "session.create", map[string]any{
		"workspaceId": "ws-1",
		"modelId":     "claude-3-5-sonnet",
		"workingDir":  "/tmp/work",
	})
	if rpcErr != nil {
		t.Fatalf("session.create: %+v", rpcErr)
	}
	var created models.Session
	if err := json.Unmarshal(out, &created); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if created.ID == "" || created.HeadEventID == "" {
		t.Fatalf("expected id and head event id to be set: %+v", created)
	}

	out, rpcErr = call(t, s, c, "session.get", map[string]any{"sessionId": created.ID})
	if rpcErr != nil {
		t.Fatalf("session.get: %+v", rpcErr)
	}
	var fetched models.Session
	if err := json.Unmarshal(out, &fetched); err != nil {
		t.Fatalf("unmarshal fetched session: %v", err)
	}
	if fetched.ID != created.ID {
		t.Errorf("fetched.ID = %q, want %q", fetched.ID, created.ID)
	}
}

func TestSessionGetUnknownMapsToSessionNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	c := newTestConn(s)

	_, rpcErr := call(t, s, c, "session.get", map[string]any{"sessionId": "does-not-exist"})
	if rpcErr == nil {
		t.Fatal("expected an error")
	}
	if rpcErr.Code != CodeSessionNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeSessionNotFound)
	}
}

func TestAgentMessage_StreamsNotificationsAndCompletes(t *testing.T) {
	s := newTestServer(t, []providers.Chunk{
		{TextDelta: "hello there"},
		{StopReason: "end_turn", Usage: &providers.Usage{InputTokens: 2, OutputTokens: 3}},
	})
	c := newTestConn(s)

	out, rpcErr := call(t, s, c, "session.create", map[string]any{
		"workspaceId": "ws-1",
		"modelId":     "claude-3-5-sonnet",
	})
	if rpcErr != nil {
		t.Fatalf("session.create: %+v", rpcErr)
	}
	var sess models.Session
	_ = json.Unmarshal(out, &sess)

	_, rpcErr = call(t, s, c, "agent.message", map[string]any{"sessionId": sess.ID, "text": "hi"})
	if rpcErr != nil {
		t.Fatalf("agent.message: %+v", rpcErr)
	}

	drainNotification(t, c, "agent.text_delta")
	drainNotification(t, c, "agent.turn_complete")
}

func TestAgentMessage_DuplicateIdempotencyKeySkipsSecondTurn(t *testing.T) {
	s := newTestServer(t, []providers.Chunk{
		{TextDelta: "hello there"},
		{StopReason: "end_turn", Usage: &providers.Usage{InputTokens: 2, OutputTokens: 3}},
	})
	c := newTestConn(s)

	out, rpcErr := call(t, s, c, "session.create", map[string]any{
		"workspaceId": "ws-1",
		"modelId":     "claude-3-5-sonnet",
	})
	if rpcErr != nil {
		t.Fatalf("session.create: %+v", rpcErr)
	}
	var sess models.Session
	_ = json.Unmarshal(out, &sess)

	first, rpcErr := call(t, s, c, "agent.message", map[string]any{
		"sessionId":      sess.ID,
		"text":           "hi",
		"idempotencyKey": "retry-1",
	})
	if rpcErr != nil {
		t.Fatalf("first agent.message: %+v", rpcErr)
	}
	drainNotification(t, c, "agent.text_delta")
	drainNotification(t, c, "agent.turn_complete")

	var firstResp struct {
		Accepted bool `json:"accepted"`
	}
	_ = json.Unmarshal(first, &firstResp)
	if !firstResp.Accepted {
		t.Fatalf("expected first send accepted: %s", first)
	}

	second, rpcErr := call(t, s, c, "agent.message", map[string]any{
		"sessionId":      sess.ID,
		"text":           "hi",
		"idempotencyKey": "retry-1",
	})
	if rpcErr != nil {
		t.Fatalf("second agent.message: %+v", rpcErr)
	}
	var secondResp struct {
		Accepted  bool `json:"accepted"`
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(second, &secondResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !secondResp.Duplicate {
		t.Errorf("expected replayed idempotency key to be reported as a duplicate, got %s", second)
	}
}

func TestModelList_ExcludesFallback(t *testing.T) {
	s := newTestServer(t, nil)
	c := newTestConn(s)

	out, rpcErr := call(t, s, c, "model.list", map[string]any{})
	if rpcErr != nil {
		t.Fatalf("model.list: %+v", rpcErr)
	}
	var resp struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := false
	for _, id := range resp.Models {
		if id == "claude-3-5-sonnet" {
			found = true
		}
		if id == "" {
			t.Errorf("model.list included the fallback registration: %v", resp.Models)
		}
	}
	if !found {
		t.Errorf("expected claude-3-5-sonnet in %v", resp.Models)
	}
}

func TestModelSwitch_UpdatesRegistryAndAppendsEvent(t *testing.T) {
	s := newTestServer(t, nil)
	c := newTestConn(s)

	out, _ := call(t, s, c, "session.create", map[string]any{
		"workspaceId": "ws-1",
		"modelId":     "claude-3-5-sonnet",
	})
	var sess models.Session
	_ = json.Unmarshal(out, &sess)

	_, rpcErr := call(t, s, c, "model.switch", map[string]any{"sessionId": sess.ID, "modelId": "claude-3-7-sonnet"})
	if rpcErr != nil {
		t.Fatalf("model.switch: %+v", rpcErr)
	}

	updated, err := s.Registry.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.ModelID != "claude-3-7-sonnet" {
		t.Errorf("ModelID = %q, want claude-3-7-sonnet", updated.ModelID)
	}
}

func TestEventsList_ReturnsAppendedEvents(t *testing.T) {
	s := newTestServer(t, nil)
	c := newTestConn(s)

	out, _ := call(t, s, c, "session.create", map[string]any{
		"workspaceId": "ws-1",
		"modelId":     "claude-3-5-sonnet",
	})
	var sess models.Session
	_ = json.Unmarshal(out, &sess)

	out, rpcErr := call(t, s, c, "events.list", map[string]any{"sessionId": sess.ID})
	if rpcErr != nil {
		t.Fatalf("events.list: %+v", rpcErr)
	}
	var resp struct {
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Events) == 0 {
		t.Fatal("expected at least the session.start event")
	}
}

func TestMethodNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	_, ok := s.methods["nope.nope"]
	if ok {
		t.Fatal("expected no handler for an unregistered method")
	}
}
