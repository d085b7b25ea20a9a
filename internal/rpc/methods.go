package rpc

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/cache"
	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/orchestrator"
	"github.com/agentrund/agentrund/internal/registry"
	"github.com/agentrund/agentrund/pkg/models"
)

// handlerFunc handles one decoded JSON-RPC request and returns either a
// result to place on Response.Result, or an *Error to place on
// Response.Error. Params is the raw, not-yet-unmarshaled params object.
type handlerFunc func(c *Conn, params json.RawMessage) (any, *Error)

// routingTable is the full JSON-RPC method surface the coordinator
// exposes, built once in NewServer.
func (s *Server) routingTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"session.create":    s.handleSessionCreate,
		"session.list":      s.handleSessionList,
		"session.get":       s.handleSessionGet,
		"session.fork":      s.handleSessionFork,
		"session.delete":    s.handleSessionDelete,
		"session.archive":   s.handleSessionArchive,
		"session.unarchive": s.handleSessionUnarchive,

		"agent.message": s.handleAgentMessage,
		"agent.abort":   s.handleAgentAbort,
		"agent.respond": s.handleAgentMessage,

		"model.list":   s.handleModelList,
		"model.switch": s.handleModelSwitch,

		"context.get":     s.handleContextGet,
		"context.compact": s.handleContextCompact,

		"events.list": s.handleEventsList,
		"events.sync": s.handleEventsList,
	}
}

func unmarshalParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// translateErr maps a domain error to its JSON-RPC error code, falling
// back to CodeInternal for anything the coordinator's contract does not
// name explicitly.
func translateErr(err error) *Error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return &Error{Code: CodeSessionNotFound, Message: "session not found"}
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return &Error{Code: CodeSessionNotFound, Message: "session not found"}
	case errors.Is(err, orchestrator.ErrAgentBusy):
		return &Error{Code: CodeAgentBusy, Message: "agent busy"}
	case errors.Is(err, orchestrator.ErrContextOverflow):
		return &Error{Code: CodeContextOverflow, Message: "context overflow"}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

type sessionCreateParams struct {
	WorkspaceID string `json:"workspaceId"`
	ModelID     string `json:"modelId"`
	WorkingDir  string `json:"workingDir"`
	Title       string `json:"title,omitempty"`
}

func (s *Server) handleSessionCreate(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionCreateParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sess := &models.Session{
		WorkspaceID: p.WorkspaceID,
		ModelID:     p.ModelID,
		WorkingDir:  p.WorkingDir,
		Title:       p.Title,
	}
	if err := s.Registry.Create(c.ctx, sess); err != nil {
		return nil, translateErr(err)
	}

	ec := s.ec(sess.ID, uuid.NewString())
	ev, err := ec.Persist(c.ctx, models.EventSessionStart, "", map[string]any{"modelId": p.ModelID}, nil)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := s.Registry.AdvanceHead(c.ctx, sess.ID, ev.ID); err != nil {
		return nil, translateErr(err)
	}
	sess.RootEventID, sess.HeadEventID = ev.ID, ev.ID
	return sess, nil
}

type sessionListParams struct {
	WorkspaceID  string `json:"workspaceId"`
	ArchivedOnly bool   `json:"archivedOnly,omitempty"`
	ActiveOnly   bool   `json:"activeOnly,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (s *Server) handleSessionList(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionListParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sessions, err := s.Registry.List(c.ctx, p.WorkspaceID, registry.ListOptions{
		ArchivedOnly: p.ArchivedOnly, ActiveOnly: p.ActiveOnly, Limit: p.Limit,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return sessions, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionGet(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sess, err := s.Registry.Get(c.ctx, p.SessionID)
	if err != nil {
		return nil, translateErr(err)
	}
	return sess, nil
}

type sessionForkParams struct {
	SessionID       string `json:"sessionId"`
	ForkFromEventID string `json:"forkFromEventId,omitempty"`
	ModelID         string `json:"modelId,omitempty"`
}

func (s *Server) handleSessionFork(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionForkParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	parent, err := s.Registry.Get(c.ctx, p.SessionID)
	if err != nil {
		return nil, translateErr(err)
	}
	forkFrom := p.ForkFromEventID
	if forkFrom == "" {
		forkFrom = parent.HeadEventID
	}
	child, err := s.Registry.Fork(c.ctx, p.SessionID, forkFrom, p.ModelID)
	if err != nil {
		return nil, translateErr(err)
	}
	return child, nil
}

func (s *Server) handleSessionDelete(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	s.Subagents.CancelAllForParent(p.SessionID)
	if err := s.Store.Delete(c.ctx, p.SessionID); err != nil {
		return nil, translateErr(err)
	}
	if err := s.Registry.Delete(c.ctx, p.SessionID); err != nil {
		return nil, translateErr(err)
	}
	s.Fanout.Notify(p.SessionID, "session.deleted", map[string]any{"sessionId": p.SessionID})
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handleSessionArchive(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	// A session cannot outlive its archive with live children still
	// running, so every spawned-and-unfinished child is cancelled first.
	s.Subagents.CancelAllForParent(p.SessionID)
	if err := s.Registry.Archive(c.ctx, p.SessionID); err != nil {
		return nil, translateErr(err)
	}
	s.Fanout.Notify(p.SessionID, "session.status", map[string]any{"sessionId": p.SessionID, "archived": true})
	return map[string]any{"archived": true}, nil
}

func (s *Server) handleSessionUnarchive(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.Registry.Unarchive(c.ctx, p.SessionID); err != nil {
		return nil, translateErr(err)
	}
	return map[string]any{"archived": false}, nil
}

type agentMessageParams struct {
	SessionID      string `json:"sessionId"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// handleAgentMessage starts a turn and returns immediately so the
// connection's read loop is never blocked for a turn's duration. The
// Orchestrator was constructed with this server's Fanout as its
// eventctx.Notifier, so agent.text_delta/thinking_delta/tool_start/
// tool_end/turn_complete notifications already reach every subscriber of
// this session the moment the turn produces them; this handler only
// drains RunTurn's returned channel so its producer goroutine never
// blocks on a full buffer.
//
// A client that resends the same send (reconnect-and-replay, a
// double-click) carries the same idempotencyKey; the second arrival is
// acknowledged without starting a second turn.
func (s *Server) handleAgentMessage(c *Conn, raw json.RawMessage) (any, *Error) {
	var p agentMessageParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if dedupeKey := cache.RequestDedupeKey(p.SessionID, p.IdempotencyKey); dedupeKey != "" {
		if s.dedupe.Check(dedupeKey) {
			return map[string]any{"accepted": true, "duplicate": true}, nil
		}
	}
	s.Fanout.Subscribe(c, p.SessionID)

	ch, err := s.Orchestrator.RunTurn(c.ctx, p.SessionID, p.Text)
	if err != nil {
		return nil, translateErr(err)
	}
	go drainTurn(ch)
	return map[string]any{"accepted": true}, nil
}

func drainTurn(ch <-chan orchestrator.TurnEvent) {
	for range ch {
	}
}

func (s *Server) handleAgentAbort(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	ok := s.Orchestrator.Abort(p.SessionID)
	return map[string]any{"aborted": ok}, nil
}

func (s *Server) handleModelList(c *Conn, raw json.RawMessage) (any, *Error) {
	return map[string]any{"models": s.Providers.Models()}, nil
}

type modelSwitchParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

func (s *Server) handleModelSwitch(c *Conn, raw json.RawMessage) (any, *Error) {
	var p modelSwitchParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sess, err := s.Registry.Get(c.ctx, p.SessionID)
	if err != nil {
		return nil, translateErr(err)
	}

	ec := s.ec(p.SessionID, uuid.NewString())
	ev, err := ec.Persist(c.ctx, models.EventConfigModelSwitch, sess.HeadEventID,
		map[string]any{"fromModelId": sess.ModelID, "toModelId": p.ModelID}, nil)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := s.Registry.AdvanceHead(c.ctx, p.SessionID, ev.ID); err != nil {
		return nil, translateErr(err)
	}
	if err := s.Registry.SetModel(c.ctx, p.SessionID, p.ModelID); err != nil {
		return nil, translateErr(err)
	}
	return map[string]any{"modelId": p.ModelID}, nil
}

func (s *Server) handleContextGet(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sess, err := s.Registry.Get(c.ctx, p.SessionID)
	if err != nil {
		return nil, translateErr(err)
	}
	msgs, err := s.Context.Prepare(c.ctx, sess.ID, sess.HeadEventID, sess.ModelID)
	if err != nil {
		return nil, translateErr(err)
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Server) handleContextCompact(c *Conn, raw json.RawMessage) (any, *Error) {
	var p sessionIDParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sess, err := s.Registry.Get(c.ctx, p.SessionID)
	if err != nil {
		return nil, translateErr(err)
	}
	msgs, err := s.Context.ForceCompact(c.ctx, sess.ID, sess.HeadEventID, sess.ModelID)
	if err != nil {
		return nil, translateErr(err)
	}
	return map[string]any{"messages": msgs}, nil
}

type eventsListParams struct {
	SessionID    string `json:"sessionId"`
	FromSequence int64  `json:"fromSequence,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (s *Server) handleEventsList(c *Conn, raw json.RawMessage) (any, *Error) {
	var p eventsListParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	events, err := s.Store.GetBySession(c.ctx, p.SessionID, eventstore.ListOptions{
		FromSequence: p.FromSequence, Limit: p.Limit,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return map[string]any{"events": events}, nil
}
