// Package orchestrator implements the Turn Orchestrator: the state
// machine that drives one end-to-end turn from a user message through
// provider streaming, tool dispatch, and durable recording, looping until
// the model stops asking for tools. Grounded on agent/loop.go's
// AgenticLoop — the phase sequence, steering/abort handling, and
// goroutine-plus-channel streaming shape all carry over — generalized
// from the teacher's in-memory sessions.Store/CompletionMessage plumbing
// onto the event-sourced eventstore/registry/reconstruct/context stack.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ctxmgr "github.com/agentrund/agentrund/internal/context"
	"github.com/agentrund/agentrund/internal/eventctx"
	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/metrics"
	"github.com/agentrund/agentrund/internal/providers"
	"github.com/agentrund/agentrund/internal/registry"
	"github.com/agentrund/agentrund/internal/toolexec"
	"github.com/agentrund/agentrund/internal/tracing"
	"github.com/agentrund/agentrund/pkg/models"
)

// DefaultMaxTurns bounds the PREPARING→...→TOOL_WAIT loop within one
// RunTurn call, guarding against a model that never stops requesting
// tools.
const DefaultMaxTurns = 50

// Config tunes an Orchestrator.
type Config struct {
	MaxTurns int
}

// Orchestrator drives turns for any number of sessions, serializing at
// most one turn per session at a time.
type Orchestrator struct {
	Store     *eventstore.Store
	Registry  *registry.Registry
	Context   *ctxmgr.Manager
	Tools     *toolexec.Executor
	Providers *providers.Registry
	Notifier  eventctx.Notifier
	Log       *slog.Logger
	MaxTurns  int

	// Metrics and Tracer are optional instrumentation sinks; a nil value
	// of either disables that instrumentation without any caller-side
	// branching (Metrics methods and tracing.End are nil-safe).
	Metrics *metrics.Metrics
	Tracer  *tracing.Tracer

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds an Orchestrator. Notifier may be nil (notifications are then
// dropped, useful for headless batch/test callers).
func New(store *eventstore.Store, reg *registry.Registry, ctxMgr *ctxmgr.Manager, tools *toolexec.Executor, provs *providers.Registry, notifier eventctx.Notifier, log *slog.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &Orchestrator{
		Store:     store,
		Registry:  reg,
		Context:   ctxMgr,
		Tools:     tools,
		Providers: provs,
		Notifier:  notifier,
		Log:       log.With("component", "orchestrator"),
		MaxTurns:  cfg.MaxTurns,
		active:    make(map[string]context.CancelFunc),
	}
}

// TurnEvent is one item on the channel RunTurn returns: either a
// notification the caller should relay to RPC subscribers, or a terminal
// signal (Type "turn_complete", "turn_failed" or "turn_aborted").
type TurnEvent struct {
	Phase Phase
	Type  string
	Data  any
}

// acquire claims the per-session turn lock, returning the cancel func the
// caller must release via o.release, or ErrAgentBusy if a turn is already
// active for this session.
func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[sessionID]; busy {
		return nil, nil, ErrAgentBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.active[sessionID] = cancel
	return turnCtx, cancel, nil
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, sessionID)
}

// Abort cancels the in-flight turn for sessionID, if any, returning true
// if a turn was actually cancelled.
func (o *Orchestrator) Abort(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.active[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether a turn is currently active for sessionID.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// RunTurn starts one turn for sessionID with userText as the new user
// message, and returns a channel of TurnEvents the caller streams to RPC
// subscribers. The channel is closed when the turn reaches COMPLETED,
// FAILED, or ABORTED.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, userText string) (<-chan TurnEvent, error) {
	turnCtx, cancel, err := o.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess, err := o.Registry.Get(turnCtx, sessionID)
	if err != nil {
		o.release(sessionID)
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	out := make(chan TurnEvent, 64)
	runID := uuid.NewString()
	ec := eventctx.New(o.Store, o.Notifier, sessionID, runID)

	go func() {
		defer cancel()
		defer o.release(sessionID)
		defer close(out)

		o.Metrics.IncActiveTurns(1)
		defer o.Metrics.IncActiveTurns(-1)

		spanCtx, span := o.Tracer.Start(turnCtx, "turn", sessionID, runID)
		start := time.Now()

		stopReason := o.run(spanCtx, ec, sess, userText, out)

		tracing.End(span, nil)
		o.Metrics.ObserveTurn(sess.ModelID, stopReason, time.Since(start))
	}()

	return out, nil
}

func (o *Orchestrator) emit(out chan<- TurnEvent, phase Phase, typ string, data any) {
	select {
	case out <- TurnEvent{Phase: phase, Type: typ, Data: data}:
	default:
		// A slow/absent consumer must never block the turn; the durable
		// event (already persisted before this call in every case that
		// matters) remains the source of truth.
	}
}

// run executes the full PREPARING→...→COMPLETED/FAILED/ABORTED loop. It
// is the body of the goroutine RunTurn starts.
// run executes the PREPARING→...→COMPLETED/FAILED/ABORTED loop and
// returns the terminal stop reason, for the caller's metrics/tracing.
func (o *Orchestrator) run(ctx context.Context, ec eventctx.Context, sess *models.Session, userText string, out chan<- TurnEvent) string {
	log := o.Log.With("session_id", sess.ID, "run_id", ec.RunID)

	if err := o.recoverInterrupted(ctx, ec, sess.ID, sess.HeadEventID); err != nil {
		log.Warn("interrupted-turn recovery failed", "error", err)
	}

	head := sess.HeadEventID
	userEvt, err := ec.Persist(ctx, models.EventMessageUser, head, map[string]any{"text": userText}, nil)
	if err != nil {
		o.fail(ctx, ec, out, head, fmt.Errorf("persist user message: %w", err))
		return "failed"
	}
	head = userEvt.ID
	ec.Emit("agent.turn_start", map[string]any{"sessionId": sess.ID})
	o.emit(out, PhasePreparing, "turn_start", nil)

	for turnNum := 1; ; turnNum++ {
		if turnNum > o.MaxTurns {
			o.failReason(ctx, ec, out, head, "max_turns_exceeded")
			return "max_turns_exceeded"
		}

		select {
		case <-ctx.Done():
			o.abortTurn(ctx, ec, out, head)
			return "aborted"
		default:
		}

		newHead, stopReason, done, failed := o.runOneModelTurn(ctx, ec, sess, head, out)
		head = newHead
		if failed != nil {
			o.fail(ctx, ec, out, head, failed)
			return "failed"
		}
		if done {
			if ctx.Err() != nil {
				o.abortTurn(ctx, ec, out, head)
				return "aborted"
			}
			ec.Emit("agent.turn_complete", map[string]any{"sessionId": sess.ID, "stopReason": stopReason})
			o.emit(out, PhaseCompleted, "turn_complete", map[string]any{"stopReason": stopReason})
			return stopReason
		}
		// stopReason == "tool_use": loop back to PREPARING with the
		// updated head, which now includes the recorded tool results.
	}
}

// recoverInterrupted implements the crash-recovery contract: a session
// whose chain tail is a stream.turn_start with no matching turn_end means
// the process died mid-turn. Refuse to silently resume; record the
// failure and let the client re-issue the turn.
func (o *Orchestrator) recoverInterrupted(ctx context.Context, ec eventctx.Context, sessionID, headID string) error {
	if headID == "" {
		return nil
	}
	head, err := o.Store.Get(ctx, headID)
	if err != nil {
		return err
	}
	if head.Type != models.EventStreamTurnStart {
		return nil
	}
	_, err = ec.Persist(ctx, models.EventTurnFailed, headID, map[string]any{"error": "interrupted"}, nil)
	return err
}

func (o *Orchestrator) fail(ctx context.Context, ec eventctx.Context, out chan<- TurnEvent, head string, err error) {
	o.Log.Error("turn failed", "session_id", ec.SessionID, "run_id", ec.RunID, "error", err)
	ec.Persist(ctx, models.EventTurnFailed, head, map[string]any{"error": err.Error()}, nil)
	ec.Emit("agent.turn_failed", map[string]any{"sessionId": ec.SessionID, "error": err.Error()})
	o.emit(out, PhaseFailed, "turn_failed", map[string]any{"error": err.Error()})
}

func (o *Orchestrator) failReason(ctx context.Context, ec eventctx.Context, out chan<- TurnEvent, head string, reason string) {
	o.fail(ctx, ec, out, head, fmt.Errorf("%s", reason))
}

func (o *Orchestrator) abortTurn(ctx context.Context, ec eventctx.Context, out chan<- TurnEvent, head string) {
	// Use a detached context: the turn's own context is already
	// cancelled, but recording the interruption must still durably land.
	bg := context.Background()
	ec.Persist(bg, models.EventNotificationInterrupt, head, map[string]any{}, nil)
	ec.Emit("session.status", map[string]any{"sessionId": ec.SessionID, "status": "aborted"})
	o.emit(out, PhaseAborted, "turn_aborted", nil)
}

// runOneModelTurn runs CALLING→STREAMING→(TOOL_DISPATCH→TOOL_WAIT)? for
// one provider call, returning the new head, the stop reason, whether the
// turn has reached a terminal stop reason (done), and any fatal error.
func (o *Orchestrator) runOneModelTurn(ctx context.Context, ec eventctx.Context, sess *models.Session, head string, out chan<- TurnEvent) (newHead string, stopReason string, done bool, failed error) {
	msgs, err := o.Context.Prepare(ctx, sess.ID, head, sess.ModelID)
	if err != nil {
		return head, "", false, fmt.Errorf("%w: %v", ErrContextOverflow, err)
	}

	turnStart, err := ec.Persist(ctx, models.EventStreamTurnStart, head, map[string]any{}, nil)
	if err != nil {
		return head, "", false, err
	}
	head = turnStart.ID

	provider, ok := o.Providers.Resolve(sess.ModelID)
	if !ok {
		return head, "", false, fmt.Errorf("%w: %s", ErrNoProvider, sess.ModelID)
	}

	start := time.Now()
	chunks, err := provider.Stream(ctx, providers.Request{ModelID: sess.ModelID, Messages: msgs})
	if err != nil {
		ec.Persist(ctx, models.EventErrorProvider, head, map[string]any{"error": err.Error()}, nil)
		return head, "", false, fmt.Errorf("provider stream: %w", err)
	}

	acc := newTurnAccumulator()
	o.emit(out, PhaseCalling, "calling", nil)
streamLoop:
	for {
		select {
		case <-ctx.Done():
			break streamLoop
		case c, ok := <-chunks:
			if !ok {
				break streamLoop
			}
			if c.Err != nil {
				ec.Persist(ctx, models.EventErrorProvider, head, map[string]any{"error": c.Err.Error()}, nil)
				return head, "", false, fmt.Errorf("provider stream: %w", c.Err)
			}
			acc.apply(c)
			if c.TextDelta != "" {
				ec.Emit("agent.text_delta", map[string]any{"sessionId": ec.SessionID, "text": c.TextDelta})
				o.emit(out, PhaseStreaming, "text_delta", c.TextDelta)
			}
			if c.ThinkingDelta != "" {
				ec.Emit("agent.thinking_delta", map[string]any{"sessionId": ec.SessionID, "text": c.ThinkingDelta})
				o.emit(out, PhaseStreaming, "thinking_delta", c.ThinkingDelta)
			}
		}
	}
	if ctx.Err() != nil {
		return head, "", false, nil
	}

	latency := time.Since(start)

	// The assistant message is recorded before any tool.call events so the
	// Message Reconstructor folds them back into one assistant message:
	// Fold attaches a tool.call's tool_use block to the trailing assistant
	// message rather than opening a second one, the same way a single
	// streamed response can carry text and a tool call together.
	assistantEvt, err := ec.Persist(ctx, models.EventMessageAssistant, head, assistantPayload(acc), nil)
	if err != nil {
		return head, "", false, err
	}
	head = assistantEvt.ID

	if len(acc.toolUses) > 0 {
		head, failed = o.dispatchTools(ctx, ec, sess, head, acc, out)
		if failed != nil {
			return head, "", false, failed
		}
	}

	turnEndEvt, err := ec.Persist(ctx, models.EventStreamTurnEnd, head, turnEndPayloadOf(acc, latency), nil)
	if err != nil {
		return head, "", false, err
	}
	head = turnEndEvt.ID

	if acc.usage != nil {
		if err := o.Registry.IncrementCounters(ctx, sess.ID, registry.CounterDelta{
			InputTokens:       acc.usage.InputTokens,
			OutputTokens:      acc.usage.OutputTokens,
			CacheReadTokens:   acc.usage.CacheReadTokens,
			CacheCreateTokens: acc.usage.CacheCreationTokens,
			Cost:              acc.usage.Cost,
		}); err != nil {
			o.Log.Warn("increment counters failed", "session_id", sess.ID, "error", err)
		}
	}

	done = isTerminalStopReason(acc.stopReason) || acc.stopReason == ""
	return head, acc.stopReason, done, nil
}

// dispatchTools runs TOOL_DISPATCH (persist tool.call, then execute) and
// TOOL_WAIT (await all, persist tool.result before returning) for every
// tool-use block accumulated from one assistant response.
func (o *Orchestrator) dispatchTools(ctx context.Context, ec eventctx.Context, sess *models.Session, head string, acc *turnAccumulator, out chan<- TurnEvent) (string, error) {
	calls := make([]toolexec.Call, len(acc.toolUses))
	for i, tu := range acc.toolUses {
		callEvt, err := ec.Persist(ctx, models.EventToolCall, head, models.ToolCallPayload{
			CallID: tu.ToolUseID, Name: tu.ToolName, Input: tu.ToolInput,
		}, nil)
		if err != nil {
			return head, fmt.Errorf("persist tool.call: %w", err)
		}
		head = callEvt.ID
		calls[i] = toolexec.Call{ToolCallID: tu.ToolUseID, ToolName: tu.ToolName, Input: tu.ToolInput}
		ec.Emit("agent.tool_start", map[string]any{"sessionId": ec.SessionID, "toolCallId": tu.ToolUseID, "name": tu.ToolName})
		o.emit(out, PhaseToolDispatch, "tool_start", calls[i])
	}

	o.emit(out, PhaseToolWait, "tool_wait", nil)
	outcomes := o.Tools.ExecuteAll(ctx, calls)

	for _, oc := range outcomes {
		isError := oc.Err != nil
		content := oc.Result.Content
		if isError {
			msg := oc.Err.Error()
			content = []byte(fmt.Sprintf("%q", msg))
		}
		resultEvt, err := ec.Persist(ctx, models.EventToolResult, head, models.ToolResultPayload{
			CallID: oc.Call.ToolCallID, Name: oc.Call.ToolName, IsError: isError, Content: content,
		}, nil)
		if err != nil {
			return head, fmt.Errorf("persist tool.result: %w", err)
		}
		head = resultEvt.ID
		ec.Emit("agent.tool_end", map[string]any{"sessionId": ec.SessionID, "toolCallId": oc.Call.ToolCallID, "isError": isError})
		o.emit(out, PhaseToolWait, "tool_end", oc)
	}
	return head, nil
}
