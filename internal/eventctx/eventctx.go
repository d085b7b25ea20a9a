// Package eventctx implements the Event Context: a scoped envelope created
// once per inbound dispatch (an RPC request, a resumed turn, a subagent
// tick) that keeps session id, timestamp, and run id consistent across
// every Emit/Persist call made while handling that dispatch. Grounded on
// the runID-stamped, atomically-sequenced event emission in
// agent/event_emitter.go, generalized from an in-process EventSink to the
// durable eventstore plus a notification broadcaster.
package eventctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/pkg/models"
)

// Notifier broadcasts a real-time notification to whoever is subscribed to
// a session's stream. The RPC Coordinator implements this over its
// per-connection write loops.
type Notifier interface {
	Notify(sessionID string, method string, params any)
}

// NopNotifier discards notifications; useful for headless/batch dispatch.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string, any) {}

// Context is the per-dispatch envelope. It is constructed once at the
// dispatch boundary (e.g. when an `agent.message` request arrives) and
// passed by value into every handler and loop iteration that dispatch
// triggers, so every Emit/Persist call during it shares one runId and
// consistent sessionId.
type Context struct {
	SessionID string
	RunID     string
	CreatedAt time.Time

	store    *eventstore.Store
	notifier Notifier
}

// New creates a Context scoped to sessionID. runID is typically a fresh
// uuid minted by the caller (the Turn Orchestrator, on PREPARING).
func New(store *eventstore.Store, notifier Notifier, sessionID, runID string) Context {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return Context{
		SessionID: sessionID,
		RunID:     runID,
		CreatedAt: time.Now(),
		store:     store,
		notifier:  notifier,
	}
}

// Emit broadcasts a real-time notification to subscribers of this
// session's stream. It does not touch durable storage.
func (c Context) Emit(method string, data any) {
	c.notifier.Notify(c.SessionID, method, data)
}

// Persist appends an event to the store, tagged with this dispatch's
// runId, and invokes onCreated (if non-nil) with the created event. The
// parentID is the caller's current notion of the head; Persist does not
// itself advance the session's registry head — callers do that once per
// durable step so the registry and the event chain can never disagree
// about who is "current" mid-dispatch.
func (c Context) Persist(ctx context.Context, eventType models.EventType, parentID string, payload any, onCreated func(*models.Event)) (*models.Event, error) {
	merged, err := mergeRunID(payload, c.RunID)
	if err != nil {
		return nil, fmt.Errorf("eventctx: merge runId: %w", err)
	}

	ev, err := c.store.Append(ctx, newEventID(), eventstore.AppendInput{
		SessionID: c.SessionID,
		ParentID:  parentID,
		Type:      eventType,
		Payload:   merged,
	})
	if err != nil {
		return nil, err
	}
	if onCreated != nil {
		onCreated(ev)
	}
	return ev, nil
}

// mergeRunID folds a "runId" key into payload's JSON object form, used so
// every persisted event from one dispatch can be correlated even when
// payload is a typed struct rather than a map.
func mergeRunID(payload any, runID string) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// Payload wasn't a JSON object (e.g. a bare string/array); wrap it.
		m = map[string]any{"value": json.RawMessage(raw)}
	}
	m["runId"] = runID
	return m, nil
}

func newEventID() string {
	return uuid.NewString()
}
