package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/eventctx"
	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/orchestrator"
	"github.com/agentrund/agentrund/internal/registry"
	"github.com/agentrund/agentrund/pkg/models"
)

var (
	ErrParentNotFound = errors.New("subagent: parent session not found")
	ErrChildNotFound  = errors.New("subagent: unknown child session")
	ErrNoRoles        = errors.New("subagent: no role registered")
)

// childState is the tracker's in-memory bookkeeping for one live or
// recently finished child session. cancel cascades into the context.Context
// passed to the child's RunTurn call, so Cancel needs nothing from the
// orchestrator beyond that cascade.
type childState struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

func (c *childState) snapshot() (State, Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.result, c.err
}

// Tracker owns the lifecycle of every spawned child session: creating it,
// driving it through the same turn loop any top-level session uses, and
// folding its progress back onto the parent's event stream as
// subagent.spawned/progress/completed/failed events. A parent's live
// children are tracked together so an archive or shutdown can cancel all
// of them at once, the way Supervisor in the teacher codebase tracks a
// session's active delegations.
type Tracker struct {
	store    *eventstore.Store
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	notifier eventctx.Notifier
	log      *slog.Logger
	roles    *roleRouter

	mu       sync.Mutex
	children map[string]*childState
	byParent map[string]map[string]struct{}
}

// New builds a Tracker. notifier may be nil (subagent.* notifications are
// then dropped, as in headless/batch dispatch).
func New(store *eventstore.Store, reg *registry.Registry, orch *orchestrator.Orchestrator, notifier eventctx.Notifier, log *slog.Logger) *Tracker {
	if notifier == nil {
		notifier = eventctx.NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:    store,
		registry: reg,
		orch:     orch,
		notifier: notifier,
		log:      log.With("component", "subagent"),
		roles:    newRoleRouter(),
		children: make(map[string]*childState),
		byParent: make(map[string]map[string]struct{}),
	}
}

// RegisterRole adds (or replaces) a sub-agent role. The first registered
// role becomes the fallback used when no capability in a spawn request
// matches any registered role.
func (t *Tracker) RegisterRole(role Role) { t.roles.register(role) }

// SetDefaultRole overrides which registered role is used as the fallback.
func (t *Tracker) SetDefaultRole(roleID string) { t.roles.setDefault(roleID) }

// Spawn creates a child session for req and starts it running in the
// background. If req.Blocking is true, Spawn itself waits for the child to
// reach a terminal state before returning; otherwise the caller uses Await
// to join it later.
func (t *Tracker) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	role, ok := t.roles.resolve(req.Capabilities)
	if !ok {
		return Handle{}, ErrNoRoles
	}
	model := req.Model
	if model == "" {
		model = role.Model
	}
	spawnType := req.SpawnType
	if spawnType == "" {
		spawnType = models.SpawnSubsession
	}

	parent, err := t.registry.Get(ctx, req.ParentSessionID)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrParentNotFound, err)
	}

	var child *models.Session
	if spawnType == models.SpawnFork {
		forkFrom := req.ForkFromEventID
		if forkFrom == "" {
			forkFrom = parent.HeadEventID
		}
		child, err = t.registry.Fork(ctx, parent.ID, forkFrom, model)
		if err != nil {
			return Handle{}, fmt.Errorf("subagent: fork: %w", err)
		}
	} else {
		child = &models.Session{
			WorkspaceID:       parent.WorkspaceID,
			ModelID:           model,
			WorkingDir:        parent.WorkingDir,
			ParentSessionID:   parent.ID,
			SpawningSessionID: parent.ID,
			SpawnType:         spawnType,
			SpawnTask:         req.Task,
		}
		if err := t.registry.Create(ctx, child); err != nil {
			return Handle{}, fmt.Errorf("subagent: create child session: %w", err)
		}
	}

	if err := t.persistOnParent(ctx, parent.ID, models.EventSubagentSpawned, map[string]any{
		"childSessionId": child.ID,
		"task":           req.Task,
		"model":          model,
		"role":           role.ID,
		"spawnType":      string(spawnType),
		"blocking":       req.Blocking,
	}, "subagent.spawn"); err != nil {
		t.log.Warn("persist subagent.spawned failed", "child_session_id", child.ID, "error", err)
	}

	cs := &childState{state: StateSpawning, done: make(chan struct{})}
	t.mu.Lock()
	t.children[child.ID] = cs
	if t.byParent[parent.ID] == nil {
		t.byParent[parent.ID] = make(map[string]struct{})
	}
	t.byParent[parent.ID][child.ID] = struct{}{}
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	cs.mu.Lock()
	cs.cancel = cancel
	cs.mu.Unlock()

	go t.run(runCtx, child.ID, parent.ID, req.Task, cs)

	handle := Handle{ChildSessionID: child.ID}
	if req.Blocking {
		select {
		case <-cs.done:
		case <-ctx.Done():
			return handle, ctx.Err()
		}
	}
	return handle, nil
}

// run drives one child session through the orchestrator's turn loop,
// translating its TurnEvent stream into subagent.progress/completed/failed
// events on the parent stream.
func (t *Tracker) run(ctx context.Context, childID, parentID, task string, cs *childState) {
	cs.mu.Lock()
	cs.state = StateRunning
	cs.mu.Unlock()

	start := time.Now()
	events, err := t.orch.RunTurn(ctx, childID, task)
	if err != nil {
		t.finish(childID, parentID, cs, Result{Duration: time.Since(start)}, fmt.Errorf("subagent: start turn: %w", err))
		return
	}

	var text strings.Builder
	var turns int
	var phaseErr error

	for ev := range events {
		switch ev.Type {
		case "text_delta":
			if s, ok := ev.Data.(string); ok {
				text.WriteString(s)
			}
		case "calling":
			turns++
			if err := t.persistOnParent(ctx, parentID, models.EventSubagentProgress, map[string]any{
				"childSessionId": childID, "turn": turns,
			}, "subagent.progress"); err != nil {
				t.log.Warn("persist subagent.progress failed", "child_session_id", childID, "error", err)
			}
		case "turn_failed":
			if m, ok := ev.Data.(map[string]any); ok {
				if msg, ok := m["error"].(string); ok {
					phaseErr = errors.New(msg)
				}
			}
		}

		switch ev.Phase {
		case orchestrator.PhaseCompleted:
			t.finish(childID, parentID, cs, Result{
				Success:    true,
				Output:     text.String(),
				Summary:    text.String(),
				TotalTurns: turns,
				Duration:   time.Since(start),
			}, nil)
			return
		case orchestrator.PhaseFailed, orchestrator.PhaseAborted:
			if phaseErr == nil {
				phaseErr = fmt.Errorf("subagent: child turn ended in phase %s", ev.Phase)
			}
			t.finish(childID, parentID, cs, Result{
				Output:     text.String(),
				TotalTurns: turns,
				Duration:   time.Since(start),
			}, phaseErr)
			return
		}
	}
}

// finish records the child's terminal state, mirrors its usage totals onto
// the parent session, persists subagent.completed or subagent.failed on the
// parent stream, and unblocks any Await call.
func (t *Tracker) finish(childID, parentID string, cs *childState, result Result, runErr error) {
	bg := context.Background()
	if child, err := t.registry.Get(bg, childID); err == nil {
		result.TokenUsage = TokenUsage{
			InputTokens:  child.Counters.TotalInputTokens,
			OutputTokens: child.Counters.TotalOutputTokens,
			Cost:         child.Counters.TotalCost,
		}
		t.mirrorUsageOntoParent(bg, parentID, childID, child.Counters)
	}

	cs.mu.Lock()
	if runErr != nil {
		cs.state = StateFailed
		cs.err = runErr
	} else {
		cs.state = StateCompleted
	}
	cs.result = result
	cs.mu.Unlock()

	if runErr != nil {
		if err := t.persistOnParent(bg, parentID, models.EventSubagentFailed, map[string]any{
			"childSessionId": childID, "error": runErr.Error(),
		}, "subagent.complete"); err != nil {
			t.log.Warn("persist subagent.failed failed", "child_session_id", childID, "error", err)
		}
	} else {
		if err := t.persistOnParent(bg, parentID, models.EventSubagentCompleted, map[string]any{
			"childSessionId": childID, "summary": result.Summary, "totalTurns": result.TotalTurns,
		}, "subagent.complete"); err != nil {
			t.log.Warn("persist subagent.completed failed", "child_session_id", childID, "error", err)
		}
	}

	close(cs.done)

	t.mu.Lock()
	if set, ok := t.byParent[parentID]; ok {
		delete(set, childID)
		if len(set) == 0 {
			delete(t.byParent, parentID)
		}
	}
	t.mu.Unlock()
}

// mirrorUsageOntoParent folds a finished child's token/cost totals into the
// parent session's own running counters, so a parent's total cost reflects
// every subagent it spawned along the way, not just its own turns.
func (t *Tracker) mirrorUsageOntoParent(ctx context.Context, parentID, childID string, usage models.Counters) {
	if usage.TotalInputTokens == 0 && usage.TotalOutputTokens == 0 && usage.TotalCacheRead == 0 && usage.TotalCacheCreate == 0 && usage.TotalCost == 0 {
		return
	}
	err := t.registry.IncrementCounters(ctx, parentID, registry.CounterDelta{
		InputTokens:       usage.TotalInputTokens,
		OutputTokens:      usage.TotalOutputTokens,
		CacheReadTokens:   usage.TotalCacheRead,
		CacheCreateTokens: usage.TotalCacheCreate,
		Cost:              usage.TotalCost,
	})
	if err != nil {
		t.log.Warn("mirror child usage onto parent failed", "child_session_id", childID, "parent_session_id", parentID, "error", err)
	}
}

// persistOnParent re-reads the parent's current head (it may have advanced
// since Spawn was called, e.g. the parent's own turn kept streaming) and
// appends to that head, so concurrent subagent and parent-turn activity
// never race each other into a forked chain.
func (t *Tracker) persistOnParent(ctx context.Context, parentID string, eventType models.EventType, payload map[string]any, notifyMethod string) error {
	parent, err := t.registry.Get(ctx, parentID)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	ec := eventctx.New(t.store, t.notifier, parentID, runID)
	if _, err := ec.Persist(ctx, eventType, parent.HeadEventID, payload, nil); err != nil {
		return err
	}
	ec.Emit(notifyMethod, payload)
	return nil
}

// Await blocks until childSessionID reaches a terminal state and returns
// its result.
func (t *Tracker) Await(ctx context.Context, childSessionID string) (Result, error) {
	t.mu.Lock()
	cs, ok := t.children[childSessionID]
	t.mu.Unlock()
	if !ok {
		return Result{}, ErrChildNotFound
	}

	select {
	case <-cs.done:
		_, result, err := cs.snapshot()
		return result, err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State reports a child session's current lifecycle stage.
func (t *Tracker) State(childSessionID string) (State, bool) {
	t.mu.Lock()
	cs, ok := t.children[childSessionID]
	t.mu.Unlock()
	if !ok {
		return "", false
	}
	state, _, _ := cs.snapshot()
	return state, true
}

// Cancel stops a running child session. It returns false if the child is
// unknown or already finished.
func (t *Tracker) Cancel(childSessionID string) bool {
	t.mu.Lock()
	cs, ok := t.children[childSessionID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	cs.mu.Lock()
	state := cs.state
	cancel := cs.cancel
	cs.mu.Unlock()
	if state == StateCompleted || state == StateFailed {
		return false
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// CancelAllForParent cancels every still-live child of parentSessionID.
// Invoked when a parent session is archived or deleted: a child cannot
// outlive its parent's archive.
func (t *Tracker) CancelAllForParent(parentSessionID string) int {
	t.mu.Lock()
	set := t.byParent[parentSessionID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if t.Cancel(id) {
			cancelled++
		}
	}
	return cancelled
}

// LiveChildren returns the ids of parentSessionID's still-running children.
func (t *Tracker) LiveChildren(parentSessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byParent[parentSessionID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
