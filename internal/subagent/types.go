// Package subagent implements the Subagent Tracker: it spawns child
// sessions that run the same turn loop as their parent, tracks their
// lifecycle, and bubbles their progress back onto the parent's event
// stream. Grounded on the handoff/delegation shape of
// internal/multiagent/orchestrator.go (spawn-and-resume-on-completion),
// internal/multiagent/supervisor.go (per-parent live-child bookkeeping for
// bulk cancellation), and internal/multiagent/capability_router.go
// (capability-to-agent matching, generalized here to capability-to-role).
package subagent

import (
	"time"

	"github.com/agentrund/agentrund/pkg/models"
)

// State is one stage of a child session's lifecycle.
type State string

const (
	StateSpawning     State = "spawning"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateWaitingInput State = "waiting_input"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// SpawnRequest describes a child session to create and run.
type SpawnRequest struct {
	ParentSessionID string
	Task            string
	Model           string
	Blocking        bool
	Capabilities    []string
	SpawnType       models.SpawnType // defaults to SpawnSubsession
	ForkFromEventID string           // SpawnFork only; empty means the parent's head
}

// Handle identifies a spawned child session. Tracker.Spawn leaves
// ToolCallID empty; it is not filled from the tool call that spawned the
// child.
type Handle struct {
	ChildSessionID string
	ToolCallID     string
}

// TokenUsage summarizes a child session's consumption at the time it
// finished or was last polled.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Result is what Await returns once a child session reaches a terminal
// state.
type Result struct {
	Success    bool
	Output     string
	Summary    string
	TotalTurns int
	TokenUsage TokenUsage
	Duration   time.Duration
}
