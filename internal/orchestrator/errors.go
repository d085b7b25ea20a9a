package orchestrator

import "errors"

var (
	// ErrAgentBusy is returned when a turn is requested for a session that
	// already has one in flight. Maps to RPC error code -32001.
	ErrAgentBusy = errors.New("orchestrator: agent busy")
	// ErrContextOverflow is returned when a turn cannot be prepared within
	// the model's context window even after compaction. Maps to RPC error
	// code -32002.
	ErrContextOverflow = errors.New("orchestrator: context overflow")
	ErrSessionNotFound  = errors.New("orchestrator: session not found")
	ErrNoProvider       = errors.New("orchestrator: no provider for model")
)
