package orchestrator

// Phase is one state of the per-turn state machine:
//
//	IDLE → PREPARING → CALLING → STREAMING ─┬→ TOOL_DISPATCH → TOOL_WAIT → (back to PREPARING)
//	                                        ├→ COMPLETED
//	                                        └→ FAILED / ABORTED
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePreparing    Phase = "preparing"
	PhaseCalling      Phase = "calling"
	PhaseStreaming    Phase = "streaming"
	PhaseToolDispatch Phase = "tool_dispatch"
	PhaseToolWait     Phase = "tool_wait"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseAborted      Phase = "aborted"
)

// terminalStopReasons are stop reasons that end a turn outright; any other
// stop reason (in practice just "tool_use") loops back to PREPARING.
var terminalStopReasons = map[string]bool{
	"end_turn":                       true,
	"max_tokens":                     true,
	"stop_sequence":                  true,
	"refusal":                        true,
	"model_context_window_exceeded": true,
}

func isTerminalStopReason(reason string) bool {
	return terminalStopReasons[reason]
}
