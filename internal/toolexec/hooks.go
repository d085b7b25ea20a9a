package toolexec

import "context"

// Call describes one dispatched tool invocation, passed to hooks alongside
// the tool's own input so a hook can inspect call metadata (tool-call id,
// name) without unmarshaling input itself.
type Call struct {
	ToolCallID string
	ToolName   string
	Input      []byte
}

// Hook observes or gates tool execution without touching the tool
// implementation. PreToolUse may deny a call by returning allow=false;
// PostToolUse is informational and cannot alter the result.
type Hook interface {
	PreToolUse(ctx context.Context, call Call) (allow bool, reason string, err error)
	PostToolUse(ctx context.Context, call Call, result Result, execErr error)
}

// hookChain registers hooks and runs them LIFO: the most recently
// registered hook is consulted first on PreToolUse and notified first on
// PostToolUse, so a hook added late (e.g. a debugging observer) can act as
// an outermost wrapper around hooks registered earlier.
type hookChain struct {
	hooks []Hook
}

func (c *hookChain) register(h Hook) {
	c.hooks = append(c.hooks, h)
}

func (c *hookChain) preToolUse(ctx context.Context, call Call) (bool, string, error) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		allow, reason, err := c.hooks[i].PreToolUse(ctx, call)
		if err != nil {
			return false, reason, err
		}
		if !allow {
			return false, reason, nil
		}
	}
	return true, "", nil
}

func (c *hookChain) postToolUse(ctx context.Context, call Call, result Result, execErr error) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		c.hooks[i].PostToolUse(ctx, call, result, execErr)
	}
}
