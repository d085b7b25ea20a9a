package toolexec

import "errors"

// Code classifies a tool failure into a stable category a client can
// branch on, independent of the underlying tool's own error text.
type Code string

const (
	CodeInvalidArgs Code = "invalid_args"
	CodeNotFound    Code = "not_found"
	CodeDenied      Code = "denied"
	CodeTimeout     Code = "timeout"
	CodePanic       Code = "panic"
	CodeCancelled   Code = "cancelled"
	CodeInternal    Code = "internal"
)

var (
	ErrUnknownTool   = errors.New("toolexec: unknown tool")
	ErrSchemaInvalid = errors.New("toolexec: schema invalid")
)

// Error wraps a tool failure with a stable Code alongside the underlying
// cause, so callers can classify without string-matching.
type Error struct {
	Code       Code
	ToolName   string
	ToolCallID string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code) + ": " + e.ToolName
	}
	return string(e.Code) + ": " + e.ToolName + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, toolName, callID string, err error) *Error {
	return &Error{Code: code, ToolName: toolName, ToolCallID: callID, Err: err}
}
