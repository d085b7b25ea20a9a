// Package toolexec implements the Tool Executor: schema validation,
// concurrency-bounded parallel execution with cancellation and timeout,
// panic recovery, stable error classification, and LIFO pre/post hooks.
// Grounded on agent/executor.go's semaphore-bounded ExecuteAll/Execute
// pair, trimmed of its retry/backoff machinery (not named by the turn
// state machine this executor serves) and extended with JSON-Schema
// argument validation the way gateway/ws_schema.go validates RPC params.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentrund/agentrund/internal/metrics"
	"github.com/agentrund/agentrund/internal/tracing"
)

// Config tunes an Executor.
type Config struct {
	// Concurrency bounds simultaneous tool executions dispatched from one
	// assistant message. Default 4, per the orchestrator's per-session cap.
	Concurrency int
	// Timeout bounds a single tool call's wall time. Default 30s.
	Timeout time.Duration
}

// DefaultConfig returns the orchestrator's default concurrency cap and
// per-call timeout.
func DefaultConfig() Config {
	return Config{Concurrency: 4, Timeout: 30 * time.Second}
}

// Executor dispatches tool calls against a Registry.
type Executor struct {
	registry *Registry
	hooks    hookChain
	sem      chan struct{}
	timeout  time.Duration

	mu      sync.Mutex
	metrics Metrics

	// PromMetrics and Tracer are optional instrumentation sinks; either may
	// be left nil to disable that instrumentation, since both tolerate a
	// nil receiver.
	PromMetrics *metrics.Metrics
	Tracer      *tracing.Tracer
}

// Metrics tracks lifetime executor counters.
type Metrics struct {
	Total    int64
	Denied   int64
	Failed   int64
	Timeouts int64
	Panics   int64
}

// New builds an Executor bounded by cfg.Concurrency concurrent calls.
func New(registry *Registry, cfg Config) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Executor{
		registry: registry,
		sem:      make(chan struct{}, cfg.Concurrency),
		timeout:  cfg.Timeout,
	}
}

// RegisterHook adds a hook; hooks run LIFO (most recently registered
// first) on both PreToolUse and PostToolUse.
func (e *Executor) RegisterHook(h Hook) {
	e.hooks.register(h)
}

// Metrics returns a snapshot of lifetime counters.
func (e *Executor) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Outcome is one call's result from ExecuteAll, order-preserved against
// the input calls.
type Outcome struct {
	Call   Call
	Result Result
	Err    error
}

// ExecuteAll dispatches every call concurrently, bounded by the
// executor's concurrency cap, and returns outcomes in input order. This
// backs TOOL_DISPATCH/TOOL_WAIT: tool calls from one assistant message
// run in parallel and the orchestrator awaits them all before recording
// the next message.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call) []Outcome {
	if len(calls) == 0 {
		return nil
	}
	out := make([]Outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			result, err := e.Execute(ctx, c)
			out[idx] = Outcome{Call: c, Result: result, Err: err}
		}(i, call)
	}
	wg.Wait()
	return out
}

// Execute runs one tool call: validates input against the tool's schema,
// consults PreToolUse hooks, runs the tool under a timeout with panic
// recovery, then notifies PostToolUse hooks.
func (e *Executor) Execute(ctx context.Context, call Call) (Result, error) {
	ctx, span := e.Tracer.Start(ctx, "tool."+call.ToolName, call.ToolCallID, call.ToolName)
	start := time.Now()
	var execErr error
	defer func() {
		tracing.End(span, execErr)
		e.PromMetrics.ObserveTool(call.ToolName, outcomeLabel(execErr), time.Since(start))
	}()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		execErr = newError(CodeCancelled, call.ToolName, call.ToolCallID, ctx.Err())
		return Result{}, execErr
	}

	e.bump(func(m *Metrics) { m.Total++ })

	tool, ok := e.registry.Get(call.ToolName)
	if !ok {
		e.bump(func(m *Metrics) { m.Failed++ })
		execErr = newError(CodeNotFound, call.ToolName, call.ToolCallID, ErrUnknownTool)
		return Result{}, execErr
	}

	if err := e.validate(call); err != nil {
		e.bump(func(m *Metrics) { m.Failed++ })
		execErr = newError(CodeInvalidArgs, call.ToolName, call.ToolCallID, err)
		return Result{}, execErr
	}

	allow, reason, err := e.hooks.preToolUse(ctx, call)
	if err != nil {
		e.bump(func(m *Metrics) { m.Failed++ })
		execErr = newError(CodeInternal, call.ToolName, call.ToolCallID, err)
		return Result{}, execErr
	}
	if !allow {
		e.bump(func(m *Metrics) { m.Denied++ })
		deniedErr := newError(CodeDenied, call.ToolName, call.ToolCallID, fmt.Errorf("%s", reason))
		e.hooks.postToolUse(ctx, call, Result{}, deniedErr)
		execErr = deniedErr
		return Result{}, execErr
	}

	var result Result
	result, execErr = e.runWithTimeout(ctx, tool, call)
	e.hooks.postToolUse(ctx, call, result, execErr)

	if execErr != nil {
		if toolErr, ok := execErr.(*Error); ok {
			switch toolErr.Code {
			case CodeTimeout:
				e.bump(func(m *Metrics) { m.Timeouts++ })
			case CodePanic:
				e.bump(func(m *Metrics) { m.Panics++ })
			}
		}
		e.bump(func(m *Metrics) { m.Failed++ })
	}
	return result, execErr
}

// outcomeLabel reduces execErr to the small cardinality ObserveTool expects.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if toolErr, ok := err.(*Error); ok {
		return string(toolErr.Code)
	}
	return "error"
}

func (e *Executor) bump(f func(*Metrics)) {
	e.mu.Lock()
	f(&e.metrics)
	e.mu.Unlock()
}

func (e *Executor) validate(call Call) error {
	schema, ok := e.registry.schemaFor(call.ToolName)
	if !ok {
		return nil
	}
	var v any
	input := call.Input
	if len(input) == 0 {
		input = []byte("{}")
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	return nil
}

func (e *Executor) runWithTimeout(ctx context.Context, tool Tool, call Call) (result Result, err error) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: newError(CodePanic, call.ToolName, call.ToolCallID,
					fmt.Errorf("panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		res, execErr := tool.Execute(execCtx, call.Input)
		if execErr != nil {
			done <- outcome{err: newError(CodeInternal, call.ToolName, call.ToolCallID, execErr)}
			return
		}
		done <- outcome{result: res}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return Result{}, newError(CodeCancelled, call.ToolName, call.ToolCallID, ctx.Err())
		}
		return Result{}, newError(CodeTimeout, call.ToolName, call.ToolCallID,
			fmt.Errorf("execution exceeded %s", e.timeout))
	}
}
