package rpc

import (
	"encoding/json"
	"testing"
)

func TestNewResponse_CarriesIDAndResult(t *testing.T) {
	id := json.RawMessage(`"req-1"`)
	resp := newResponse(id, map[string]any{"ok": true})
	if resp.JSONRPC != jsonrpcVersion {
		t.Errorf("jsonrpc = %q, want %q", resp.JSONRPC, jsonrpcVersion)
	}
	if string(resp.ID) != `"req-1"` {
		t.Errorf("id = %s, want \"req-1\"", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("expected no error, got %+v", resp.Error)
	}
}

func TestNewErrorResponse_CarriesCodeAndMessage(t *testing.T) {
	resp := newErrorResponse(nil, CodeSessionNotFound, "session not found")
	if resp.Result != nil {
		t.Errorf("expected no result, got %v", resp.Result)
	}
	if resp.Error == nil || resp.Error.Code != CodeSessionNotFound {
		t.Fatalf("expected error code %d, got %+v", CodeSessionNotFound, resp.Error)
	}
}

func TestErrorCodes_MatchContract(t *testing.T) {
	cases := map[string]int{
		"parse error":      CodeParseError,
		"invalid params":   CodeInvalidParams,
		"method not found": CodeMethodNotFound,
		"internal":         CodeInternal,
		"session not found": CodeSessionNotFound,
		"agent busy":        CodeAgentBusy,
		"context overflow":  CodeContextOverflow,
	}
	want := map[string]int{
		"parse error":       -32700,
		"invalid params":    -32602,
		"method not found":  -32601,
		"internal":          -32603,
		"session not found": -32000,
		"agent busy":        -32001,
		"context overflow":  -32002,
	}
	for name, got := range cases {
		if got != want[name] {
			t.Errorf("%s = %d, want %d", name, got, want[name])
		}
	}
}

func TestError_ErrorMethodReturnsMessage(t *testing.T) {
	e := &Error{Code: CodeInternal, Message: "boom"}
	if e.Error() != "boom" {
		t.Errorf("Error() = %q, want %q", e.Error(), "boom")
	}
}
