package models

import (
	"encoding/json"
	"testing"
)

func TestNewBranch(t *testing.T) {
	branch := NewBranch("sess-123", "alt-path", "evt-root")

	if branch.SessionID != "sess-123" {
		t.Errorf("SessionID = %q, want %q", branch.SessionID, "sess-123")
	}
	if branch.Name != "alt-path" {
		t.Errorf("Name = %q, want %q", branch.Name, "alt-path")
	}
	if branch.RootEventID != "evt-root" || branch.HeadEventID != "evt-root" {
		t.Errorf("root/head = %q/%q, want both %q", branch.RootEventID, branch.HeadEventID, "evt-root")
	}
	if branch.IsDefault {
		t.Error("IsDefault should default to false")
	}
	if branch.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestBranch_JSONRoundTrip(t *testing.T) {
	original := *NewBranch("sess-1", "main", "evt-0")
	original.IsDefault = true

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Branch
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.SessionID != original.SessionID || decoded.Name != original.Name {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
	if !decoded.IsDefault {
		t.Error("IsDefault should round-trip as true")
	}
}
