package eventctx

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/pkg/models"
)

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) Notify(sessionID, method string, params any) {
	r.calls = append(r.calls, sessionID+":"+method)
}

func newTestStore(t *testing.T, sessionID string) *eventstore.Store {
	t.Helper()
	st, err := eventstore.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", eventstore.Options{})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.DB().Exec(`INSERT INTO sessions (id, workspace_id, created_at, last_activity_at) VALUES (?, 'ws-1', datetime('now'), datetime('now'))`, sessionID); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return st
}

func TestEmit_ReachesNotifier(t *testing.T) {
	n := &recordingNotifier{}
	c := New(nil, n, "sess-1", "run-1")
	c.Emit("agent.text_delta", map[string]string{"text": "hi"})
	if len(n.calls) != 1 || n.calls[0] != "sess-1:agent.text_delta" {
		t.Fatalf("unexpected notifier calls: %v", n.calls)
	}
}

func TestPersist_StampsRunIDAndInvokesCallback(t *testing.T) {
	st := newTestStore(t, "sess-1")
	c := New(st, nil, "sess-1", "run-xyz")

	var created *models.Event
	ev, err := c.Persist(context.Background(), models.EventMessageUser, "", map[string]any{"text": "hello"}, func(e *models.Event) {
		created = e
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if created == nil || created.ID != ev.ID {
		t.Fatal("onCreated callback was not invoked with the persisted event")
	}

	stored, err := st.Get(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !containsRunID(stored.Payload, "run-xyz") {
		t.Errorf("payload does not carry runId: %s", stored.Payload)
	}
}

func containsRunID(payload []byte, runID string) bool {
	return string(payload) != "" && (indexOf(string(payload), runID) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
