package eventstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.db.Exec(`INSERT INTO sessions (id, workspace_id, created_at, last_activity_at) VALUES (?, ?, ?, ?)`,
		"sess-1", "ws-1", time.Now().UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return st
}

func TestAppend_RootEvent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ev, err := st.Append(ctx, uuid.NewString(), AppendInput{
		SessionID: "sess-1",
		Type:      models.EventSessionStart,
		Payload:   map[string]any{"modelId": "claude"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.Sequence != 0 || ev.Depth != 0 {
		t.Errorf("root event sequence/depth = %d/%d, want 0/0", ev.Sequence, ev.Depth)
	}
	if ev.ParentID != "" {
		t.Errorf("root event ParentID = %q, want empty", ev.ParentID)
	}
}

func TestAppend_ChildIncrementsSequenceAndDepth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	root, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", Type: models.EventSessionStart, Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("Append root: %v", err)
	}
	child, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", ParentID: root.ID, Type: models.EventMessageUser, Payload: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("Append child: %v", err)
	}
	if child.Sequence != root.Sequence+1 {
		t.Errorf("child sequence = %d, want %d", child.Sequence, root.Sequence+1)
	}
	if child.Depth != 1 {
		t.Errorf("child depth = %d, want 1", child.Depth)
	}
}

func TestAppend_ParentMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", ParentID: "nonexistent", Type: models.EventMessageUser, Payload: map[string]any{}})
	if !errors.Is(err, ErrParentMissing) {
		t.Errorf("err = %v, want ErrParentMissing", err)
	}
}

func TestGetBySession_OrdersBySequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < 5; i++ {
		ev, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", ParentID: lastID, Type: models.EventMessageUser, Payload: map[string]any{"text": i}})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		lastID = ev.ID
	}

	events, err := st.GetBySession(ctx, "sess-1", ListOptions{})
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, ev.Sequence, i)
		}
	}
}

func TestWalkAncestors_FollowsParentChain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	root, _ := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", Type: models.EventSessionStart, Payload: map[string]any{}})
	mid, _ := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", ParentID: root.ID, Type: models.EventMessageUser, Payload: map[string]any{}})
	leaf, _ := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", ParentID: mid.ID, Type: models.EventMessageAssistant, Payload: map[string]any{}})

	chain, err := st.WalkAncestors(ctx, "sess-1", leaf.ID)
	if err != nil {
		t.Fatalf("WalkAncestors: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	if chain[0].ID != root.ID || chain[1].ID != mid.ID || chain[2].ID != leaf.ID {
		t.Errorf("chain order = [%s %s %s], want root/mid/leaf", chain[0].ID, chain[1].ID, chain[2].ID)
	}
}

func TestAppend_LargePayloadIsBlobified(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	big := strings.Repeat("x", truncationThreshold+1)
	ev, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", Type: models.EventMessageUser, Payload: map[string]any{"text": big}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ContentBlobID == "" {
		t.Fatal("ContentBlobID should be set for an oversized payload")
	}

	blob, err := st.GetBlob(ctx, ev.ContentBlobID)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !strings.Contains(string(blob), big) {
		t.Error("blob content does not contain original payload")
	}
}

func TestGet_ResolvesOversizedPayloadThroughBlobStorage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	big := strings.Repeat("z", truncationThreshold+1)
	ev, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", Type: models.EventMessageUser, Payload: map[string]any{"text": big}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ContentBlobID == "" {
		t.Fatal("ContentBlobID should be set for an oversized payload")
	}

	got, err := st.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(got.Payload), big) {
		t.Error("Get should resolve the truncated marker back to the original payload")
	}

	chain, err := st.WalkAncestors(ctx, "sess-1", ev.ID)
	if err != nil {
		t.Fatalf("WalkAncestors: %v", err)
	}
	if len(chain) != 1 || !strings.Contains(string(chain[0].Payload), big) {
		t.Error("WalkAncestors should resolve blobbed payloads before returning")
	}
}

func TestSearch_FindsIndexedMessageText(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", Type: models.EventMessageUser, Payload: map[string]any{"text": "please refactor the event store"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hits, err := st.Search(ctx, "sess-1", "refactor", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
}

func TestDelete_RemovesEventsAndDecrementsBlobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	big := strings.Repeat("y", truncationThreshold+1)
	ev, err := st.Append(ctx, uuid.NewString(), AppendInput{SessionID: "sess-1", Type: models.EventMessageUser, Payload: map[string]any{"text": big}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := st.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := st.Get(ctx, ev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if _, err := st.GetBlob(ctx, ev.ContentBlobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBlob after delete = %v, want ErrNotFound (ref_count should reach zero)", err)
	}
}
