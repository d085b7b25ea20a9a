package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *eventstore.Store) {
	t.Helper()
	st, err := eventstore.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", eventstore.Options{})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB(), st, nil), st
}

func TestCreateAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s := &models.Session{WorkspaceID: "ws-1", ModelID: "claude-sonnet"}
	if err := reg.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Fatal("Create should assign an id")
	}

	got, err := reg.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ModelID != "claude-sonnet" {
		t.Errorf("ModelID = %q, want claude-sonnet", got.ModelID)
	}
}

func TestGet_NotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAdvanceHead_AcceptsDescendant(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s := &models.Session{WorkspaceID: "ws-1"}
	if err := reg.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	root, err := st.Append(ctx, uuid.NewString(), eventstore.AppendInput{SessionID: s.ID, Type: models.EventSessionStart, Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("Append root: %v", err)
	}
	if err := reg.AdvanceHead(ctx, s.ID, root.ID); err != nil {
		t.Fatalf("AdvanceHead root: %v", err)
	}

	child, err := st.Append(ctx, uuid.NewString(), eventstore.AppendInput{SessionID: s.ID, ParentID: root.ID, Type: models.EventMessageUser, Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("Append child: %v", err)
	}
	if err := reg.AdvanceHead(ctx, s.ID, child.ID); err != nil {
		t.Fatalf("AdvanceHead child: %v", err)
	}

	got, _ := reg.Get(ctx, s.ID)
	if got.HeadEventID != child.ID {
		t.Errorf("HeadEventID = %q, want %q", got.HeadEventID, child.ID)
	}
}

func TestAdvanceHead_RejectsNonDescendant(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s := &models.Session{WorkspaceID: "ws-1"}
	if err := reg.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	root, _ := st.Append(ctx, uuid.NewString(), eventstore.AppendInput{SessionID: s.ID, Type: models.EventSessionStart, Payload: map[string]any{}})
	reg.AdvanceHead(ctx, s.ID, root.ID)

	branchA, _ := st.Append(ctx, uuid.NewString(), eventstore.AppendInput{SessionID: s.ID, ParentID: root.ID, Type: models.EventMessageUser, Payload: map[string]any{}})
	reg.AdvanceHead(ctx, s.ID, branchA.ID)

	// A sibling of branchA (also parented at root) is not a descendant of
	// the current head (branchA), so this must be rejected.
	branchB, _ := st.Append(ctx, uuid.NewString(), eventstore.AppendInput{SessionID: s.ID, ParentID: root.ID, Type: models.EventMessageUser, Payload: map[string]any{}})
	if err := reg.AdvanceHead(ctx, s.ID, branchB.ID); !errors.Is(err, ErrHeadRegression) {
		t.Errorf("err = %v, want ErrHeadRegression", err)
	}
}

func TestFork_CreatesChildSessionAtEvent(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	parent := &models.Session{WorkspaceID: "ws-1", ModelID: "claude-sonnet"}
	if err := reg.Create(ctx, parent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	root, _ := st.Append(ctx, uuid.NewString(), eventstore.AppendInput{SessionID: parent.ID, Type: models.EventSessionStart, Payload: map[string]any{}})

	child, err := reg.Fork(ctx, parent.ID, root.ID, "")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.ParentSessionID != parent.ID || child.ForkFromEventID != root.ID {
		t.Errorf("child parentage = %+v", child)
	}
	if child.ModelID != parent.ModelID {
		t.Errorf("child should inherit parent ModelID when none given")
	}
	if child.HeadEventID == "" {
		t.Fatal("Fork should leave the child with a head event of its own")
	}

	childEvents, err := st.GetByType(ctx, child.ID, []models.EventType{models.EventSessionFork})
	if err != nil {
		t.Fatalf("GetByType(child): %v", err)
	}
	if len(childEvents) != 1 || childEvents[0].ID != child.HeadEventID {
		t.Fatalf("expected exactly one session.fork event on the child at its head, got %v", childEvents)
	}

	parentEvents, err := st.GetByType(ctx, parent.ID, []models.EventType{models.EventSessionFork})
	if err != nil {
		t.Fatalf("GetByType(parent): %v", err)
	}
	if len(parentEvents) != 1 {
		t.Fatalf("expected exactly one session.fork event on the parent, got %v", parentEvents)
	}
}

func TestFork_RejectsUnknownSourceEvent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	parent := &models.Session{WorkspaceID: "ws-1"}
	reg.Create(ctx, parent)

	if _, err := reg.Fork(ctx, parent.ID, "nonexistent", ""); !errors.Is(err, ErrForkSourceNotFound) {
		t.Errorf("err = %v, want ErrForkSourceNotFound", err)
	}
}

func TestArchive_RejectsDoubleArchive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s := &models.Session{WorkspaceID: "ws-1"}
	reg.Create(ctx, s)

	if err := reg.Archive(ctx, s.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := reg.Archive(ctx, s.ID); !errors.Is(err, ErrAlreadyArchived) {
		t.Errorf("err = %v, want ErrAlreadyArchived", err)
	}
}

func TestIncrementCounters_Accumulates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s := &models.Session{WorkspaceID: "ws-1"}
	reg.Create(ctx, s)

	if err := reg.IncrementCounters(ctx, s.ID, CounterDelta{InputTokens: 100, OutputTokens: 50, Cost: 0.01}); err != nil {
		t.Fatalf("IncrementCounters: %v", err)
	}
	if err := reg.IncrementCounters(ctx, s.ID, CounterDelta{InputTokens: 20, OutputTokens: 10, Cost: 0.002}); err != nil {
		t.Fatalf("IncrementCounters: %v", err)
	}

	got, _ := reg.Get(ctx, s.ID)
	if got.Counters.TotalInputTokens != 120 || got.Counters.TotalOutputTokens != 60 {
		t.Errorf("counters = %+v, want input=120 output=60", got.Counters)
	}
}
