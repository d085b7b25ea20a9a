// Package registry owns session and workspace pointers: which event is a
// session's head, which session a fork descends from, and the
// denormalized usage counters that ride alongside them. It never writes an
// event itself — that is the Event Store's job — but it is the source of
// truth for "where is this session right now."
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/pkg/models"
)

// Registry manages session and workspace rows. It shares the *sql.DB
// opened by eventstore.Store rather than owning a second connection, so
// that AdvanceHead and Fork can read the events table without a cross-pool
// round trip. It also holds the Store itself, needed to append the
// session.fork event Fork persists on both the parent and child session.
type Registry struct {
	db    *sql.DB
	store *eventstore.Store
	log   *slog.Logger
}

// New wraps an already-open database handle, typically eventstore.Store's,
// plus the Store itself so Fork can append events. store may be nil for
// callers that never fork sessions (e.g. read-only tooling); Fork returns
// an error in that case rather than silently skipping the event.
func New(db *sql.DB, store *eventstore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, store: store, log: logger.With("component", "registry")}
}

// Create inserts a new session, assigning an id if the caller did not
// provide one.
func (r *Registry) Create(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastActivityAt = s.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, head_event_id, root_event_id, title, model_id, working_dir,
			parent_session_id, fork_from_event_id, created_at, last_activity_at,
			spawning_session_id, spawn_type, spawn_task, tags
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkspaceID, nullable(s.HeadEventID), nullable(s.RootEventID), nullable(s.Title), nullable(s.ModelID), nullable(s.WorkingDir),
		nullable(s.ParentSessionID), nullable(s.ForkFromEventID), s.CreatedAt.Format(time.RFC3339Nano), s.LastActivityAt.Format(time.RFC3339Nano),
		nullable(s.SpawningSessionID), nullable(string(s.SpawnType)), nullable(s.SpawnTask), encodeTags(s.Tags),
	)
	if err != nil {
		return fmt.Errorf("registry: create session: %w", err)
	}
	return nil
}

// Get fetches a session by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListOptions bounds a List scan. ArchivedOnly/ActiveOnly are mutually
// exclusive; leaving both false returns every session in the workspace.
type ListOptions struct {
	ArchivedOnly bool
	ActiveOnly   bool
	Limit        int
}

// List returns sessions belonging to a workspace, most recently active
// first.
func (r *Registry) List(ctx context.Context, workspaceID string, opts ListOptions) ([]*models.Session, error) {
	q := sessionColumns + ` FROM sessions WHERE workspace_id = ?`
	args := []any{workspaceID}
	switch {
	case opts.ArchivedOnly:
		q += ` AND archived_at IS NOT NULL`
	case opts.ActiveOnly:
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY last_activity_at DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListArchivedBefore returns every archived session across all
// workspaces whose archived_at predates cutoff, for the offline
// retention sweep (§3.3) to delete.
func (r *Registry) ListArchivedBefore(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		sessionColumns+` FROM sessions WHERE archived_at IS NOT NULL AND archived_at < ? ORDER BY archived_at ASC`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: list archived before: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AdvanceHead repoints a session's head to candidateEventID, refusing the
// move unless candidateEventID is the current head or a descendant of it.
// This is the monotonicity guard: turns never rewrite history, they only
// extend it.
func (r *Registry) AdvanceHead(ctx context.Context, sessionID, candidateEventID string) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.HeadEventID == "" {
		// First event in the session; any candidate is acceptable.
	} else if s.HeadEventID != candidateEventID {
		isDescendant, err := r.isDescendant(ctx, sessionID, s.HeadEventID, candidateEventID)
		if err != nil {
			return err
		}
		if !isDescendant {
			return ErrHeadRegression
		}
	}

	_, err = r.db.ExecContext(ctx, `UPDATE sessions SET head_event_id = ?, last_activity_at = ? WHERE id = ?`,
		candidateEventID, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	return err
}

// SetModel updates a session's bound model id, used by the RPC
// Coordinator's model.switch method. It does not itself record a
// config.model_switch event — the caller appends that event and advances
// the head in the same dispatch, and the event is the durable record;
// this column is only the denormalized "what the session will use next."
func (r *Registry) SetModel(ctx context.Context, sessionID, modelID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET model_id = ?, last_activity_at = ? WHERE id = ?`,
		modelID, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	return err
}

// isDescendant walks candidateID's parent chain looking for ancestorID.
func (r *Registry) isDescendant(ctx context.Context, sessionID, ancestorID, candidateID string) (bool, error) {
	cur := candidateID
	for cur != "" {
		if cur == ancestorID {
			return true, nil
		}
		var parent sql.NullString
		err := r.db.QueryRowContext(ctx, `SELECT parent_id FROM events WHERE id = ? AND session_id = ?`, cur, sessionID).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("registry: walk ancestry: %w", err)
		}
		cur = parent.String
	}
	return false, nil
}

// Fork creates a new session rooted at an existing event of an existing
// session, so the new session's history up to that point is shared with
// the parent by reference rather than copied. A session.fork event is
// recorded on both sides of the split: one on the child marking where its
// own history begins, one on the parent noting the child it spawned.
func (r *Registry) Fork(ctx context.Context, parentSessionID, forkFromEventID, newModelID string) (*models.Session, error) {
	if r.store == nil {
		return nil, fmt.Errorf("registry: fork requires an event store")
	}

	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = ? AND session_id = ?)`, forkFromEventID, parentSessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("registry: check fork source: %w", err)
	}
	if !exists {
		return nil, ErrForkSourceNotFound
	}

	parent, err := r.Get(ctx, parentSessionID)
	if err != nil {
		return nil, err
	}

	child := &models.Session{
		WorkspaceID:     parent.WorkspaceID,
		RootEventID:     parent.RootEventID,
		ModelID:         firstNonEmpty(newModelID, parent.ModelID),
		WorkingDir:      parent.WorkingDir,
		ParentSessionID: parentSessionID,
		ForkFromEventID: forkFromEventID,
	}
	if err := r.Create(ctx, child); err != nil {
		return nil, err
	}

	// The child's own event chain must start at an event that actually
	// belongs to it (Append/WalkAncestors scope parent_id lookups to
	// session_id), so this is the child's root as well as its head; the
	// shared ancestry up to forkFromEventID is tracked via ForkFromEventID/
	// ParentSessionID rather than a literal parent_id pointer.
	childFork, err := r.store.Append(ctx, uuid.NewString(), eventstore.AppendInput{
		SessionID: child.ID,
		Type:      models.EventSessionFork,
		Payload: map[string]any{
			"parentSessionId": parentSessionID,
			"forkFromEventId": forkFromEventID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: persist session.fork on child: %w", err)
	}
	if err := r.AdvanceHead(ctx, child.ID, childFork.ID); err != nil {
		return nil, fmt.Errorf("registry: advance child head: %w", err)
	}
	child.HeadEventID = childFork.ID
	if child.RootEventID == "" {
		child.RootEventID = childFork.ID
	}

	if _, err := r.store.Append(ctx, uuid.NewString(), eventstore.AppendInput{
		SessionID: parentSessionID,
		ParentID:  parent.HeadEventID,
		Type:      models.EventSessionFork,
		Payload: map[string]any{
			"childSessionId":  child.ID,
			"forkFromEventId": forkFromEventID,
		},
	}); err != nil {
		return nil, fmt.Errorf("registry: persist session.fork on parent: %w", err)
	}

	return child, nil
}

// Archive marks a session as archived; archived sessions are excluded from
// active listings but remain fully readable.
func (r *Registry) Archive(ctx context.Context, sessionID string) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Archived() {
		return ErrAlreadyArchived
	}
	_, err = r.db.ExecContext(ctx, `UPDATE sessions SET archived_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	return err
}

// Unarchive clears a session's archived_at timestamp.
func (r *Registry) Unarchive(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET archived_at = NULL WHERE id = ?`, sessionID)
	return err
}

// Delete removes a session's registry row. Callers are responsible for
// deleting the session's events first (eventstore.Store.Delete), since
// that is where the cascading blob ref-count cleanup happens.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// CounterDelta is an additive adjustment to a session's usage counters,
// applied after a provider call reports token usage the Event Store's
// generic Append path does not know how to parse.
type CounterDelta struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheCreateTokens int64
	Cost             float64
}

// IncrementCounters applies a delta to a session's usage aggregates.
func (r *Registry) IncrementCounters(ctx context.Context, sessionID string, d CounterDelta) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			total_cache_read = total_cache_read + ?,
			total_cache_create = total_cache_create + ?,
			last_turn_input_tok = ?,
			total_cost = total_cost + ?
		WHERE id = ?`,
		d.InputTokens, d.OutputTokens, d.CacheReadTokens, d.CacheCreateTokens, d.InputTokens, d.Cost, sessionID,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	return strings.Join(tags, ",")
}

func decodeTags(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, ",")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
