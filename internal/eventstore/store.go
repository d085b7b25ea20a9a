// Package eventstore implements the append-only event tree: the single
// source of truth for session history. Every other component derives its
// view of a session — reconstructed messages, counters, search results —
// by reading from here; nothing but Append ever mutates an event row.
package eventstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentrund/agentrund/pkg/models"
)

// Store is a SQLite-backed event tree shared by one or more sessions.
type Store struct {
	db     *sql.DB
	log    *slog.Logger
	closed bool
}

// Options configures Open.
type Options struct {
	// BusyTimeout bounds how long a writer waits on SQLITE_BUSY before
	// giving up. Defaults to 5s.
	BusyTimeout time.Duration
	Logger      *slog.Logger
	// Driver selects the registered database/sql driver name. The default,
	// "sqlite" (modernc.org/sqlite, pure Go), needs no cgo and is what
	// agentrund ships built. "sqlite3" (github.com/mattn/go-sqlite3) is
	// registered only in cgo builds — see cgo_driver.go — for operators who
	// need its marginally faster cgo-backed execution and already have a C
	// toolchain in their build environment.
	Driver string
}

// Open opens (creating if absent) the SQLite database at path in WAL mode
// and ensures the event-store schema exists. path may be ":memory:" for
// tests, in which case a shared cache is used so multiple connections in
// the pool see the same database.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}

	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, p, err)
		}
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrStoreUnavailable, err)
	}

	return &Store{db: db, log: opts.Logger.With("component", "eventstore")}, nil
}

// DB exposes the underlying handle so sibling components (registry,
// migrate) that must share a transaction with Append can reuse the pool
// instead of opening a second connection to the same file.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.closed = true
	return s.db.Close()
}

// AppendInput describes a new event to be appended as a child of ParentID
// (empty for a session root).
type AppendInput struct {
	SessionID  string
	ParentID   string
	Type       models.EventType
	Payload    any
	Role       string
	ToolName   string
	ToolCallID string
	Turn       int

	Model        string
	LatencyMS    int64
	StopReason   string
	HasThinking  bool
	ProviderType string
	Cost         float64
}

// Append writes a new event as a child of in.ParentID, assigns it the next
// sequence number for the session, and advances the session's head and
// usage counters in the same transaction. The caller supplies a pre-minted
// id (typically a uuid) so the event can be referenced before the call
// returns in streaming contexts.
func (s *Store) Append(ctx context.Context, id string, in AppendInput) (*models.Event, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}

	payloadBytes, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrWriteFailed, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrWriteFailed, err)
	}
	defer tx.Rollback()

	depth := 0
	if in.ParentID != "" {
		var parentDepth int
		err := tx.QueryRowContext(ctx, `SELECT depth FROM events WHERE id = ? AND session_id = ?`, in.ParentID, in.SessionID).Scan(&parentDepth)
		if err == sql.ErrNoRows {
			return nil, ErrParentMissing
		}
		if err != nil {
			return nil, fmt.Errorf("%w: lookup parent: %v", ErrWriteFailed, err)
		}
		depth = parentDepth + 1
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE session_id = ?`, in.SessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("%w: next sequence: %v", ErrWriteFailed, err)
	}

	blobID, stored, err := s.maybeBlobify(ctx, tx, payloadBytes)
	if err != nil {
		return nil, err
	}
	if blobID != "" {
		marker, _ := json.Marshal(models.TruncatedPayload{Truncated: true, BlobID: blobID})
		payloadBytes = marker
	} else {
		payloadBytes = stored
	}

	now := time.Now().UTC()
	checksum := checksumOf(in.SessionID, in.ParentID, seq, payloadBytes)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			id, session_id, parent_id, sequence, depth, type, timestamp, payload,
			content_blob_id, role, tool_name, tool_call_id, turn,
			model, latency_ms, stop_reason, has_thinking, provider_type, cost, checksum
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, in.SessionID, nullable(in.ParentID), seq, depth, string(in.Type), now.Format(time.RFC3339Nano), payloadBytes,
		nullable(blobID), nullable(in.Role), nullable(in.ToolName), nullable(in.ToolCallID), in.Turn,
		nullable(in.Model), in.LatencyMS, nullable(in.StopReason), boolToInt(in.HasThinking), nullable(in.ProviderType), in.Cost, checksum,
	)
	if err != nil {
		if isUniqueConflict(err) {
			return nil, ErrSequenceConflict
		}
		return nil, fmt.Errorf("%w: insert event: %v", ErrWriteFailed, err)
	}

	if snippet := searchableText(in.Type, in.Payload); snippet != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO events_fts (event_id, body) VALUES (?, ?)`, id, snippet); err != nil {
			return nil, fmt.Errorf("%w: fts index: %v", ErrWriteFailed, err)
		}
	}

	isMessage := in.Type == models.EventMessageUser || in.Type == models.EventMessageAssistant
	isTurnEnd := in.Type == models.EventStreamTurnEnd
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			head_event_id = ?,
			last_activity_at = ?,
			event_count = event_count + 1,
			message_count = message_count + ?,
			turn_count = turn_count + ?,
			total_cost = total_cost + ?
		WHERE id = ?`,
		id, now.Format(time.RFC3339Nano), boolToInt(isMessage), boolToInt(isTurnEnd), in.Cost, in.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update session: %v", ErrWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrWriteFailed, err)
	}

	return &models.Event{
		ID: id, SessionID: in.SessionID, ParentID: in.ParentID, Sequence: seq, Depth: depth,
		Type: in.Type, Timestamp: now, Payload: json.RawMessage(payloadBytes), ContentBlobID: blobID,
		Role: in.Role, ToolName: in.ToolName, ToolCallID: in.ToolCallID, Turn: in.Turn,
		Model: in.Model, LatencyMS: in.LatencyMS, StopReason: in.StopReason, HasThinking: in.HasThinking,
		ProviderType: in.ProviderType, Cost: in.Cost, Checksum: checksum,
	}, nil
}

// Get fetches a single event by id, transparently resolving a truncated
// payload back to its blob-stored original.
func (s *Store) Get(ctx context.Context, id string) (*models.Event, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.resolveBlob(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// resolveBlob replaces ev.Payload with the original bytes from blob storage
// when Append truncated it, so callers past the Store boundary (the
// reconstructor, search snippets, event replay) never see a
// models.TruncatedPayload marker in its place.
func (s *Store) resolveBlob(ctx context.Context, ev *models.Event) error {
	if ev == nil || ev.ContentBlobID == "" {
		return nil
	}
	b, err := s.GetBlob(ctx, ev.ContentBlobID)
	if err != nil {
		return fmt.Errorf("%w: resolve blob %s for event %s: %v", ErrDecodeFailed, ev.ContentBlobID, ev.ID, err)
	}
	ev.Payload = json.RawMessage(b)
	return nil
}

// resolveBlobs applies resolveBlob across a batch of scanned events.
func (s *Store) resolveBlobs(ctx context.Context, events []*models.Event) error {
	for _, ev := range events {
		if err := s.resolveBlob(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ListOptions bounds a GetBySession scan.
type ListOptions struct {
	FromSequence int64
	Limit        int
}

// GetBySession returns events for a session in sequence order, optionally
// starting after a given sequence (exclusive; 0 means from the root event)
// and bounded by Limit (0 means unbounded).
func (s *Store) GetBySession(ctx context.Context, sessionID string, opts ListOptions) ([]*models.Event, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	q := selectColumns + ` WHERE session_id = ?`
	args := []any{sessionID}
	if opts.FromSequence > 0 {
		q += ` AND sequence > ?`
		args = append(args, opts.FromSequence)
	}
	q += ` ORDER BY sequence ASC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrWriteFailed, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := s.resolveBlobs(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetByType returns a session's events restricted to the given types, in
// sequence order.
func (s *Store) GetByType(ctx context.Context, sessionID string, types []models.EventType) ([]*models.Event, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, 0, len(types)+1)
	args = append(args, sessionID)
	for _, t := range types {
		args = append(args, string(t))
	}
	q := selectColumns + fmt.Sprintf(` WHERE session_id = ? AND type IN (%s) ORDER BY sequence ASC`, placeholders)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrWriteFailed, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := s.resolveBlobs(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// CountBySession returns the number of events recorded for a session.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	if s.closed {
		return 0, ErrStoreUnavailable
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// WalkAncestors returns the path from the session root to headID,
// inclusive, in root-to-head order. It follows parent_id pointers rather
// than trusting sequence numbers, so it is correct across forks.
func (s *Store) WalkAncestors(ctx context.Context, sessionID, headID string) ([]*models.Event, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	var chain []*models.Event
	cur := headID
	for cur != "" {
		ev, err := s.Get(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("walk ancestors at %s: %w", cur, err)
		}
		if ev.SessionID != sessionID {
			return nil, fmt.Errorf("walk ancestors: event %s belongs to session %s, not %s", cur, ev.SessionID, sessionID)
		}
		chain = append(chain, ev)
		cur = ev.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Archive marks a session's events as archived by setting the session's
// archived_at column; events themselves are never mutated.
func (s *Store) Archive(ctx context.Context, sessionID string) error {
	if s.closed {
		return ErrStoreUnavailable
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET archived_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	return err
}

// Delete removes a session's events, FTS rows, and decrements any blobs
// they referenced, sweeping blobs whose ref_count reaches zero.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if s.closed {
		return ErrStoreUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT content_blob_id FROM events WHERE session_id = ? AND content_blob_id IS NOT NULL`, sessionID)
	if err != nil {
		return err
	}
	var blobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		blobIDs = append(blobIDs, id)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events_fts WHERE event_id IN (SELECT id FROM events WHERE session_id = ?)`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, bid := range blobIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count - 1 WHERE id = ?`, bid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ? AND ref_count <= 0`, bid); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Search runs a full-text query over indexed event bodies, optionally
// restricted to one session, ranked by FTS5's bm25 score.
func (s *Store) Search(ctx context.Context, sessionID, query string, limit int) ([]models.SearchHit, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 {
		limit = 20
	}
	q := `
		SELECT f.event_id, snippet(events_fts, 1, '[', ']', '...', 8), bm25(events_fts) AS rank
		FROM events_fts f
		JOIN events e ON e.id = f.event_id
		WHERE events_fts MATCH ?`
	args := []any{query}
	if sessionID != "" {
		q += ` AND e.session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var h models.SearchHit
		if err := rows.Scan(&h.EventID, &h.Snippet, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func checksumOf(sessionID, parentID string, seq int64, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte(parentID))
	h.Write([]byte(fmt.Sprintf("%d", seq)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// searchableText extracts the plain-text slice of a payload worth indexing;
// tool calls and structured config events are not.
func searchableText(t models.EventType, payload any) string {
	switch t {
	case models.EventMessageUser, models.EventMessageAssistant, models.EventMessageSystem:
		b, err := json.Marshal(payload)
		if err != nil {
			return ""
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err == nil {
			if txt, ok := m["text"].(string); ok {
				return txt
			}
		}
		return string(b)
	case models.EventToolResult:
		b, err := json.Marshal(payload)
		if err != nil {
			return ""
		}
		var res models.ToolResultPayload
		if err := json.Unmarshal(b, &res); err != nil {
			return ""
		}
		var text string
		if err := json.Unmarshal(res.Content, &text); err == nil {
			return text
		}
		return string(res.Content)
	default:
		return ""
	}
}

func isUniqueConflict(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
