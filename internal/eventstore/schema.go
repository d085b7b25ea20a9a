package eventstore

// schemaDDL creates the event-store tables when migrations have not yet been
// run against a fresh database. The authoritative, versioned copy of this
// DDL lives under internal/migrate/migrations; this is kept in sync so an
// in-process store can also self-bootstrap for tests that open a bare
// in-memory database without running the migrator.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	parent_id        TEXT,
	sequence         INTEGER NOT NULL,
	depth            INTEGER NOT NULL,
	type             TEXT NOT NULL,
	timestamp        TEXT NOT NULL,
	payload          BLOB NOT NULL,
	content_blob_id  TEXT,
	role             TEXT,
	tool_name        TEXT,
	tool_call_id     TEXT,
	turn             INTEGER,
	model            TEXT,
	latency_ms       INTEGER,
	stop_reason      TEXT,
	has_thinking     INTEGER NOT NULL DEFAULT 0,
	provider_type    TEXT,
	cost             REAL NOT NULL DEFAULT 0,
	checksum         TEXT,
	UNIQUE(session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_events_session_sequence ON events(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_tool_call ON events(tool_call_id);

CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	workspace_id        TEXT NOT NULL,
	head_event_id       TEXT,
	root_event_id       TEXT,
	title               TEXT,
	model_id            TEXT,
	working_dir         TEXT,
	parent_session_id   TEXT,
	fork_from_event_id  TEXT,
	created_at          TEXT NOT NULL,
	last_activity_at    TEXT NOT NULL,
	archived_at         TEXT,
	event_count         INTEGER NOT NULL DEFAULT 0,
	message_count       INTEGER NOT NULL DEFAULT 0,
	turn_count          INTEGER NOT NULL DEFAULT 0,
	total_input_tokens  INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_read    INTEGER NOT NULL DEFAULT 0,
	total_cache_create  INTEGER NOT NULL DEFAULT 0,
	last_turn_input_tok INTEGER NOT NULL DEFAULT 0,
	total_cost          REAL NOT NULL DEFAULT 0,
	spawning_session_id TEXT,
	spawn_type          TEXT,
	spawn_task          TEXT,
	tags                TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_workspace_activity ON sessions(workspace_id, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS blobs (
	id              TEXT PRIMARY KEY,
	sha256          TEXT NOT NULL UNIQUE,
	bytes           BLOB NOT NULL,
	mime_type       TEXT,
	original_size   INTEGER NOT NULL,
	compressed_size INTEGER NOT NULL,
	ref_count       INTEGER NOT NULL DEFAULT 1
);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	event_id UNINDEXED,
	body,
	tokenize = 'porter unicode61'
);
`

// truncationThreshold is the inline-payload size above which Append moves
// the content into a blob and substitutes a models.TruncatedPayload marker.
const truncationThreshold = 5 * 1024
