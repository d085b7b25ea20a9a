package models

import "time"

// SpawnType identifies how a session was created as a child of another.
type SpawnType string

const (
	SpawnSubsession SpawnType = "subsession"
	SpawnTmux       SpawnType = "tmux"
	SpawnFork       SpawnType = "fork"
)

// Workspace is a directory context that groups sessions.
type Workspace struct {
	ID              string    `json:"id"`
	Path            string    `json:"path"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
}

// Counters holds the denormalized per-session usage aggregates. Event,
// message and turn counts are updated in the same transaction as the event
// that produced them; token totals are added separately through the
// session registry's IncrementCounters.
type Counters struct {
	EventCount        int64   `json:"eventCount"`
	MessageCount      int64   `json:"messageCount"`
	TurnCount         int64   `json:"turnCount"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	TotalCacheRead    int64   `json:"totalCacheReadTokens"`
	TotalCacheCreate  int64   `json:"totalCacheCreationTokens"`
	LastTurnInputTok  int64   `json:"lastTurnInputTokens"`
	TotalCost         float64 `json:"totalCost"`
}

// Session is a pointer into the event tree: a head, a root, and metadata.
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	HeadEventID string `json:"headEventId"`
	RootEventID string `json:"rootEventId"`
	Title       string `json:"title,omitempty"`
	ModelID     string `json:"modelId"`
	WorkingDir  string `json:"workingDir"`

	ParentSessionID string `json:"parentSessionId,omitempty"`
	ForkFromEventID string `json:"forkFromEventId,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`

	Counters Counters `json:"counters"`

	SpawningSessionID string    `json:"spawningSessionId,omitempty"`
	SpawnType         SpawnType `json:"spawnType,omitempty"`
	SpawnTask         string    `json:"spawnTask,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Archived reports whether the session has been archived.
func (s *Session) Archived() bool { return s != nil && s.ArchivedAt != nil }

// Blob is content-addressed, ref-counted byte storage referenced by events
// whose payload exceeds the inline-storage threshold.
type Blob struct {
	ID               string `json:"id"`
	SHA256           string `json:"sha256"`
	Bytes            []byte `json:"-"`
	MimeType         string `json:"mimeType"`
	OriginalSize     int64  `json:"originalSize"`
	CompressedSize   int64  `json:"compressedSize"`
	RefCount         int64  `json:"refCount"`
}
