package registry

import (
	"database/sql"
	"time"

	"github.com/agentrund/agentrund/pkg/models"
)

const sessionColumns = `
	SELECT id, workspace_id, head_event_id, root_event_id, title, model_id, working_dir,
		parent_session_id, fork_from_event_id, created_at, last_activity_at, archived_at,
		event_count, message_count, turn_count, total_input_tokens, total_output_tokens,
		total_cache_read, total_cache_create, last_turn_input_tok, total_cost,
		spawning_session_id, spawn_type, spawn_task, tags`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*models.Session, error) {
	var (
		s                                                       models.Session
		headEventID, rootEventID, title, modelID, workingDir    sql.NullString
		parentSessionID, forkFromEventID                        sql.NullString
		spawningSessionID, spawnType, spawnTask, tags            sql.NullString
		createdAt, lastActivityAt                                string
		archivedAt                                               sql.NullString
	)
	err := r.Scan(
		&s.ID, &s.WorkspaceID, &headEventID, &rootEventID, &title, &modelID, &workingDir,
		&parentSessionID, &forkFromEventID, &createdAt, &lastActivityAt, &archivedAt,
		&s.Counters.EventCount, &s.Counters.MessageCount, &s.Counters.TurnCount,
		&s.Counters.TotalInputTokens, &s.Counters.TotalOutputTokens,
		&s.Counters.TotalCacheRead, &s.Counters.TotalCacheCreate, &s.Counters.LastTurnInputTok, &s.Counters.TotalCost,
		&spawningSessionID, &spawnType, &spawnTask, &tags,
	)
	if err != nil {
		return nil, err
	}

	s.HeadEventID = headEventID.String
	s.RootEventID = rootEventID.String
	s.Title = title.String
	s.ModelID = modelID.String
	s.WorkingDir = workingDir.String
	s.ParentSessionID = parentSessionID.String
	s.ForkFromEventID = forkFromEventID.String
	s.SpawningSessionID = spawningSessionID.String
	s.SpawnType = models.SpawnType(spawnType.String)
	s.SpawnTask = spawnTask.String
	s.Tags = decodeTags(tags)

	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivityAt); err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, archivedAt.String)
		if err != nil {
			return nil, err
		}
		s.ArchivedAt = &t
	}

	return &s, nil
}
