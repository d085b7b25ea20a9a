package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentrund/agentrund/pkg/models"
)

const selectColumns = `
	SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		content_blob_id, role, tool_name, tool_call_id, turn,
		model, latency_ms, stop_reason, has_thinking, provider_type, cost, checksum
	FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*models.Event, error) {
	var (
		ev                                                    models.Event
		parentID, contentBlobID, role, toolName, toolCallID   sql.NullString
		model, stopReason, providerType, checksum             sql.NullString
		ts                                                    string
		hasThinking                                           int
		payload                                                []byte
	)
	err := r.Scan(
		&ev.ID, &ev.SessionID, &parentID, &ev.Sequence, &ev.Depth, &ev.Type, &ts, &payload,
		&contentBlobID, &role, &toolName, &toolCallID, &ev.Turn,
		&model, &ev.LatencyMS, &stopReason, &hasThinking, &providerType, &ev.Cost, &checksum,
	)
	if err != nil {
		return nil, err
	}
	parsed, perr := time.Parse(time.RFC3339Nano, ts)
	if perr != nil {
		return nil, fmt.Errorf("%w: timestamp %q: %v", ErrDecodeFailed, ts, perr)
	}
	ev.Timestamp = parsed
	ev.ParentID = parentID.String
	ev.ContentBlobID = contentBlobID.String
	ev.Role = role.String
	ev.ToolName = toolName.String
	ev.ToolCallID = toolCallID.String
	ev.Model = model.String
	ev.StopReason = stopReason.String
	ev.HasThinking = hasThinking != 0
	ev.ProviderType = providerType.String
	ev.Checksum = checksum.String
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
