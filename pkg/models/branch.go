package models

import "time"

// Branch is a named pointer set within a session's event tree (§3.1).
type Branch struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RootEventID string    `json:"rootEventId"`
	HeadEventID string    `json:"headEventId"`
	IsDefault   bool      `json:"isDefault"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewBranch creates a named, non-default branch rooted and headed at the
// given event.
func NewBranch(sessionID, name, rootEventID string) *Branch {
	now := time.Now()
	return &Branch{
		SessionID:   sessionID,
		Name:        name,
		RootEventID: rootEventID,
		HeadEventID: rootEventID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
