package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/bytedance/sonic"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

const (
	TableProfiles           = "profiles"
	TableBoards             = "boards"
	TableTasks              = "tasks"
	TableBoardCollaborators = "board_collaborators"
	TableTaskCollaborators  = "task_collaborators"
	TableBirthdays          = "birthdays"
	TableAttachments        = "attachments"
	TableSubscriptions      = "subscriptions"
)

// Change is a row-level change event delivered over the change feed.
type Change struct {
	ID         string          `json:"id,omitempty"`
	Table      string          `json:"table"`
	Type       ChangeType      `json:"type"`
	EntityID   string          `json:"entityId"`
	BoardID    string          `json:"boardId,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"oldRecord,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	Audience   []string        `json:"audience,omitempty"`
	CommitTime time.Time       `json:"commitTime"`
}

// NewChange encodes record and old (either may be nil).
func NewChange(table string, typ ChangeType, entityID string, record, old any) (Change, error) {
	c := Change{Table: table, Type: typ, EntityID: entityID, CommitTime: time.Now().UTC()}
	var err error
	if record != nil {
		if c.Record, err = sonic.Marshal(record); err != nil {
			return Change{}, err
		}
	}
	if old != nil {
		if c.OldRecord, err = sonic.Marshal(old); err != nil {
			return Change{}, err
		}
	}
	return c, nil
}

func (c Change) VisibleTo(userID string) bool {
	return userID != "" && slices.Contains(c.Audience, userID)
}

// Public strips fields clients must not see.
func (c Change) Public() Change {
	c.Audience = nil
	return c
}
