package domain

import (
	"strings"
	"time"

	"github.com/volatiletech/null/v8"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type Task struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	CreatorID   string     `json:"creatorId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Position    int        `json:"position"`
	DueAt       null.Time  `json:"dueAt"`
	CompletedAt null.Time  `json:"completedAt"`
	RemindedAt  null.Time  `json:"-"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Role        Role       `json:"role,omitempty"`
}

// SetStatus moves t to status s, maintaining CompletedAt.
func (t *Task) SetStatus(s TaskStatus, now time.Time) {
	if s == t.Status {
		return
	}
	if s == StatusDone {
		t.CompletedAt = null.TimeFrom(now.UTC())
	} else {
		t.CompletedAt = null.Time{}
	}
	t.Status = s
}

type NewTask struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=10000"`
	Status      TaskStatus `json:"status" validate:"omitempty,taskstatus"`
	DueAt       null.Time  `json:"dueAt"`
}

// Build returns the task described by n. Position and version are assigned by storage.
func (n NewTask) Build(id, boardID, creatorID string, now time.Time) Task {
	t := Task{
		ID:          id,
		BoardID:     boardID,
		CreatorID:   creatorID,
		Title:       strings.TrimSpace(n.Title),
		Description: n.Description,
		Status:      StatusTodo,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if n.DueAt.Valid {
		t.DueAt = null.TimeFrom(n.DueAt.Time.UTC())
	}
	if n.Status != "" {
		t.SetStatus(n.Status, now)
	}
	return t
}

// TaskPatch is a partial task update. A JSON null cannot be told apart from an
// absent dueAt, so clearing the due date uses ClearDueAt.
type TaskPatch struct {
	Title       *string     `json:"title" validate:"omitnil,min=1,max=200"`
	Description *string     `json:"description" validate:"omitnil,max=10000"`
	Status      *TaskStatus `json:"status" validate:"omitnil,taskstatus"`
	DueAt       null.Time   `json:"dueAt"`
	ClearDueAt  bool        `json:"clearDueAt"`
	Version     int64       `json:"version" validate:"required,min=1"`
}

// Apply copies the set fields of p onto t. Changing the due date re-arms its reminder.
func (p TaskPatch) Apply(t *Task, now time.Time) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.SetStatus(*p.Status, now)
	}
	switch {
	case p.ClearDueAt:
		t.DueAt = null.Time{}
		t.RemindedAt = null.Time{}
	case p.DueAt.Valid:
		due := p.DueAt.Time.UTC()
		if !t.DueAt.Valid || !t.DueAt.Time.Equal(due) {
			t.DueAt = null.TimeFrom(due)
			t.RemindedAt = null.Time{}
		}
	}
}

type TaskMove struct {
	Status   TaskStatus `json:"status" validate:"required,taskstatus"`
	Position int        `json:"position" validate:"min=0"`
	Version  int64      `json:"version" validate:"required,min=1"`
}

// TaskRole combines the caller's board role with a direct task grant.
func TaskRole(boardRole, taskRole Role) Role {
	return boardRole.Stronger(taskRole)
}

func CanReadTask(boardRole, taskRole Role) bool {
	return TaskRole(boardRole, taskRole) != RoleNone
}

func CanEditTask(boardRole, taskRole Role) bool {
	r := TaskRole(boardRole, taskRole)
	return r == RoleOwner || r == RoleEditor
}

// CanManageTaskCollaborators allows the board owner and editors who created the task.
func CanManageTaskCollaborators(boardRole Role, isCreator bool) bool {
	return boardRole == RoleOwner || (isCreator && boardRole == RoleEditor)
}
