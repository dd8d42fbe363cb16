package domain

import (
	"strings"
	"time"
)

type ResourceType string

const (
	ResourceBoard ResourceType = "board"
	ResourceTask  ResourceType = "task"
)

type Collaborator struct {
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	UserID       string       `json:"userId"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"displayName"`
	Role         Role         `json:"role"`
	InvitedBy    string       `json:"invitedBy"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type InviteCollaborator struct {
	Email string `json:"email" validate:"required,email"`
	Role  Role   `json:"role" validate:"required,collabrole"`
}

// NormalizeEmail is the canonical form used for profile lookups.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
