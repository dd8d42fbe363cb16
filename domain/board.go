package domain

import (
	"strings"
	"time"
)

// Role is a caller's access level on a board or task.
type Role string

const (
	RoleNone   Role = ""
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Assignable reports whether the role can be granted to a collaborator.
func (r Role) Assignable() bool {
	return r == RoleEditor || r == RoleViewer
}

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Stronger returns whichever of r and o grants more access.
func (r Role) Stronger(o Role) Role {
	if o.rank() > r.rank() {
		return o
	}
	return r
}

type Board struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
	Position    int       `json:"position"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Role        Role      `json:"role,omitempty"`
}

type NewBoard struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=2000"`
	Color       string `json:"color" validate:"omitempty,hexcolor"`
}

type BoardPatch struct {
	Name        *string `json:"name" validate:"omitnil,min=1,max=120"`
	Description *string `json:"description" validate:"omitnil,max=2000"`
	Color       *string `json:"color" validate:"omitnil,omitempty,hexcolor"`
	Position    *int    `json:"position" validate:"omitnil,min=0"`
	Version     int64   `json:"version" validate:"required,min=1"`
}

// Apply copies the set fields of p onto b.
func (p BoardPatch) Apply(b *Board) {
	if p.Name != nil {
		b.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	if p.Color != nil {
		b.Color = *p.Color
	}
	if p.Position != nil {
		b.Position = *p.Position
	}
}

func CanReadBoard(r Role) bool   { return r != RoleNone }
func CanEditBoard(r Role) bool   { return r == RoleOwner || r == RoleEditor }
func CanManageBoard(r Role) bool { return r == RoleOwner }
