package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrVersionConflict     = errors.New("version conflict")
	ErrPlanLimitReached    = errors.New("plan limit reached")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrAlreadyCollaborator = errors.New("user is already a collaborator")
	ErrEmailInUse          = errors.New("email belongs to another profile")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for rejected input.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Invalid builds a single-field validation error.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// PlanLimitError reports which quota a request would exceed.
type PlanLimitError struct {
	Plan     Plan   `json:"plan"`
	Resource string `json:"resource"`
	Limit    int    `json:"limit"`
}

func (e *PlanLimitError) Error() string {
	return fmt.Sprintf("%s plan allows at most %d %s", e.Plan, e.Limit, e.Resource)
}

func (e *PlanLimitError) Is(target error) bool {
	return target == ErrPlanLimitReached
}

// ConflictError carries the stored entity when an update was made against a
// stale version, so clients can rebase their edit.
type ConflictError struct {
	Current any
}

func (e *ConflictError) Error() string { return ErrVersionConflict.Error() }

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
