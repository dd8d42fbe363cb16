package service

import (
	"context"
	"errors"
	"strings"

	"thrilha/activity"
	"thrilha/domain"
	"thrilha/search"
)

// ErrUnavailable is returned when an optional backend is not configured.
var ErrUnavailable = errors.New("feature not available")

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
	maxSearchLimit       = 50
)

// BoardActivity returns the newest entries of a readable board's log.
func (s *Service) BoardActivity(ctx context.Context, userID, boardID string, limit int) ([]activity.Item, error) {
	if s.activity == nil {
		return nil, ErrUnavailable
	}
	if _, _, err := s.boardAccess(ctx, userID, boardID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	return s.activity.List(ctx, boardID, limit)
}

// SearchTasks searches tasks the caller can read. The index stores each
// task's audience so results never need a second access check.
func (s *Service) SearchTasks(ctx context.Context, userID, query string, limit int) ([]search.Hit, error) {
	if s.search == nil {
		return nil, ErrUnavailable
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.Invalid("q", "is required")
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = 20
	}
	return s.search.Search(ctx, userID, query, limit)
}
