package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"thrilha/domain"
)

type collaboratorRow struct {
	ResourceID  string `db:"resource_id"`
	UserID      string `db:"user_id"`
	Email       string `db:"email"`
	DisplayName string `db:"display_name"`
	Role        string `db:"role"`
	InvitedBy   string `db:"invited_by"`
	CreatedAt   int64  `db:"created_at"`
}

func (r collaboratorRow) toDomain(rt domain.ResourceType) domain.Collaborator {
	return domain.Collaborator{
		ResourceType: rt,
		ResourceID:   r.ResourceID,
		UserID:       r.UserID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		Role:         domain.Role(r.Role),
		InvitedBy:    r.InvitedBy,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

// collaboratorTable maps a resource type to its table and key column.
func collaboratorTable(rt domain.ResourceType) (table, key string) {
	if rt == domain.ResourceTask {
		return "task_collaborators", "task_id"
	}
	return "board_collaborators", "board_id"
}

func (s *Store) listCollaborators(ctx context.Context, rt domain.ResourceType, id string) ([]domain.Collaborator, error) {
	table, key := collaboratorTable(rt)
	var rows []collaboratorRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT c.`+key+` AS resource_id, c.user_id,
			COALESCE(p.email, '') AS email, COALESCE(p.display_name, '') AS display_name,
			c.role, c.invited_by, c.created_at
		FROM `+table+` c LEFT JOIN profiles p ON p.id = c.user_id
		WHERE c.`+key+` = ?
		ORDER BY c.created_at`), id)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	out := make([]domain.Collaborator, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain(rt))
	}
	return out, nil
}

func (s *Store) addCollaborator(ctx context.Context, c *domain.Collaborator) error {
	table, key := collaboratorTable(c.ResourceType)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM "+table+" WHERE "+key+" = ? AND user_id = ?"), c.ResourceID, c.UserID); err != nil {
			return fmt.Errorf("add collaborator: %w", err)
		}
		if n > 0 {
			return domain.ErrAlreadyCollaborator
		}
		_, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO "+table+" ("+key+", user_id, role, invited_by, created_at) VALUES (?, ?, ?, ?, ?)"),
			c.ResourceID, c.UserID, string(c.Role), c.InvitedBy, toMillis(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("add collaborator: %w", err)
		}
		return nil
	})
}

func (s *Store) removeCollaborator(ctx context.Context, rt domain.ResourceType, id, userID string) error {
	table, key := collaboratorTable(rt)
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM "+table+" WHERE "+key+" = ? AND user_id = ?"), id, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListBoardCollaborators(ctx context.Context, boardID string) ([]domain.Collaborator, error) {
	return s.listCollaborators(ctx, domain.ResourceBoard, boardID)
}

func (s *Store) AddBoardCollaborator(ctx context.Context, c *domain.Collaborator) error {
	c.ResourceType = domain.ResourceBoard
	return s.addCollaborator(ctx, c)
}

func (s *Store) RemoveBoardCollaborator(ctx context.Context, boardID, userID string) error {
	return s.removeCollaborator(ctx, domain.ResourceBoard, boardID, userID)
}

func (s *Store) ListTaskCollaborators(ctx context.Context, taskID string) ([]domain.Collaborator, error) {
	return s.listCollaborators(ctx, domain.ResourceTask, taskID)
}

func (s *Store) AddTaskCollaborator(ctx context.Context, c *domain.Collaborator) error {
	c.ResourceType = domain.ResourceTask
	return s.addCollaborator(ctx, c)
}

func (s *Store) RemoveTaskCollaborator(ctx context.Context, taskID, userID string) error {
	return s.removeCollaborator(ctx, domain.ResourceTask, taskID, userID)
}

// Audience returns every user that may see a change on the board and, when
// taskID is set, on that task. The result is sorted and free of duplicates.
func (s *Store) Audience(ctx context.Context, boardID, taskID string) ([]string, error) {
	query := `SELECT owner_id FROM boards WHERE id = ?
		UNION SELECT user_id FROM board_collaborators WHERE board_id = ?`
	args := []any{boardID, boardID}
	if taskID != "" {
		query += " UNION SELECT user_id FROM task_collaborators WHERE task_id = ?"
		args = append(args, taskID)
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("audience: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// TaskIDsForBoard lists the ids of every task on the board.
func (s *Store) TaskIDsForBoard(ctx context.Context, boardID string) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q("SELECT id FROM tasks WHERE board_id = ? ORDER BY id"), boardID); err != nil {
		return nil, fmt.Errorf("task ids: %w", err)
	}
	return ids, nil
}
