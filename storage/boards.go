package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"thrilha/domain"
)

type boardRow struct {
	ID          string `db:"id"`
	OwnerID     string `db:"owner_id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Color       string `db:"color"`
	Position    int    `db:"position"`
	Version     int64  `db:"version"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
	Role        string `db:"role"`
}

func (r boardRow) toDomain() domain.Board {
	return domain.Board{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Description: r.Description,
		Color:       r.Color,
		Position:    r.Position,
		Version:     r.Version,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
		Role:        domain.Role(r.Role),
	}
}

const boardColumns = "b.id, b.owner_id, b.name, b.description, b.color, b.position, b.version, b.created_at, b.updated_at"

// ListBoards returns boards owned by or shared with userID, each carrying the caller's role.
func (s *Store) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	var rows []boardRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+boardColumns+`, 'owner' AS role FROM boards b WHERE b.owner_id = ?
		UNION ALL
		SELECT `+boardColumns+`, c.role AS role FROM boards b
			JOIN board_collaborators c ON c.board_id = b.id
			WHERE c.user_id = ?
		ORDER BY position, created_at`), userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	out := make([]domain.Board, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var row boardRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+boardColumns+", '' AS role FROM boards b WHERE b.id = ?"), id)
	if isNoRows(err) {
		return domain.Board{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Board{}, fmt.Errorf("get board: %w", err)
	}
	return row.toDomain(), nil
}

// BoardRole returns userID's role on the board, RoleNone for strangers and
// ErrNotFound when the board does not exist.
func (s *Store) BoardRole(ctx context.Context, boardID, userID string) (domain.Role, error) {
	var owner string
	err := s.db.GetContext(ctx, &owner, s.q("SELECT owner_id FROM boards WHERE id = ?"), boardID)
	if isNoRows(err) {
		return domain.RoleNone, domain.ErrNotFound
	}
	if err != nil {
		return domain.RoleNone, fmt.Errorf("board role: %w", err)
	}
	if owner == userID {
		return domain.RoleOwner, nil
	}
	var role string
	err = s.db.GetContext(ctx, &role, s.q("SELECT role FROM board_collaborators WHERE board_id = ? AND user_id = ?"), boardID, userID)
	if isNoRows(err) {
		return domain.RoleNone, nil
	}
	if err != nil {
		return domain.RoleNone, fmt.Errorf("board role: %w", err)
	}
	return domain.Role(role), nil
}

func (s *Store) CountOwnedBoards(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q("SELECT COUNT(*) FROM boards WHERE owner_id = ?"), ownerID); err != nil {
		return 0, fmt.Errorf("count boards: %w", err)
	}
	return n, nil
}

// CreateBoard inserts b at the end of its owner's board list. quota, when
// set, sees the owner's current board count inside the insert transaction
// and may veto the insert.
func (s *Store) CreateBoard(ctx context.Context, b *domain.Board, quota Quota) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.lockKey(ctx, tx, "boards:"+b.OwnerID); err != nil {
			return fmt.Errorf("create board: %w", err)
		}
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM boards WHERE owner_id = ?"), b.OwnerID); err != nil {
			return fmt.Errorf("create board: %w", err)
		}
		if quota != nil {
			if err := quota(n); err != nil {
				return err
			}
		}
		b.Position = n
		b.Version = 1
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO boards
			(id, owner_id, name, description, color, position, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			b.ID, b.OwnerID, b.Name, b.Description, b.Color, b.Position, b.Version,
			toMillis(b.CreatedAt), toMillis(b.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create board: %w", err)
		}
		return nil
	})
}

// UpdateBoard writes b when the stored version equals expectedVersion and
// bumps b.Version.
func (s *Store) UpdateBoard(ctx context.Context, b *domain.Board, expectedVersion int64) error {
	b.UpdatedAt = s.nowUTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE boards SET
			name = ?, description = ?, color = ?, position = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		b.Name, b.Description, b.Color, b.Position, toMillis(b.UpdatedAt), b.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update board: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetBoard(ctx, b.ID); err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}
	b.Version = expectedVersion + 1
	return nil
}

// DeleteBoard removes the board with its tasks, collaborators and attachment
// rows, and returns the blob names that are no longer referenced.
func (s *Store) DeleteBoard(ctx context.Context, id string) ([]string, error) {
	var blobs []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &blobs, tx.Rebind(`SELECT a.blob_name FROM attachments a
			JOIN tasks t ON t.id = a.task_id WHERE t.board_id = ?`), id); err != nil {
			return fmt.Errorf("delete board: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM boards WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("delete board: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}
