package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/volatiletech/null/v8"

	"thrilha/domain"
)

type taskRow struct {
	ID          string     `db:"id"`
	BoardID     string     `db:"board_id"`
	CreatorID   string     `db:"creator_id"`
	Title       string     `db:"title"`
	Description string     `db:"description"`
	Status      string     `db:"status"`
	Position    int        `db:"position"`
	DueAt       null.Int64 `db:"due_at"`
	CompletedAt null.Int64 `db:"completed_at"`
	RemindedAt  null.Int64 `db:"reminded_at"`
	Version     int64      `db:"version"`
	CreatedAt   int64      `db:"created_at"`
	UpdatedAt   int64      `db:"updated_at"`
	Role        string     `db:"role"`
}

func (r taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:          r.ID,
		BoardID:     r.BoardID,
		CreatorID:   r.CreatorID,
		Title:       r.Title,
		Description: r.Description,
		Status:      domain.TaskStatus(r.Status),
		Position:    r.Position,
		DueAt:       nullTime(r.DueAt),
		CompletedAt: nullTime(r.CompletedAt),
		RemindedAt:  nullTime(r.RemindedAt),
		Version:     r.Version,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
		Role:        domain.Role(r.Role),
	}
}

func toTasks(rows []taskRow) []domain.Task {
	out := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

const taskColumns = "t.id, t.board_id, t.creator_id, t.title, t.description, t.status, t.position, t.due_at, t.completed_at, t.reminded_at, t.version, t.created_at, t.updated_at"

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status  domain.TaskStatus
	DueFrom null.Time
	DueTo   null.Time
}

func (s *Store) ListTasks(ctx context.Context, boardID string, f TaskFilter) ([]domain.Task, error) {
	query := "SELECT " + taskColumns + ", '' AS role FROM tasks t WHERE t.board_id = ?"
	args := []any{boardID}
	if f.Status != "" {
		query += " AND t.status = ?"
		args = append(args, string(f.Status))
	}
	if f.DueFrom.Valid {
		query += " AND t.due_at >= ?"
		args = append(args, toMillis(f.DueFrom.Time))
	}
	if f.DueTo.Valid {
		query += " AND t.due_at < ?"
		args = append(args, toMillis(f.DueTo.Time))
	}
	query += " ORDER BY t.status, t.position"
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return toTasks(rows), nil
}

// ListSharedTasks returns tasks shared directly with userID.
func (s *Store) ListSharedTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+taskColumns+`, c.role AS role FROM tasks t
		JOIN task_collaborators c ON c.task_id = t.id
		WHERE c.user_id = ?
		ORDER BY t.updated_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list shared tasks: %w", err)
	}
	return toTasks(rows), nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+taskColumns+", '' AS role FROM tasks t WHERE t.id = ?"), id)
	if isNoRows(err) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.toDomain(), nil
}

// TaskRole returns the direct grant userID holds on the task.
func (s *Store) TaskRole(ctx context.Context, taskID, userID string) (domain.Role, error) {
	var role string
	err := s.db.GetContext(ctx, &role, s.q("SELECT role FROM task_collaborators WHERE task_id = ? AND user_id = ?"), taskID, userID)
	if isNoRows(err) {
		return domain.RoleNone, nil
	}
	if err != nil {
		return domain.RoleNone, fmt.Errorf("task role: %w", err)
	}
	return domain.Role(role), nil
}

// CreateTask appends t to the end of its status column. quota, when set,
// sees the board's current task count inside the insert transaction and may
// veto the insert.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task, quota Quota) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.lockKey(ctx, tx, "tasks:"+t.BoardID); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if quota != nil {
			var total int
			if err := tx.GetContext(ctx, &total, tx.Rebind("SELECT COUNT(*) FROM tasks WHERE board_id = ?"), t.BoardID); err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			if err := quota(total); err != nil {
				return err
			}
		}
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM tasks WHERE board_id = ? AND status = ?"), t.BoardID, string(t.Status)); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		t.Position = n
		t.Version = 1
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO tasks
			(id, board_id, creator_id, title, description, status, position, due_at, completed_at, reminded_at, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.BoardID, t.CreatorID, t.Title, t.Description, string(t.Status), t.Position,
			nullMillis(t.DueAt), nullMillis(t.CompletedAt), nullMillis(t.RemindedAt), t.Version,
			toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
}

// UpdateTask writes t's fields when the stored version equals expectedVersion.
// A status change appends the task to the end of its new column.
func (s *Store) UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error {
	return s.saveTask(ctx, t, expectedVersion, -1)
}

// MoveTask places t at position within t.Status, renumbering the source and
// destination columns in one transaction. Positions past the end append.
func (s *Store) MoveTask(ctx context.Context, t *domain.Task, position int, expectedVersion int64) error {
	if position < 0 {
		position = 0
	}
	return s.saveTask(ctx, t, expectedVersion, position)
}

// saveTask keeps the current position for same-column edits when position < 0.
func (s *Store) saveTask(ctx context.Context, t *domain.Task, expectedVersion int64, position int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			Status   string `db:"status"`
			Position int    `db:"position"`
			Version  int64  `db:"version"`
		}
		err := tx.GetContext(ctx, &cur, tx.Rebind("SELECT status, position, version FROM tasks WHERE id = ?"), t.ID)
		if isNoRows(err) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		if cur.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		sameColumn := cur.Status == string(t.Status)
		if !(sameColumn && position < 0) {
			dest, err := columnIDs(ctx, tx, t.BoardID, string(t.Status), t.ID)
			if err != nil {
				return err
			}
			if position < 0 || position > len(dest) {
				position = len(dest)
			}
			dest = slices.Insert(dest, position, t.ID)
			if err := renumber(ctx, tx, dest, t.ID); err != nil {
				return err
			}
			if !sameColumn {
				src, err := columnIDs(ctx, tx, t.BoardID, cur.Status, t.ID)
				if err != nil {
					return err
				}
				if err := renumber(ctx, tx, src, ""); err != nil {
					return err
				}
			}
			t.Position = position
		} else {
			t.Position = cur.Position
		}

		t.UpdatedAt = s.nowUTC()
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET
				title = ?, description = ?, status = ?, position = ?, due_at = ?, completed_at = ?, reminded_at = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`),
			t.Title, t.Description, string(t.Status), t.Position, nullMillis(t.DueAt), nullMillis(t.CompletedAt),
			nullMillis(t.RemindedAt), toMillis(t.UpdatedAt), t.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrVersionConflict
		}
		t.Version = expectedVersion + 1
		return nil
	})
}

func columnIDs(ctx context.Context, tx *sqlx.Tx, boardID, status, exclude string) ([]string, error) {
	var ids []string
	err := tx.SelectContext(ctx, &ids, tx.Rebind(`SELECT id FROM tasks
		WHERE board_id = ? AND status = ? AND id <> ?
		ORDER BY position, created_at`), boardID, status, exclude)
	if err != nil {
		return nil, fmt.Errorf("load column: %w", err)
	}
	return ids, nil
}

// renumber assigns consecutive positions to ids, skipping skip (written by the caller).
func renumber(ctx context.Context, tx *sqlx.Tx, ids []string, skip string) error {
	stmt := tx.Rebind("UPDATE tasks SET position = ? WHERE id = ?")
	for i, id := range ids {
		if id == skip {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt, i, id); err != nil {
			return fmt.Errorf("renumber column: %w", err)
		}
	}
	return nil
}

// DeleteTask removes the task, closes the gap in its column and returns the
// blob names of its attachments.
func (s *Store) DeleteTask(ctx context.Context, id string) ([]string, error) {
	var blobs []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			BoardID string `db:"board_id"`
			Status  string `db:"status"`
		}
		err := tx.GetContext(ctx, &cur, tx.Rebind("SELECT board_id, status FROM tasks WHERE id = ?"), id)
		if isNoRows(err) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if err := tx.SelectContext(ctx, &blobs, tx.Rebind("SELECT blob_name FROM attachments WHERE task_id = ?"), id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM tasks WHERE id = ?"), id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		rest, err := columnIDs(ctx, tx, cur.BoardID, cur.Status, id)
		if err != nil {
			return err
		}
		return renumber(ctx, tx, rest, "")
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

// DueTasks returns open, not yet reminded tasks due in [from, to).
func (s *Store) DueTasks(ctx context.Context, from, to time.Time, limit int) ([]domain.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+taskColumns+`, '' AS role FROM tasks t
		WHERE t.due_at >= ? AND t.due_at < ? AND t.status <> ? AND t.reminded_at IS NULL
		ORDER BY t.due_at
		LIMIT ?`), toMillis(from), toMillis(to), string(domain.StatusDone), limit)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return toTasks(rows), nil
}

// MarkReminded records that the due reminder for the task was sent. It does
// not bump the version so concurrent client edits are not rejected.
func (s *Store) MarkReminded(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q("UPDATE tasks SET reminded_at = ? WHERE id = ?"), toMillis(at), taskID)
	if err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}
	return nil
}

// CalendarTasks returns tasks due in [from, to) that userID can read.
func (s *Store) CalendarTasks(ctx context.Context, userID string, from, to time.Time) ([]domain.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+taskColumns+`, '' AS role FROM tasks t
		WHERE t.due_at >= ? AND t.due_at < ? AND (
			t.board_id IN (SELECT id FROM boards WHERE owner_id = ?)
			OR t.board_id IN (SELECT board_id FROM board_collaborators WHERE user_id = ?)
			OR t.id IN (SELECT task_id FROM task_collaborators WHERE user_id = ?))
		ORDER BY t.due_at`), toMillis(from), toMillis(to), userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("calendar tasks: %w", err)
	}
	return toTasks(rows), nil
}
