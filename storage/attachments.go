package storage

import (
	"context"
	"fmt"

	"thrilha/domain"
)

type attachmentRow struct {
	ID          string `db:"id"`
	TaskID      string `db:"task_id"`
	Name        string `db:"name"`
	ContentType string `db:"content_type"`
	Size        int64  `db:"size"`
	BlobName    string `db:"blob_name"`
	URL         string `db:"url"`
	UploadedBy  string `db:"uploaded_by"`
	CreatedAt   int64  `db:"created_at"`
}

func (r attachmentRow) toDomain() domain.Attachment {
	return domain.Attachment{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Name:        r.Name,
		ContentType: r.ContentType,
		Size:        r.Size,
		BlobName:    r.BlobName,
		URL:         r.URL,
		UploadedBy:  r.UploadedBy,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}

const attachmentColumns = "id, task_id, name, content_type, size, blob_name, url, uploaded_by, created_at"

func (s *Store) ListAttachments(ctx context.Context, taskID string) ([]domain.Attachment, error) {
	var rows []attachmentRow
	if err := s.db.SelectContext(ctx, &rows, s.q("SELECT "+attachmentColumns+" FROM attachments WHERE task_id = ? ORDER BY created_at"), taskID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	out := make([]domain.Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	var row attachmentRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+attachmentColumns+" FROM attachments WHERE id = ?"), id)
	if isNoRows(err) {
		return domain.Attachment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) CreateAttachment(ctx context.Context, a *domain.Attachment) error {
	_, err := s.db.ExecContext(ctx, s.q("INSERT INTO attachments ("+attachmentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		a.ID, a.TaskID, a.Name, a.ContentType, a.Size, a.BlobName, a.URL, a.UploadedBy, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM attachments WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
