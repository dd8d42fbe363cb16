package service

import (
	"context"

	"thrilha/blobstore"
	"thrilha/domain"
)

func (s *Service) ListAttachments(ctx context.Context, userID, taskID string) ([]domain.Attachment, error) {
	if _, err := s.taskAccess(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, taskID)
}

// AddAttachment uploads the file and records it. The blob is removed again
// when the row cannot be written.
func (s *Service) AddAttachment(ctx context.Context, userID, taskID, filename, contentType string, data []byte) (domain.Attachment, error) {
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if !domain.CanEditTask(a.boardRole, a.taskRole) {
		return domain.Attachment{}, domain.ErrForbidden
	}
	if len(data) == 0 {
		return domain.Attachment{}, domain.Invalid("file", "is empty")
	}
	if len(data) > blobstore.MaxUploadSize {
		return domain.Attachment{}, domain.Invalid("file", blobstore.ErrTooLarge.Error())
	}
	contentType = blobstore.DetectContentType(contentType, data)
	name := blobstore.AttachmentName(taskID, filename)
	url, err := s.blobs.Upload(ctx, name, contentType, data)
	if err != nil {
		return domain.Attachment{}, err
	}
	att := domain.Attachment{
		ID:          s.newID(),
		TaskID:      taskID,
		Name:        blobstore.SanitizeFilename(filename),
		ContentType: contentType,
		Size:        int64(len(data)),
		BlobName:    name,
		URL:         url,
		UploadedBy:  userID,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateAttachment(ctx, &att); err != nil {
		s.deleteBlobs(ctx, []string{name})
		return domain.Attachment{}, err
	}
	s.publish(ctx, domain.TableAttachments, domain.ChangeInsert, att.ID, a.task.BoardID, userID, att, nil, s.audience(ctx, a.task.BoardID, taskID, userID))
	return att, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, userID, taskID, attachmentID string) error {
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if !domain.CanEditTask(a.boardRole, a.taskRole) {
		return domain.ErrForbidden
	}
	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if att.TaskID != taskID {
		return domain.ErrNotFound
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
		return err
	}
	s.deleteBlobs(ctx, []string{att.BlobName})
	s.publish(ctx, domain.TableAttachments, domain.ChangeDelete, att.ID, a.task.BoardID, userID, nil, att, s.audience(ctx, a.task.BoardID, taskID, userID))
	return nil
}
