package service

import (
	"context"
	"errors"

	"thrilha/domain"
)

func (s *Service) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	return s.store.ListBoards(ctx, userID)
}

// boardAccess returns the board and the caller's role. Boards the caller
// cannot read are reported as not found.
func (s *Service) boardAccess(ctx context.Context, userID, boardID string) (domain.Board, domain.Role, error) {
	role, err := s.store.BoardRole(ctx, boardID, userID)
	if err != nil {
		return domain.Board{}, domain.RoleNone, err
	}
	if !domain.CanReadBoard(role) {
		return domain.Board{}, domain.RoleNone, domain.ErrNotFound
	}
	b, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, domain.RoleNone, err
	}
	b.Role = role
	return b, role, nil
}

func (s *Service) GetBoard(ctx context.Context, userID, boardID string) (domain.Board, error) {
	b, _, err := s.boardAccess(ctx, userID, boardID)
	return b, err
}

// CreateBoard checks the owner's plan quota in the insert transaction.
func (s *Service) CreateBoard(ctx context.Context, userID string, in domain.NewBoard) (domain.Board, error) {
	if err := domain.Validate(in); err != nil {
		return domain.Board{}, err
	}
	plan, err := s.plans.Plan(ctx, userID, s.now())
	if err != nil {
		return domain.Board{}, err
	}
	now := s.now()
	b := domain.Board{
		ID:          s.newID(),
		OwnerID:     userID,
		Name:        in.Name,
		Description: in.Description,
		Color:       in.Color,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	quota := func(owned int) error { return s.limits.CheckBoards(plan, owned) }
	if err := s.store.CreateBoard(ctx, &b, quota); err != nil {
		return domain.Board{}, err
	}
	b.Role = domain.RoleOwner
	s.publish(ctx, domain.TableBoards, domain.ChangeInsert, b.ID, b.ID, userID, boardRecord(b), nil, []string{userID})
	return b, nil
}

func (s *Service) UpdateBoard(ctx context.Context, userID, boardID string, patch domain.BoardPatch) (domain.Board, error) {
	if err := domain.Validate(patch); err != nil {
		return domain.Board{}, err
	}
	b, role, err := s.boardAccess(ctx, userID, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if !domain.CanEditBoard(role) {
		return domain.Board{}, domain.ErrForbidden
	}
	if b.Version != patch.Version {
		return domain.Board{}, &domain.ConflictError{Current: b}
	}
	old := b
	patch.Apply(&b)
	if err := s.store.UpdateBoard(ctx, &b, patch.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.Board{}, s.boardConflict(ctx, userID, boardID, err)
		}
		return domain.Board{}, err
	}
	s.publish(ctx, domain.TableBoards, domain.ChangeUpdate, b.ID, b.ID, userID, boardRecord(b), boardRecord(old), s.audience(ctx, b.ID, "", userID))
	return b, nil
}

func (s *Service) boardConflict(ctx context.Context, userID, boardID string, cause error) error {
	current, err := s.GetBoard(ctx, userID, boardID)
	if err != nil {
		return cause
	}
	return &domain.ConflictError{Current: current}
}

// DeleteBoard is restricted to the owner and removes the board's attachment
// blobs after the rows are gone.
func (s *Service) DeleteBoard(ctx context.Context, userID, boardID string) error {
	b, role, err := s.boardAccess(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if !domain.CanManageBoard(role) {
		return domain.ErrForbidden
	}
	audience := s.audience(ctx, boardID, "", userID)
	blobs, err := s.store.DeleteBoard(ctx, boardID)
	if err != nil {
		return err
	}
	s.deleteBlobs(ctx, blobs)
	s.publish(ctx, domain.TableBoards, domain.ChangeDelete, boardID, boardID, userID, nil, boardRecord(b), audience)
	return nil
}

func boardRecord(b domain.Board) domain.Board {
	b.Role = domain.RoleNone
	return b
}
