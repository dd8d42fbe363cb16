package service

import (
	"context"
	"errors"

	"thrilha/domain"
)

// invitee resolves the profile an invitation is addressed to. Only users who
// have signed in at least once can be invited.
func (s *Service) invitee(ctx context.Context, in domain.InviteCollaborator) (domain.Profile, error) {
	if err := domain.Validate(in); err != nil {
		return domain.Profile{}, err
	}
	p, err := s.store.GetProfileByEmail(ctx, domain.NormalizeEmail(in.Email))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Profile{}, domain.Invalid("email", "no user with this email")
	}
	return p, err
}

func (s *Service) ListBoardCollaborators(ctx context.Context, userID, boardID string) ([]domain.Collaborator, error) {
	if _, _, err := s.boardAccess(ctx, userID, boardID); err != nil {
		return nil, err
	}
	return s.store.ListBoardCollaborators(ctx, boardID)
}

// AddBoardCollaborator lets the owner share a board. The owner can never be
// listed as a collaborator of their own board.
func (s *Service) AddBoardCollaborator(ctx context.Context, userID, boardID string, in domain.InviteCollaborator) (domain.Collaborator, error) {
	b, role, err := s.boardAccess(ctx, userID, boardID)
	if err != nil {
		return domain.Collaborator{}, err
	}
	if !domain.CanManageBoard(role) {
		return domain.Collaborator{}, domain.ErrForbidden
	}
	p, err := s.invitee(ctx, in)
	if err != nil {
		return domain.Collaborator{}, err
	}
	if p.ID == b.OwnerID {
		return domain.Collaborator{}, domain.Invalid("email", "the board owner cannot be a collaborator")
	}
	c := domain.Collaborator{
		ResourceID:  boardID,
		UserID:      p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        in.Role,
		InvitedBy:   userID,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddBoardCollaborator(ctx, &c); err != nil {
		return domain.Collaborator{}, err
	}
	s.publish(ctx, domain.TableBoardCollaborators, domain.ChangeInsert, boardID+":"+p.ID, boardID, userID, c, nil, s.audience(ctx, boardID, "", userID))
	return c, nil
}

// RemoveBoardCollaborator is allowed to the owner, and to collaborators
// leaving the board themselves.
func (s *Service) RemoveBoardCollaborator(ctx context.Context, userID, boardID, collaboratorID string) error {
	_, role, err := s.boardAccess(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if !domain.CanManageBoard(role) && userID != collaboratorID {
		return domain.ErrForbidden
	}
	audience := s.audience(ctx, boardID, "", userID)
	if err := s.store.RemoveBoardCollaborator(ctx, boardID, collaboratorID); err != nil {
		return err
	}
	old := domain.Collaborator{ResourceType: domain.ResourceBoard, ResourceID: boardID, UserID: collaboratorID}
	s.publish(ctx, domain.TableBoardCollaborators, domain.ChangeDelete, boardID+":"+collaboratorID, boardID, userID, nil, old, audience)
	return nil
}

func (s *Service) ListTaskCollaborators(ctx context.Context, userID, taskID string) ([]domain.Collaborator, error) {
	if _, err := s.taskAccess(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskCollaborators(ctx, taskID)
}

// AddTaskCollaborator shares a single task. The board owner and editors who
// created the task may do so.
func (s *Service) AddTaskCollaborator(ctx context.Context, userID, taskID string, in domain.InviteCollaborator) (domain.Collaborator, error) {
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return domain.Collaborator{}, err
	}
	if !domain.CanManageTaskCollaborators(a.boardRole, a.task.CreatorID == userID) {
		return domain.Collaborator{}, domain.ErrForbidden
	}
	p, err := s.invitee(ctx, in)
	if err != nil {
		return domain.Collaborator{}, err
	}
	ownerRole, err := s.store.BoardRole(ctx, a.task.BoardID, p.ID)
	if err != nil {
		return domain.Collaborator{}, err
	}
	if ownerRole == domain.RoleOwner {
		return domain.Collaborator{}, domain.Invalid("email", "the board owner cannot be a collaborator")
	}
	c := domain.Collaborator{
		ResourceID:  taskID,
		UserID:      p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        in.Role,
		InvitedBy:   userID,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddTaskCollaborator(ctx, &c); err != nil {
		return domain.Collaborator{}, err
	}
	audience := s.audience(ctx, a.task.BoardID, taskID, userID)
	s.publish(ctx, domain.TableTaskCollaborators, domain.ChangeInsert, taskID+":"+p.ID, a.task.BoardID, userID, c, nil, audience)
	// The new collaborator has no copy of the task yet.
	s.publish(ctx, domain.TableTasks, domain.ChangeInsert, taskID, a.task.BoardID, userID, taskRecord(a.task), nil, []string{p.ID})
	return c, nil
}

func (s *Service) RemoveTaskCollaborator(ctx context.Context, userID, taskID, collaboratorID string) error {
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if !domain.CanManageTaskCollaborators(a.boardRole, a.task.CreatorID == userID) && userID != collaboratorID {
		return domain.ErrForbidden
	}
	audience := s.audience(ctx, a.task.BoardID, taskID, userID)
	if err := s.store.RemoveTaskCollaborator(ctx, taskID, collaboratorID); err != nil {
		return err
	}
	old := domain.Collaborator{ResourceType: domain.ResourceTask, ResourceID: taskID, UserID: collaboratorID}
	s.publish(ctx, domain.TableTaskCollaborators, domain.ChangeDelete, taskID+":"+collaboratorID, a.task.BoardID, userID, nil, old, audience)
	return nil
}
