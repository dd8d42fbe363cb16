package service

import (
	"context"
	"errors"

	"thrilha/domain"
	"thrilha/storage"
)

// ListTasks lists a readable board's tasks ordered by column and position.
func (s *Service) ListTasks(ctx context.Context, userID, boardID string, f storage.TaskFilter) ([]domain.Task, error) {
	if _, _, err := s.boardAccess(ctx, userID, boardID); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Invalid("status", "must be one of todo, in-progress, done")
	}
	return s.store.ListTasks(ctx, boardID, f)
}

func (s *Service) ListSharedTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return s.store.ListSharedTasks(ctx, userID)
}

type taskAccess struct {
	task      domain.Task
	boardRole domain.Role
	taskRole  domain.Role
}

func (a taskAccess) role() domain.Role { return domain.TaskRole(a.boardRole, a.taskRole) }

// taskAccess loads the task and the caller's roles. Tasks the caller cannot
// read are reported as not found.
func (s *Service) taskAccess(ctx context.Context, userID, taskID string) (taskAccess, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return taskAccess{}, err
	}
	boardRole, err := s.store.BoardRole(ctx, t.BoardID, userID)
	if err != nil {
		return taskAccess{}, err
	}
	taskRole, err := s.store.TaskRole(ctx, taskID, userID)
	if err != nil {
		return taskAccess{}, err
	}
	if !domain.CanReadTask(boardRole, taskRole) {
		return taskAccess{}, domain.ErrNotFound
	}
	a := taskAccess{task: t, boardRole: boardRole, taskRole: taskRole}
	a.task.Role = a.role()
	return a, nil
}

func (s *Service) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	a, err := s.taskAccess(ctx, userID, taskID)
	return a.task, err
}

// CreateTask checks the board owner's plan quota, since tasks count against
// the board rather than the caller.
func (s *Service) CreateTask(ctx context.Context, userID, boardID string, in domain.NewTask) (domain.Task, error) {
	if err := domain.Validate(in); err != nil {
		return domain.Task{}, err
	}
	b, role, err := s.boardAccess(ctx, userID, boardID)
	if err != nil {
		return domain.Task{}, err
	}
	if !domain.CanEditBoard(role) {
		return domain.Task{}, domain.ErrForbidden
	}
	plan, err := s.plans.Plan(ctx, b.OwnerID, s.now())
	if err != nil {
		return domain.Task{}, err
	}
	t := in.Build(s.newID(), boardID, userID, s.now())
	quota := func(count int) error { return s.limits.CheckTasks(plan, count) }
	if err := s.store.CreateTask(ctx, &t, quota); err != nil {
		return domain.Task{}, err
	}
	t.Role = role
	s.publish(ctx, domain.TableTasks, domain.ChangeInsert, t.ID, boardID, userID, taskRecord(t), nil, s.audience(ctx, boardID, t.ID, userID))
	return t, nil
}

func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if err := domain.Validate(patch); err != nil {
		return domain.Task{}, err
	}
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !domain.CanEditTask(a.boardRole, a.taskRole) {
		return domain.Task{}, domain.ErrForbidden
	}
	t := a.task
	if t.Version != patch.Version {
		return domain.Task{}, &domain.ConflictError{Current: t}
	}
	old := t
	patch.Apply(&t, s.now())
	if err := s.store.UpdateTask(ctx, &t, patch.Version); err != nil {
		return domain.Task{}, s.taskError(ctx, userID, taskID, err)
	}
	s.publish(ctx, domain.TableTasks, domain.ChangeUpdate, t.ID, t.BoardID, userID, taskRecord(t), taskRecord(old), s.audience(ctx, t.BoardID, t.ID, userID))
	return t, nil
}

// MoveTask places the task at a position in a status column.
func (s *Service) MoveTask(ctx context.Context, userID, taskID string, move domain.TaskMove) (domain.Task, error) {
	if err := domain.Validate(move); err != nil {
		return domain.Task{}, err
	}
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !domain.CanEditTask(a.boardRole, a.taskRole) {
		return domain.Task{}, domain.ErrForbidden
	}
	t := a.task
	if t.Version != move.Version {
		return domain.Task{}, &domain.ConflictError{Current: t}
	}
	old := t
	t.SetStatus(move.Status, s.now())
	if err := s.store.MoveTask(ctx, &t, move.Position, move.Version); err != nil {
		return domain.Task{}, s.taskError(ctx, userID, taskID, err)
	}
	s.publish(ctx, domain.TableTasks, domain.ChangeUpdate, t.ID, t.BoardID, userID, taskRecord(t), taskRecord(old), s.audience(ctx, t.BoardID, t.ID, userID))
	return t, nil
}

func (s *Service) taskError(ctx context.Context, userID, taskID string, err error) error {
	if !errors.Is(err, domain.ErrVersionConflict) {
		return err
	}
	current, gerr := s.GetTask(ctx, userID, taskID)
	if gerr != nil {
		return err
	}
	return &domain.ConflictError{Current: current}
}

// DeleteTask is allowed to board owners and editors, and to the task's
// creator while they can still edit it.
func (s *Service) DeleteTask(ctx context.Context, userID, taskID string) error {
	a, err := s.taskAccess(ctx, userID, taskID)
	if err != nil {
		return err
	}
	creator := a.task.CreatorID == userID && domain.CanEditTask(a.boardRole, a.taskRole)
	if !domain.CanEditBoard(a.boardRole) && !creator {
		return domain.ErrForbidden
	}
	audience := s.audience(ctx, a.task.BoardID, taskID, userID)
	blobs, err := s.store.DeleteTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.deleteBlobs(ctx, blobs)
	s.publish(ctx, domain.TableTasks, domain.ChangeDelete, taskID, a.task.BoardID, userID, nil, taskRecord(a.task), audience)
	return nil
}

// taskRecord strips the caller-specific role before a task is broadcast.
func taskRecord(t domain.Task) domain.Task {
	t.Role = domain.RoleNone
	return t
}
