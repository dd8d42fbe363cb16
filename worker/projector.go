package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"thrilha/domain"
)

type activityRecorder interface {
	Record(ctx context.Context, c domain.Change) error
}

type taskIndex interface {
	IndexTask(ctx context.Context, t domain.Task, audience []string) error
	DeleteTask(ctx context.Context, id string) error
	DeleteBoard(ctx context.Context, boardID string) error
}

type taskSource interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	Audience(ctx context.Context, boardID, taskID string) ([]string, error)
	TaskIDsForBoard(ctx context.Context, boardID string) ([]string, error)
}

// projector keeps the activity log and the search index in step with the
// change feed. Both projections are idempotent so redelivered changes are
// harmless.
type projector struct {
	activity activityRecorder
	index    taskIndex
	tasks    taskSource
	timeout  time.Duration
	logger   *log.Logger
}

// handle is the changefeed callback.
func (p *projector) handle(c domain.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.project(ctx, c); err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"table":  c.Table,
			"entity": c.EntityID,
			"change": c.ID,
		}).Error("project change failed")
	}
}

func (p *projector) project(ctx context.Context, c domain.Change) error {
	var errs []error
	if p.activity != nil {
		if err := p.activity.Record(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if p.index != nil {
		if err := p.projectSearch(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *projector) projectSearch(ctx context.Context, c domain.Change) error {
	switch c.Table {
	case domain.TableTasks:
		if c.Type == domain.ChangeDelete {
			return p.index.DeleteTask(ctx, c.EntityID)
		}
		return p.reindexTask(ctx, c.EntityID)
	case domain.TableTaskCollaborators:
		taskID, _, _ := strings.Cut(c.EntityID, ":")
		return p.reindexTask(ctx, taskID)
	case domain.TableBoardCollaborators:
		return p.reindexBoard(ctx, c.BoardID)
	case domain.TableBoards:
		if c.Type == domain.ChangeDelete {
			return p.index.DeleteBoard(ctx, c.BoardID)
		}
	}
	return nil
}

// reindexTask indexes the stored task rather than the change record so that
// out of order deliveries converge on the latest state.
func (p *projector) reindexTask(ctx context.Context, taskID string) error {
	t, err := p.tasks.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return p.index.DeleteTask(ctx, taskID)
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	audience, err := p.tasks.Audience(ctx, t.BoardID, t.ID)
	if err != nil {
		return err
	}
	return p.index.IndexTask(ctx, t, audience)
}

func (p *projector) reindexBoard(ctx context.Context, boardID string) error {
	if boardID == "" {
		return nil
	}
	ids, err := p.tasks.TaskIDsForBoard(ctx, boardID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := p.reindexTask(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
