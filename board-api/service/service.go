// Package service holds the board API's business rules: access checks, plan
// limits, optimistic versioning and change publication. Handlers in the api
// package only decode requests and map errors.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"thrilha/activity"
	"thrilha/domain"
	"thrilha/search"
	"thrilha/storage"
)

// Store is the relational storage the service needs. *storage.Store
// implements it.
type Store interface {
	GetProfile(ctx context.Context, id string) (domain.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (domain.Profile, error)
	GetProfiles(ctx context.Context, ids []string) (map[string]domain.Profile, error)
	UpsertProfile(ctx context.Context, p *domain.Profile) error
	EnsureProfile(ctx context.Context, id, email string) (domain.Profile, error)
	SetAvatar(ctx context.Context, id, url string) error

	ListBoards(ctx context.Context, userID string) ([]domain.Board, error)
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	BoardRole(ctx context.Context, boardID, userID string) (domain.Role, error)
	CountOwnedBoards(ctx context.Context, ownerID string) (int, error)
	CreateBoard(ctx context.Context, b *domain.Board, quota storage.Quota) error
	UpdateBoard(ctx context.Context, b *domain.Board, expectedVersion int64) error
	DeleteBoard(ctx context.Context, id string) ([]string, error)

	ListTasks(ctx context.Context, boardID string, f storage.TaskFilter) ([]domain.Task, error)
	ListSharedTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	TaskRole(ctx context.Context, taskID, userID string) (domain.Role, error)
	CreateTask(ctx context.Context, t *domain.Task, quota storage.Quota) error
	UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error
	MoveTask(ctx context.Context, t *domain.Task, position int, expectedVersion int64) error
	DeleteTask(ctx context.Context, id string) ([]string, error)
	CalendarTasks(ctx context.Context, userID string, from, to time.Time) ([]domain.Task, error)

	ListBoardCollaborators(ctx context.Context, boardID string) ([]domain.Collaborator, error)
	AddBoardCollaborator(ctx context.Context, c *domain.Collaborator) error
	RemoveBoardCollaborator(ctx context.Context, boardID, userID string) error
	ListTaskCollaborators(ctx context.Context, taskID string) ([]domain.Collaborator, error)
	AddTaskCollaborator(ctx context.Context, c *domain.Collaborator) error
	RemoveTaskCollaborator(ctx context.Context, taskID, userID string) error
	Audience(ctx context.Context, boardID, taskID string) ([]string, error)

	ListBirthdays(ctx context.Context, ownerID string) ([]domain.Birthday, error)
	GetBirthday(ctx context.Context, id string) (domain.Birthday, error)
	CreateBirthday(ctx context.Context, b *domain.Birthday) error
	UpdateBirthday(ctx context.Context, b *domain.Birthday) error
	DeleteBirthday(ctx context.Context, id string) error

	ListAttachments(ctx context.Context, taskID string) ([]domain.Attachment, error)
	GetAttachment(ctx context.Context, id string) (domain.Attachment, error)
	CreateAttachment(ctx context.Context, a *domain.Attachment) error
	DeleteAttachment(ctx context.Context, id string) error
}

// Plans resolves a user's subscription and effective plan.
type Plans interface {
	Subscription(ctx context.Context, userID string) (*domain.Subscription, error)
	Plan(ctx context.Context, userID string, now time.Time) (domain.Plan, error)
}

// Blobs stores uploaded files.
type Blobs interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, name string) error
	BlobName(publicURL string) (string, bool)
}

// ChangeSink receives change events after a successful mutation.
type ChangeSink interface {
	Publish(ctx context.Context, c domain.Change) error
}

// Activity reads a board's activity log.
type Activity interface {
	List(ctx context.Context, boardID string, limit int) ([]activity.Item, error)
}

// Search answers full text task queries.
type Search interface {
	Search(ctx context.Context, userID, query string, limit int) ([]search.Hit, error)
}

// Payments creates hosted billing sessions.
type Payments interface {
	Checkout(ctx context.Context, userID, email string, current *domain.Subscription) (string, error)
	Portal(ctx context.Context, customerID string) (string, error)
}

// Deps are the collaborators of a Service. Activity, Search and Payments may
// be nil when the deployment does not provide them.
type Deps struct {
	Store    Store
	Plans    Plans
	Limits   domain.PlanTable
	Blobs    Blobs
	Changes  ChangeSink
	Activity Activity
	Search   Search
	Payments Payments
	Logger   *log.Logger
}

type Service struct {
	store    Store
	plans    Plans
	limits   domain.PlanTable
	blobs    Blobs
	changes  ChangeSink
	activity Activity
	search   Search
	payments Payments
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
}

func New(d Deps) *Service {
	if d.Store == nil || d.Plans == nil {
		panic("service.New: store and plans are required")
	}
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Limits == nil {
		d.Limits = domain.DefaultPlanTable()
	}
	return &Service{
		store:    d.Store,
		plans:    d.Plans,
		limits:   d.Limits,
		blobs:    d.Blobs,
		changes:  d.Changes,
		activity: d.Activity,
		search:   d.Search,
		payments: d.Payments,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// publish emits a change. Failures are logged, never returned: the write has
// already committed and clients resync on reconnect.
func (s *Service) publish(ctx context.Context, table string, typ domain.ChangeType, entityID, boardID, actor string, record, old any, audience []string) {
	if s.changes == nil || len(audience) == 0 {
		return
	}
	c, err := domain.NewChange(table, typ, entityID, record, old)
	if err != nil {
		s.logger.WithError(err).WithField("table", table).Error("encode change")
		return
	}
	c.BoardID = boardID
	c.ActorID = actor
	c.Audience = audience
	if err := s.changes.Publish(ctx, c); err != nil {
		s.logger.WithError(err).WithField("table", table).Error("publish change")
	}
}

// audience resolves the recipients of a board or task change, logging and
// falling back to the actor alone on failure.
func (s *Service) audience(ctx context.Context, boardID, taskID, actor string) []string {
	ids, err := s.store.Audience(ctx, boardID, taskID)
	if err != nil {
		s.logger.WithError(err).WithField("board", boardID).Error("resolve audience")
		return []string{actor}
	}
	return ids
}

func (s *Service) deleteBlobs(ctx context.Context, names []string) {
	if s.blobs == nil {
		return
	}
	for _, name := range names {
		if err := s.blobs.Delete(ctx, name); err != nil {
			s.logger.WithError(err).WithField("blob", name).Warn("delete blob")
		}
	}
}
