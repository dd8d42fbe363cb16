package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
	"github.com/volatiletech/null/v8"

	"thrilha/config"
	"thrilha/domain"
)

// MaxDaysBefore is the longest birthday reminder lead accepted by the API.
const MaxDaysBefore = 30

const lockKey = "reminders:lock"

// releaseLock deletes the lock only while it still holds this scan's token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type reminderStore interface {
	DueTasks(ctx context.Context, from, to time.Time, limit int) ([]domain.Task, error)
	MarkReminded(ctx context.Context, taskID string, at time.Time) error
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	Audience(ctx context.Context, boardID, taskID string) ([]string, error)
	GetProfiles(ctx context.Context, ids []string) (map[string]domain.Profile, error)
	BirthdaysOn(ctx context.Context, month, day, daysBefore, year int) ([]domain.Birthday, error)
	MarkBirthdayReminded(ctx context.Context, id string, year int) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a synchronous Kafka writer for the reminders topic.
func NewWriter(cfg config.Kafka) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.RemindersTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// Scheduler periodically publishes reminders. Several replicas may run; a
// Redis lock lets only one of them scan per interval.
type Scheduler struct {
	store    reminderStore
	writer   messageWriter
	redis    *redis.Client
	interval time.Duration
	lead     time.Duration
	batch    int
	loc      *time.Location
	logger   *log.Logger
	now      func() time.Time
}

func NewScheduler(store reminderStore, writer messageWriter, rc *redis.Client, cfg config.Reminders, logger *log.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("reminder timezone: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{
		store:    store,
		writer:   writer,
		redis:    rc,
		interval: cfg.Interval,
		lead:     cfg.Lead,
		batch:    cfg.BatchSize,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run scans immediately and then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if sent, err := s.RunOnce(ctx); err != nil {
			s.logger.WithError(err).Error("reminder scan")
		} else if sent > 0 {
			s.logger.WithField("sent", sent).Info("reminders published")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scan and returns how many reminders were published.
// It returns zero without scanning when another replica holds the lock. The
// lock is released when the scan ends; its TTL only covers a crashed holder.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if s.redis != nil {
		token := uuid.NewString()
		ok, err := s.redis.SetNX(ctx, lockKey, token, s.interval).Result()
		if err != nil {
			return 0, fmt.Errorf("reminder lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := releaseLock.Run(context.WithoutCancel(ctx), s.redis, []string{lockKey}, token).Err(); err != nil {
				s.logger.WithError(err).Warn("release reminder lock")
			}
		}()
	}
	now := s.now()
	taskSent, taskErr := s.scanTasks(ctx, now)
	bdaySent, bdayErr := s.scanBirthdays(ctx, now)
	return taskSent + bdaySent, errors.Join(taskErr, bdayErr)
}

func (s *Scheduler) scanTasks(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.store.DueTasks(ctx, now, now.Add(s.lead), s.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs []error
	for _, t := range tasks {
		n, err := s.remindTask(ctx, t, now)
		if err != nil {
			s.logger.WithError(err).WithField("task", t.ID).Error("task reminder")
			errs = append(errs, err)
			continue
		}
		sent += n
	}
	return sent, errors.Join(errs...)
}

func (s *Scheduler) remindTask(ctx context.Context, t domain.Task, now time.Time) (int, error) {
	board, err := s.store.GetBoard(ctx, t.BoardID)
	if err != nil {
		return 0, err
	}
	audience, err := s.store.Audience(ctx, t.BoardID, t.ID)
	if err != nil {
		return 0, err
	}
	recipients := recipientsFor(t.CreatorID, audience)
	profiles, err := s.store.GetProfiles(ctx, recipients)
	if err != nil {
		return 0, err
	}
	msgs := make([]kafka.Message, 0, len(recipients))
	for _, id := range recipients {
		r := Reminder{
			Kind:      KindTaskDue,
			TaskID:    t.ID,
			BoardID:   t.BoardID,
			BoardName: board.Name,
			Title:     t.Title,
			DueAt:     t.DueAt,
			CreatedAt: now.UTC(),
		}
		withRecipient(&r, id, profiles)
		msg, err := encode(r)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
			return 0, fmt.Errorf("publish task reminder: %w", err)
		}
	}
	if err := s.store.MarkReminded(ctx, t.ID, now); err != nil {
		return len(msgs), err
	}
	return len(msgs), nil
}

// scanBirthdays finds birthdays whose reminder lead lands on today in the
// configured timezone. Feb 29 birthdays are looked up on Feb 28 in non-leap
// years.
func (s *Scheduler) scanBirthdays(ctx context.Context, now time.Time) (int, error) {
	local := now.In(s.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	sent := 0
	var errs []error
	for d := 0; d <= MaxDaysBefore; d++ {
		target := today.AddDate(0, 0, d)
		bdays, err := s.store.BirthdaysOn(ctx, int(target.Month()), target.Day(), d, target.Year())
		if err != nil {
			return sent, err
		}
		if target.Month() == time.February && target.Day() == 28 && !isLeap(target.Year()) {
			leap, err := s.store.BirthdaysOn(ctx, 2, 29, d, target.Year())
			if err != nil {
				return sent, err
			}
			bdays = append(bdays, leap...)
		}
		for _, b := range bdays {
			if err := s.remindBirthday(ctx, b, target, d, now); err != nil {
				s.logger.WithError(err).WithField("birthday", b.ID).Error("birthday reminder")
				errs = append(errs, err)
				continue
			}
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (s *Scheduler) remindBirthday(ctx context.Context, b domain.Birthday, date time.Time, daysBefore int, now time.Time) error {
	profiles, err := s.store.GetProfiles(ctx, []string{b.OwnerID})
	if err != nil {
		return err
	}
	r := Reminder{
		Kind:       KindBirthday,
		BirthdayID: b.ID,
		Name:       b.Name,
		Date:       null.TimeFrom(date),
		Age:        b.AgeOn(date),
		DaysBefore: daysBefore,
		CreatedAt:  now.UTC(),
	}
	withRecipient(&r, b.OwnerID, profiles)
	msg, err := encode(r)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish birthday reminder: %w", err)
	}
	return s.store.MarkBirthdayReminded(ctx, b.ID, date.Year())
}

// recipientsFor merges the task creator into the sorted audience.
func recipientsFor(creatorID string, audience []string) []string {
	out := make([]string, 0, len(audience)+1)
	seen := make(map[string]bool, len(audience)+1)
	for _, id := range append([]string{creatorID}, audience...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func withRecipient(r *Reminder, userID string, profiles map[string]domain.Profile) {
	r.UserID = userID
	if p, ok := profiles[userID]; ok {
		r.Email = p.Email
		r.DisplayName = p.DisplayName
		if p.TelegramChatID.Valid {
			r.TelegramChatID = p.TelegramChatID.Int64
		}
	}
}

func encode(r Reminder) (kafka.Message, error) {
	value, err := sonic.Marshal(r)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(r.UserID), Value: value}, nil
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
