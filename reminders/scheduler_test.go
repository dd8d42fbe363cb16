package reminders

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/volatiletech/null/v8"

	"thrilha/config"
	"thrilha/domain"
	"thrilha/storage"
	"thrilha/testutil"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) reminders(t *testing.T) []Reminder {
	t.Helper()
	out := make([]Reminder, 0, len(w.msgs))
	for _, m := range w.msgs {
		var r Reminder
		if err := sonic.Unmarshal(m.Value, &r); err != nil {
			t.Fatalf("decode reminder: %v", err)
		}
		if string(m.Key) != r.UserID {
			t.Fatalf("message key %q does not match user %q", m.Key, r.UserID)
		}
		out = append(out, r)
	}
	return out
}

// 2026 is not a leap year.
var now = time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*storage.Store, *Scheduler, *captureWriter) {
	t.Helper()
	store, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "reminders.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, rc := testutil.Redis(t)
	w := &captureWriter{}
	logger, _ := test.NewNullLogger()
	s, err := NewScheduler(store, w, rc, config.Reminders{Interval: time.Minute, Lead: 24 * time.Hour, Timezone: "UTC"}, logger)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.now = func() time.Time { return now }
	return store, s, w
}

func seed(t *testing.T, store *storage.Store) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []domain.Profile{
		{ID: "owner", Email: "owner@example.com"},
		{ID: "alice", Email: "alice@example.com", TelegramChatID: null.Int64From(42)},
	} {
		p := p
		if err := store.UpsertProfile(ctx, &p); err != nil {
			t.Fatalf("profile: %v", err)
		}
	}
	b := domain.Board{ID: "b1", OwnerID: "owner", Name: "Home", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateBoard(ctx, &b, nil); err != nil {
		t.Fatalf("board: %v", err)
	}
	if err := store.AddBoardCollaborator(ctx, &domain.Collaborator{ResourceID: "b1", UserID: "bob", Role: domain.RoleEditor, InvitedBy: "owner", CreatedAt: now}); err != nil {
		t.Fatalf("collaborator: %v", err)
	}
	for id, due := range map[string]time.Time{
		"soon":  now.Add(10 * time.Hour),
		"later": now.Add(48 * time.Hour),
	} {
		task := domain.NewTask{Title: "Task " + id, DueAt: null.TimeFrom(due)}.Build(id, "b1", "alice", now)
		if err := store.CreateTask(ctx, &task, nil); err != nil {
			t.Fatalf("task: %v", err)
		}
	}
	for _, nb := range []domain.NewBirthday{
		{Name: "Leap", Month: 2, Day: 29, Year: null.IntFrom(2000), RemindDaysBefore: 1},
		{Name: "Spring", Month: 3, Day: 5, RemindDaysBefore: 0},
	} {
		b := nb.Build(nb.Name, "owner", now)
		if err := store.CreateBirthday(ctx, &b); err != nil {
			t.Fatalf("birthday: %v", err)
		}
	}
}

func TestRunOncePublishesTaskAndBirthdayReminders(t *testing.T) {
	store, s, w := newFixture(t)
	seed(t, store)

	sent, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sent != 4 {
		t.Fatalf("expected 4 reminders, got %d", sent)
	}

	var taskUsers []string
	var birthdays []Reminder
	for _, r := range w.reminders(t) {
		switch r.Kind {
		case KindTaskDue:
			if r.TaskID != "soon" || r.BoardName != "Home" {
				t.Fatalf("unexpected task reminder %+v", r)
			}
			taskUsers = append(taskUsers, r.UserID)
			if r.UserID == "alice" && (r.TelegramChatID != 42 || r.Email != "alice@example.com") {
				t.Fatalf("expected contact details for alice, got %+v", r)
			}
		case KindBirthday:
			birthdays = append(birthdays, r)
		}
	}
	sort.Strings(taskUsers)
	if len(taskUsers) != 3 || taskUsers[0] != "alice" || taskUsers[1] != "bob" || taskUsers[2] != "owner" {
		t.Fatalf("unexpected task recipients %v", taskUsers)
	}
	if len(birthdays) != 1 {
		t.Fatalf("expected one birthday reminder, got %+v", birthdays)
	}
	leap := birthdays[0]
	if leap.Name != "Leap" || leap.DaysBefore != 1 || leap.Date.Time.Day() != 28 || leap.Age.Int != 26 {
		t.Fatalf("unexpected birthday reminder %+v", leap)
	}

	task, err := store.GetTask(context.Background(), "soon")
	if err != nil || !task.RemindedAt.Valid || task.Version != 1 {
		t.Fatalf("expected reminded task without version bump, got %+v %v", task, err)
	}
}

func TestRunOnceDoesNotRepeat(t *testing.T) {
	store, s, w := newFixture(t)
	seed(t, store)
	ctx := context.Background()

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := len(w.msgs)
	if sent, err := s.RunOnce(ctx); err != nil || sent != 0 {
		t.Fatalf("second scan should find nothing, got %d %v", sent, err)
	}
	if len(w.msgs) != first {
		t.Fatalf("expected no new messages, got %d", len(w.msgs)-first)
	}
}

func TestRunOnceReleasesLockAfterScan(t *testing.T) {
	store, s, w := newFixture(t)
	ctx := context.Background()

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("empty run: %v", err)
	}
	if n, err := s.redis.Exists(ctx, lockKey).Result(); err != nil || n != 0 {
		t.Fatalf("lock should be released after the scan, exists=%d %v", n, err)
	}

	// The next tick scans even when it comes before the lock TTL would expire.
	seed(t, store)
	if sent, err := s.RunOnce(ctx); err != nil || sent != 4 {
		t.Fatalf("back to back scan should publish, got %d %v", sent, err)
	}
	if len(w.msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(w.msgs))
	}
}

func TestRunOnceSkipsAndKeepsForeignLock(t *testing.T) {
	store, s, w := newFixture(t)
	seed(t, store)
	ctx := context.Background()

	if err := s.redis.Set(ctx, lockKey, "other-replica", time.Minute).Err(); err != nil {
		t.Fatalf("set lock: %v", err)
	}
	if sent, err := s.RunOnce(ctx); err != nil || sent != 0 {
		t.Fatalf("locked run should skip, got %d %v", sent, err)
	}
	if len(w.msgs) != 0 {
		t.Fatalf("locked run published %d messages", len(w.msgs))
	}
	if got, err := s.redis.Get(ctx, lockKey).Result(); err != nil || got != "other-replica" {
		t.Fatalf("foreign lock must survive, got %q %v", got, err)
	}
}

func TestPublishFailureLeavesTaskUnreminded(t *testing.T) {
	store, s, w := newFixture(t)
	seed(t, store)
	w.err = errors.New("broker down")

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	task, err := store.GetTask(context.Background(), "soon")
	if err != nil || task.RemindedAt.Valid {
		t.Fatalf("task should stay unreminded, got %+v %v", task, err)
	}
}

func TestRecipientsFor(t *testing.T) {
	got := recipientsFor("alice", []string{"alice", "bob", "owner"})
	if len(got) != 3 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("unexpected recipients %v", got)
	}
	if got := recipientsFor("", []string{"owner"}); len(got) != 1 {
		t.Fatalf("unexpected recipients %v", got)
	}
}
