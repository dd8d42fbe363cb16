package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"thrilha/domain"
	"thrilha/testutil"
)

func change(t *testing.T, table, board string, audience ...string) domain.Change {
	t.Helper()
	c, err := domain.NewChange(table, domain.ChangeUpdate, "e1", map[string]string{"id": "e1"}, nil)
	if err != nil {
		t.Fatalf("new change: %v", err)
	}
	c.BoardID = board
	c.Audience = audience
	return c
}

func TestPublishAssignsStreamID(t *testing.T) {
	mr, rc := testutil.Redis(t)
	p := NewPublisher(rc, "changes", "changes", 100)

	got, err := p.Publish(context.Background(), change(t, domain.TableTasks, "b1", "u1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected stream id")
	}
	entries, err := mr.Stream("changes")
	if err != nil || len(entries) != 1 || entries[0].ID != got.ID {
		t.Fatalf("unexpected stream %v %v", entries, err)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	_, rc := testutil.Redis(t)
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan domain.Change, 1)
	done := make(chan struct{})
	go func() {
		Subscribe(ctx, logger, rc, "changes", func(c domain.Change) { received <- c })
		close(done)
	}()

	p := NewPublisher(rc, "changes", "changes", 100)
	deadline := time.After(2 * time.Second)
	for {
		if _, err := p.Publish(ctx, change(t, domain.TableBoards, "b1", "u1")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case c := <-received:
			if c.Table != domain.TableBoards || c.ID == "" || !c.VisibleTo("u1") {
				t.Fatalf("unexpected change %+v", c)
			}
			cancel()
			<-done
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestReplayFiltersAfterID(t *testing.T) {
	_, rc := testutil.Redis(t)
	ctx := context.Background()
	p := NewPublisher(rc, "changes", "changes", 100)

	first, _ := p.Publish(ctx, change(t, domain.TableTasks, "b1", "u1"))
	if _, err := p.Publish(ctx, change(t, domain.TableTasks, "b1", "u2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	third, _ := p.Publish(ctx, change(t, domain.TableTasks, "b1", "u1", "u2"))
	if _, err := p.Publish(ctx, change(t, domain.TableBoards, "b2", "u1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := Replay(ctx, rc, "changes", first.ID, "u1", ParseFilter("tasks", ""), 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 || got[0].ID != third.ID {
		t.Fatalf("unexpected replay %+v", got)
	}

	all, err := Replay(ctx, rc, "changes", first.ID, "u1", Filter{}, 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 changes, got %d %v", len(all), err)
	}

	if _, err := Replay(ctx, rc, "changes", first.ID, "u1", Filter{}, 1); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("expected gap when over limit, got %v", err)
	}
	if none, err := Replay(ctx, rc, "changes", "", "u1", Filter{}, 10); err != nil || none != nil {
		t.Fatalf("empty id must not replay: %v %v", none, err)
	}
	if _, err := Replay(ctx, rc, "changes", "garbage", "u1", Filter{}, 10); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestReplayDetectsTrimmedHistory(t *testing.T) {
	_, rc := testutil.Redis(t)
	ctx := context.Background()
	p := NewPublisher(rc, "changes", "changes", 100)
	c, _ := p.Publish(ctx, change(t, domain.TableTasks, "b1", "u1"))

	if _, err := Replay(ctx, rc, "changes", "1-0", "u1", Filter{}, 10); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("expected gap for trimmed id, got %v", err)
	}
	if got, err := Replay(ctx, rc, "changes", c.ID, "u1", Filter{}, 10); err != nil || len(got) != 0 {
		t.Fatalf("expected nothing after latest, got %v %v", got, err)
	}
}

func TestFilterMatches(t *testing.T) {
	c := change(t, domain.TableTasks, "b1", "u1")
	cases := []struct {
		name   string
		filter Filter
		user   string
		want   bool
	}{
		{"no filter", Filter{}, "u1", true},
		{"outside audience", Filter{}, "u2", false},
		{"table match", ParseFilter("boards, tasks", ""), "u1", true},
		{"table mismatch", ParseFilter("boards", ""), "u1", false},
		{"board match", ParseFilter("", "b1"), "u1", true},
		{"board mismatch", ParseFilter("", "b2"), "u1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(c, tc.user); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCompareIDs(t *testing.T) {
	if compareIDs("5-1", "5-0") != 1 || compareIDs("4-9", "5-0") != -1 || compareIDs("7-0", "7") != 0 {
		t.Fatal("unexpected ordering")
	}
}
