package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"thrilha/config"
	"thrilha/domain"
)

type blockingPublisher struct {
	mu      sync.Mutex
	release chan struct{}
	got     []string
	err     error
}

func (p *blockingPublisher) Publish(ctx context.Context, c domain.Change) (domain.Change, error) {
	if p.release != nil && c.EntityID == "first" {
		select {
		case <-p.release:
		case <-ctx.Done():
			return c, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, c.EntityID)
	return c, p.err
}

func (p *blockingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func TestChangeDispatcherPublishesInBackground(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &blockingPublisher{}
	d := NewChangeDispatcher(pub, config.Dispatch{Workers: 2, Buffer: 8, Timeout: time.Second}, logger)

	for _, id := range []string{"a", "b", "c"} {
		if err := d.Publish(context.Background(), domain.Change{EntityID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	d.Close()
	if got := pub.published(); len(got) != 3 {
		t.Fatalf("expected 3 published changes, got %v", got)
	}
}

func TestChangeDispatcherPublishesInlineWhenSaturated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &blockingPublisher{release: make(chan struct{})}
	d := NewChangeDispatcher(pub, config.Dispatch{Workers: 1, Buffer: 0, Timeout: 5 * time.Second, Handoff: 200 * time.Millisecond}, logger)

	// The only worker takes the first change and blocks on it.
	if err := d.Publish(context.Background(), domain.Change{EntityID: "first"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := d.Publish(context.Background(), domain.Change{EntityID: "second"}); err != nil {
		t.Fatalf("inline publish: %v", err)
	}
	if got := pub.published(); len(got) != 1 || got[0] != "second" {
		t.Fatalf("second change should be published inline, got %v", got)
	}
	close(pub.release)
	d.Close()
	if got := pub.published(); len(got) != 2 {
		t.Fatalf("expected both changes published, got %v", got)
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "change buffer saturated; publishing inline" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected saturation warning")
	}
}

func TestChangeDispatcherAfterClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &blockingPublisher{err: errors.New("redis down")}
	d := NewChangeDispatcher(pub, config.Dispatch{Workers: 1, Buffer: 1}, logger)
	d.Close()
	d.Close()

	if err := d.Publish(context.Background(), domain.Change{EntityID: "late"}); err == nil {
		t.Fatalf("inline publish error should be returned after close")
	}
	if got := pub.published(); len(got) != 1 || got[0] != "late" {
		t.Fatalf("expected inline publish after close, got %v", got)
	}
}

type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyPublisher) Publish(_ context.Context, c domain.Change) (domain.Change, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return c, errors.New("redis down")
	}
	return c, nil
}

func TestChangeDispatcherRetriesFailedPublishes(t *testing.T) {
	cases := []struct {
		name      string
		failures  int
		wantCalls int
		wantLog   string
	}{
		{"recovers", 2, 3, "publish change failed; retrying"},
		{"gives up", 5, 3, "publish change failed; dropping"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			pub := &flakyPublisher{failures: tc.failures}
			d := NewChangeDispatcher(pub, config.Dispatch{
				Workers: 1, Buffer: 1, Timeout: time.Second,
				Attempts: 3, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond,
			}, logger)
			if err := d.Publish(context.Background(), domain.Change{EntityID: "a"}); err != nil {
				t.Fatalf("publish: %v", err)
			}
			d.Close()
			if pub.calls != tc.wantCalls {
				t.Fatalf("expected %d calls, got %d", tc.wantCalls, pub.calls)
			}
			if hook.LastEntry() == nil || hook.LastEntry().Message != tc.wantLog {
				t.Fatalf("expected %q, got %+v", tc.wantLog, hook.LastEntry())
			}
		})
	}
}

func TestRetryBackoffIsCapped(t *testing.T) {
	p := retryPolicy{initial: 100 * time.Millisecond, max: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		got := p.backoff(attempt)
		want := 100 * time.Millisecond << (attempt - 1)
		if want > time.Second {
			want = time.Second
		}
		lo, hi := time.Duration(float64(want)*0.8), time.Duration(float64(want)*1.2)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
}
