package api

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"thrilha/config"
	"thrilha/domain"
)

type changePublisher interface {
	Publish(ctx context.Context, c domain.Change) (domain.Change, error)
}

// ChangeDispatcher publishes change events from a bounded worker pool so
// request handlers do not wait on Redis. When the pool is saturated the
// change is published inline.
type ChangeDispatcher struct {
	pub     changePublisher
	logger  *log.Logger
	jobs    chan domain.Change
	timeout time.Duration
	handoff time.Duration
	retry   retryPolicy

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewChangeDispatcher(pub changePublisher, cfg config.Dispatch, logger *log.Logger) *ChangeDispatcher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	d := &ChangeDispatcher{
		pub:     pub,
		logger:  logger,
		jobs:    make(chan domain.Change, cfg.Buffer),
		timeout: cfg.Timeout,
		handoff: cfg.Handoff,
		retry:   retryPolicy{attempts: cfg.Attempts, initial: cfg.RetryInitial, max: cfg.RetryMax},
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("change dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.Handoff)
	return d
}

// Publish hands c to a worker, or publishes it inline when no worker takes
// it within the hand-off timeout.
func (d *ChangeDispatcher) Publish(ctx context.Context, c domain.Change) error {
	if d.tryEnqueue(c) {
		return nil
	}
	d.logger.WithField("table", c.Table).Warn("change buffer saturated; publishing inline")
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	_, err := d.pub.Publish(pubCtx, c)
	return err
}

// Close stops accepting changes and waits for queued ones to be published.
func (d *ChangeDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *ChangeDispatcher) worker(id int) {
	defer d.wg.Done()
	for c := range d.jobs {
		d.publishWithRetry(c, id)
	}
}

func (d *ChangeDispatcher) publishWithRetry(c domain.Change, workerID int) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		_, err := d.pub.Publish(ctx, c)
		cancel()
		if err == nil {
			return
		}
		entry := d.logger.WithError(err).WithFields(log.Fields{
			"table":   c.Table,
			"entity":  c.EntityID,
			"worker":  workerID,
			"attempt": attempt,
		})
		if attempt >= d.retry.attempts {
			entry.Error("publish change failed; dropping")
			return
		}
		entry.Warn("publish change failed; retrying")
		time.Sleep(d.retry.backoff(attempt))
	}
}

type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

// backoff doubles from initial per failed attempt, capped at max, with 20%
// jitter.
func (p retryPolicy) backoff(attempt int) time.Duration {
	initial, max := p.initial, p.max
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func (d *ChangeDispatcher) tryEnqueue(c domain.Change) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- c:
		return true
	default:
	}

	if d.handoff <= 0 {
		return false
	}
	timer := time.NewTimer(d.handoff)
	defer timer.Stop()
	select {
	case d.jobs <- c:
		return true
	case <-timer.C:
		return false
	}
}
