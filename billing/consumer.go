package billing

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
)

// MaxDeliveries is how many failed deliveries a message gets. A message that
// fails once its dequeue count exceeds it is dropped as poison.
const MaxDeliveries = 5

type messageQueue interface {
	Dequeue(ctx context.Context, visibility time.Duration) (*Message, error)
	Delete(ctx context.Context, m *Message) error
}

type eventApplier interface {
	Apply(ctx context.Context, ev stripe.Event) error
}

// Consumer drains the billing queue into the mirror.
type Consumer struct {
	Queue        messageQueue
	Mirror       eventApplier
	Logger       *log.Logger
	PollInterval time.Duration
	Visibility   time.Duration
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	poll := c.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		processed, err := c.ProcessOne(ctx)
		if err != nil {
			c.logger().WithError(err).Error("billing queue")
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// ProcessOne handles a single message and reports whether one was available.
// Failed messages are left on the queue for redelivery until their dequeue
// count exceeds MaxDeliveries.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	visibility := c.Visibility
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	msg, err := c.Queue.Dequeue(ctx, visibility)
	if err != nil || msg == nil {
		return false, err
	}
	entry := c.logger().WithField("message", msg.ID).WithField("deliveries", msg.DequeueCount)
	var ev stripe.Event
	if err := sonic.UnmarshalString(msg.Text, &ev); err != nil {
		entry.WithError(err).Error("dropping undecodable billing message")
		return true, c.Queue.Delete(ctx, msg)
	}
	if err := c.Mirror.Apply(ctx, ev); err != nil {
		if msg.DequeueCount > MaxDeliveries {
			entry.WithError(err).WithField("event", ev.ID).Error("dropping poison billing message")
			return true, c.Queue.Delete(ctx, msg)
		}
		entry.WithError(err).WithField("event", ev.ID).Warn("billing event failed, will retry")
		return true, nil
	}
	return true, c.Queue.Delete(ctx, msg)
}

func (c *Consumer) logger() *log.Logger {
	if c.Logger == nil {
		return log.StandardLogger()
	}
	return c.Logger
}
