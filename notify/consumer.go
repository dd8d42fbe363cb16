package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"thrilha/config"
	"thrilha/reminders"
)

const maxAttempts = 3

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader returns a consumer-group reader for the reminders topic.
func NewReader(cfg config.Kafka, logger *log.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.RemindersTopic,
		MaxAttempts: 3,
		MaxWait:     10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debugf("kafka: "+msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Errorf("kafka: "+msg, args...)
		}),
	})
}

// Dispatcher renders reminders and hands them to every sender that can reach
// the recipient.
type Dispatcher struct {
	senders []Sender
	appURL  string
	logger  *log.Logger
}

func NewDispatcher(senders []Sender, appURL string, logger *log.Logger) *Dispatcher {
	return &Dispatcher{senders: senders, appURL: appURL, logger: logger}
}

// Deliver sends r on all accepting channels. Errors from individual channels
// are joined; ErrUndeliverable is returned when no channel accepts r.
func (d *Dispatcher) Deliver(ctx context.Context, r reminders.Reminder) error {
	channels := d.channels(r)
	if len(channels) == 0 {
		return ErrUndeliverable
	}
	m, err := Render(r, d.appURL)
	if err != nil {
		return err
	}
	_, err = d.send(ctx, r, m, channels)
	return err
}

func (d *Dispatcher) channels(r reminders.Reminder) []Sender {
	var out []Sender
	for _, s := range d.senders {
		if s.Accepts(r) {
			out = append(out, s)
		}
	}
	return out
}

// send hands m to each sender once and returns the senders that failed.
func (d *Dispatcher) send(ctx context.Context, r reminders.Reminder, m Message, senders []Sender) ([]Sender, error) {
	var (
		failed []Sender
		errs   []error
	)
	for _, s := range senders {
		if err := s.Send(ctx, r, m); err != nil {
			failed = append(failed, s)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.logger.WithField("user", r.UserID).WithField("channel", s.Name()).Debug("reminder delivered")
	}
	return failed, errors.Join(errs...)
}

// Consumer reads reminders from Kafka and delivers them.
type Consumer struct {
	reader     messageReader
	dispatcher *Dispatcher
	logger     *log.Logger
	backoff    time.Duration
}

func NewConsumer(reader messageReader, dispatcher *Dispatcher, logger *log.Logger) *Consumer {
	return &Consumer{reader: reader, dispatcher: dispatcher, logger: logger, backoff: time.Second}
}

// Run consumes until ctx is cancelled and then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Error("read reminder")
			continue
		}
		c.handleWithRetry(ctx, msg)
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) {
	entry := c.logger.WithField("partition", msg.Partition).WithField("offset", msg.Offset)
	var r reminders.Reminder
	if err := sonic.Unmarshal(msg.Value, &r); err != nil {
		entry.WithError(err).Error("dropping undecodable reminder")
		return
	}
	entry = entry.WithField("user", r.UserID).WithField("kind", string(r.Kind))

	pending := c.dispatcher.channels(r)
	if len(pending) == 0 {
		entry.Info("recipient has no delivery channel")
		return
	}
	m, err := Render(r, c.dispatcher.appURL)
	if err != nil {
		entry.WithError(err).Error("dropping unrenderable reminder")
		return
	}

	// Channels that succeeded are not retried.
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pending, lastErr = c.dispatcher.send(ctx, r, m, pending)
		if len(pending) == 0 {
			return
		}
		entry.WithError(lastErr).WithField("attempt", attempt).Warn("reminder delivery failed")
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
	}
	entry.WithError(lastErr).Error("giving up on reminder")
}
