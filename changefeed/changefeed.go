// Package changefeed carries row-level change events from the services that
// write them to the stream-service and the worker projectors.
//
// Every change is appended to a capped Redis stream, which gives it an id and
// allows replay after reconnects, and then published on a Pub/Sub channel
// for live delivery.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"thrilha/domain"
)

const changeField = "change"

// ErrReplayGap means changes after the requested id are no longer retained
// and the client has to reload its state.
var ErrReplayGap = errors.New("changes no longer available for replay")

type Publisher struct {
	rc      *redis.Client
	stream  string
	channel string
	maxLen  int64
}

func NewPublisher(rc *redis.Client, stream, channel string, maxLen int64) *Publisher {
	return &Publisher{rc: rc, stream: stream, channel: channel, maxLen: maxLen}
}

// Publish appends c to the stream and broadcasts it. The returned change
// carries its stream id.
func (p *Publisher) Publish(ctx context.Context, c domain.Change) (domain.Change, error) {
	c.ID = ""
	data, err := sonic.Marshal(c)
	if err != nil {
		return c, fmt.Errorf("marshal change: %w", err)
	}
	id, err := p.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{changeField: data},
	}).Result()
	if err != nil {
		return c, fmt.Errorf("append change: %w", err)
	}
	c.ID = id
	payload, err := sonic.Marshal(c)
	if err != nil {
		return c, fmt.Errorf("marshal change: %w", err)
	}
	if err := p.rc.Publish(ctx, p.channel, payload).Err(); err != nil {
		return c, fmt.Errorf("publish change: %w", err)
	}
	return c, nil
}

// Subscribe decodes changes from channel and passes them to handle until ctx
// is done. The subscription is re-established with back-off when the
// connection drops.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, handle func(domain.Change)) {
	backoff := 100 * time.Millisecond
	for {
		if consume(ctx, logger, rc, channel, handle) {
			return
		}
		logger.WithField("channel", channel).Warnf("subscription closed, retrying in %s", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// consume returns true when ctx is done.
func consume(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, handle func(domain.Change)) bool {
	sub := rc.Subscribe(ctx, channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err() != nil
			}
			var c domain.Change
			if err := sonic.Unmarshal([]byte(msg.Payload), &c); err != nil {
				logger.WithError(err).Error("unable to parse change")
				continue
			}
			handle(c)
		}
	}
}

// Replay returns the changes after afterID that pass filter for userID,
// oldest first. At most limit changes are returned; if more are pending or
// afterID has been trimmed from the stream ErrReplayGap is returned.
func Replay(ctx context.Context, rc *redis.Client, stream, afterID, userID string, filter Filter, limit int) ([]domain.Change, error) {
	if afterID == "" {
		return nil, nil
	}
	if _, _, err := parseID(afterID); err != nil {
		return nil, err
	}
	oldest, err := rc.XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if len(oldest) == 0 {
		return nil, nil
	}
	if compareIDs(oldest[0].ID, afterID) > 0 {
		return nil, ErrReplayGap
	}

	var out []domain.Change
	cursor := afterID
	for {
		msgs, err := rc.XRangeN(ctx, stream, cursor, "+", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		advanced := false
		for _, m := range msgs {
			if compareIDs(m.ID, cursor) <= 0 {
				continue
			}
			advanced = true
			cursor = m.ID
			c, ok := decodeEntry(m)
			if !ok || !filter.Matches(c, userID) {
				continue
			}
			if len(out) == limit {
				return nil, ErrReplayGap
			}
			out = append(out, c)
		}
		if !advanced {
			return out, nil
		}
	}
}

func decodeEntry(m redis.XMessage) (domain.Change, bool) {
	raw, ok := m.Values[changeField].(string)
	if !ok {
		return domain.Change{}, false
	}
	var c domain.Change
	if err := sonic.UnmarshalString(raw, &c); err != nil {
		return domain.Change{}, false
	}
	c.ID = m.ID
	return c, true
}

func parseID(id string) (ms, seq uint64, err error) {
	left, right, found := strings.Cut(id, "-")
	ms, err = strconv.ParseUint(left, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid change id %q", id)
	}
	if found {
		seq, err = strconv.ParseUint(right, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid change id %q", id)
		}
	}
	return ms, seq, nil
}

// compareIDs orders stream ids. Unparseable ids sort first.
func compareIDs(a, b string) int {
	am, as, _ := parseID(a)
	bm, bs, _ := parseID(b)
	switch {
	case am != bm:
		if am < bm {
			return -1
		}
		return 1
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether stream id is newer than ref.
func After(id, ref string) bool {
	return compareIDs(id, ref) > 0
}
