// Package api serves the change feed to browsers over Server-Sent Events.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/auth"
	"thrilha/changefeed"
	"thrilha/config"
	"thrilha/domain"
)

const (
	eventChange = "change"
	eventResync = "resync"
)

type Authenticator interface {
	IdentityFromAuthHeader(header string) (auth.Identity, error)
}

// ReplayFunc returns the changes after afterID visible to userID.
type ReplayFunc func(ctx context.Context, afterID, userID string, filter changefeed.Filter, limit int) ([]domain.Change, error)

type Deps struct {
	Auth   Authenticator
	Hub    *Hub
	Replay ReplayFunc
	Stream config.Stream
	Ping   func(ctx context.Context) error
	Logger *log.Logger
}

// Register wires up stream endpoints on the given Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Stream.Heartbeat <= 0 {
		d.Stream.Heartbeat = 25 * time.Second
	}
	e.GET("/stream", streamChanges(d))
	e.GET("/healthz", healthz(d.Ping))
}

func healthz(ping func(ctx context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "redis": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

type resyncPayload struct {
	Reason string `json:"reason"`
}

func streamChanges(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam("token")
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		id, err := d.Auth.IdentityFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		filter := changefeed.ParseFilter(c.QueryParam("tables"), c.QueryParam("board"))
		lastID := c.Request().Header.Get("Last-Event-ID")
		if lastID == "" {
			lastID = c.QueryParam("lastEventId")
		}

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		logger := d.Logger.WithField("user", id.UserID)
		w := c.Response()

		// Register before replaying so nothing published in between is lost.
		cl := newClient(id.UserID, filter, d.Stream.ClientBuffer)
		d.Hub.add(cl)
		defer d.Hub.remove(cl)
		logger.Debug("stream client connected")

		if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		lastSent := lastID
		if lastID != "" && d.Replay != nil {
			changes, err := d.Replay(ctx, lastID, id.UserID, filter, d.Stream.ReplayLimit)
			switch {
			case errors.Is(err, changefeed.ErrReplayGap):
				if writeResync(w, "replay window exceeded") != nil {
					return nil
				}
			case err != nil:
				logger.WithError(err).Warn("replay failed")
				if writeResync(w, "replay unavailable") != nil {
					return nil
				}
			default:
				for _, ch := range changes {
					if writeChange(w, ch) != nil {
						return nil
					}
					lastSent = ch.ID
				}
			}
			flusher.Flush()
		}

		heartbeat := time.NewTicker(d.Stream.Heartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Debug("stream client disconnected")
				return nil
			case <-heartbeat.C:
				if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
					return nil
				}
			case <-cl.resync:
				logger.Warn("stream client too slow; requesting resync")
				if writeResync(w, "events dropped") != nil {
					return nil
				}
			case ch := <-cl.events:
				// Replayed changes may also arrive live.
				if lastSent != "" && !changefeed.After(ch.ID, lastSent) {
					continue
				}
				if writeChange(w, ch) != nil {
					return nil
				}
				lastSent = ch.ID
			}
			flusher.Flush()
		}
	}
}

func writeChange(w io.Writer, ch domain.Change) error {
	data, err := sonic.Marshal(ch.Public())
	if err != nil {
		return err
	}
	return writeEvent(w, ch.ID, eventChange, data)
}

func writeResync(w io.Writer, reason string) error {
	data, err := sonic.Marshal(resyncPayload{Reason: reason})
	if err != nil {
		return err
	}
	return writeEvent(w, "", eventResync, data)
}

func writeEvent(w io.Writer, id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
