package api

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"

	"thrilha/board-api/service"
)

const maxWebhookSize = 512 << 10

type webhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

type eventQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// Webhook accepts payment processor events and hands them to the billing
// queue, which the worker applies.
type Webhook struct {
	Verifier webhookVerifier
	Queue    eventQueue
}

type urlResponse struct {
	URL string `json:"url"`
}

func getSubscription(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		summary, err := svc.BillingSummary(c.Request().Context(), identity(c).UserID)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, summary)
	}
}

func postCheckout(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		url, err := svc.Checkout(c.Request().Context(), identity(c))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, urlResponse{URL: url})
	}
}

func postPortal(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		url, err := svc.Portal(c.Request().Context(), identity(c).UserID)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, urlResponse{URL: url})
	}
}

// stripeWebhook verifies the signature, drops events already received and
// enqueues the rest. A failed enqueue answers 500 so the sender retries.
func stripeWebhook(w *Webhook, dedupe Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if w == nil || w.Verifier == nil || w.Queue == nil {
			return c.String(http.StatusServiceUnavailable, "billing not configured")
		}
		payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookSize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ev, err := w.Verifier.VerifyWebhook(payload, c.Request().Header.Get("Stripe-Signature"))
		if err != nil {
			logger.WithError(err).Warn("rejected webhook")
			return c.String(http.StatusBadRequest, "invalid signature")
		}
		entry := logger.WithFields(log.Fields{"event": ev.ID, "type": ev.Type})

		ctx := c.Request().Context()
		if dedupe != nil {
			added, err := dedupe.Add(ctx, "stripe", ev.ID)
			if err != nil {
				entry.WithError(err).Warn("webhook dedupe failed")
			} else if !added {
				entry.Debug("duplicate webhook ignored")
				return c.NoContent(http.StatusOK)
			}
		}

		if err := w.Queue.Enqueue(ctx, payload); err != nil {
			entry.WithError(err).Error("enqueue webhook failed")
			if dedupe != nil {
				if rerr := dedupe.Remove(context.WithoutCancel(ctx), "stripe", ev.ID); rerr != nil {
					entry.WithError(rerr).Error("dedupe rollback failed")
				}
			}
			return c.String(http.StatusInternalServerError, "failed to enqueue event")
		}
		entry.Info("webhook enqueued")
		return c.NoContent(http.StatusOK)
	}
}
