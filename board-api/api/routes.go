// Package api exposes the board service over HTTP.
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Service *service.Service
	Auth    Authenticator
	Deduper Deduper
	Limiter *RateLimiter
	// Webhook may be nil when billing is not configured.
	Webhook *Webhook
	Health  map[string]HealthCheck
	Logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	svc, logger := d.Service, d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	idem := Idempotent(d.Deduper, logger)

	e.GET("/healthz", healthz(d.Health, logger))
	e.POST("/webhooks/stripe", stripeWebhook(d.Webhook, d.Deduper, logger))

	g := e.Group("/api", GunzipBody(logger), RequireAuth(d.Auth), d.Limiter.Middleware())

	g.GET("/profile", getProfile(svc, logger))
	g.PUT("/profile", putProfile(svc, logger))
	g.POST("/profile/avatar", postAvatar(svc, logger))

	g.GET("/boards", listBoards(svc, logger))
	g.POST("/boards", createBoard(svc, logger), idem)
	g.GET("/boards/:id", getBoard(svc, logger))
	g.PATCH("/boards/:id", updateBoard(svc, logger))
	g.DELETE("/boards/:id", deleteBoard(svc, logger))
	g.GET("/boards/:id/tasks", listTasks(svc, logger))
	g.POST("/boards/:id/tasks", createTask(svc, logger), idem)
	g.GET("/boards/:id/collaborators", listBoardCollaborators(svc, logger))
	g.POST("/boards/:id/collaborators", addBoardCollaborator(svc, logger), idem)
	g.DELETE("/boards/:id/collaborators/:userId", removeBoardCollaborator(svc, logger))
	g.GET("/boards/:id/activity", boardActivity(svc, logger))

	g.GET("/tasks/shared", listSharedTasks(svc, logger))
	g.GET("/tasks/:id", getTask(svc, logger))
	g.PATCH("/tasks/:id", updateTask(svc, logger))
	g.DELETE("/tasks/:id", deleteTask(svc, logger))
	g.POST("/tasks/:id/move", moveTask(svc, logger))
	g.GET("/tasks/:id/collaborators", listTaskCollaborators(svc, logger))
	g.POST("/tasks/:id/collaborators", addTaskCollaborator(svc, logger), idem)
	g.DELETE("/tasks/:id/collaborators/:userId", removeTaskCollaborator(svc, logger))
	g.GET("/tasks/:id/attachments", listAttachments(svc, logger))
	g.POST("/tasks/:id/attachments", addAttachment(svc, logger), idem)
	g.DELETE("/tasks/:id/attachments/:attachmentId", deleteAttachment(svc, logger))

	g.GET("/birthdays", listBirthdays(svc, logger))
	g.POST("/birthdays", createBirthday(svc, logger), idem)
	g.PATCH("/birthdays/:id", updateBirthday(svc, logger))
	g.DELETE("/birthdays/:id", deleteBirthday(svc, logger))

	g.GET("/calendar", getCalendar(svc, logger))
	g.GET("/search", searchTasks(svc, logger))

	g.GET("/billing/subscription", getSubscription(svc, logger))
	g.POST("/billing/checkout", postCheckout(svc, logger))
	g.POST("/billing/portal", postPortal(svc, logger))
}
