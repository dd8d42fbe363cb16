package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/billing"
	"thrilha/board-api/service"
	"thrilha/domain"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Fields  []domain.FieldError    `json:"fields,omitempty"`
	Current any                    `json:"current,omitempty"`
	Limit   *domain.PlanLimitError `json:"limit,omitempty"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, errInvalidBody), errors.Is(err, errNoFile):
		return http.StatusBadRequest
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrAlreadyCollaborator),
		errors.Is(err, domain.ErrEmailInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPlanLimitReached):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrUnavailable), errors.Is(err, billing.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err. Unexpected errors are logged and hidden from the
// client.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var (
		verr     *domain.ValidationError
		conflict *domain.ConflictError
		limit    *domain.PlanLimitError
	)
	switch {
	case errors.As(err, &verr):
		resp.Error = "validation failed"
		resp.Fields = verr.Fields
	case errors.As(err, &conflict):
		resp.Current = conflict.Current
	case errors.As(err, &limit):
		resp.Limit = limit
	}
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"route":  c.Path(),
			"user":   identity(c).UserID,
		}).Error("request failed")
		resp.Error = "internal error"
	}
	return c.JSON(status, resp)
}
