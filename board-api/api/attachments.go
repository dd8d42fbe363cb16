package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
)

func listAttachments(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := svc.ListAttachments(c.Request().Context(), identity(c).UserID, c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(list))
	}
}

func addAttachment(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		up, err := readUpload(c)
		if err != nil {
			return writeError(c, logger, err)
		}
		att, err := svc.AddAttachment(c.Request().Context(), identity(c).UserID, c.Param("id"), up.name, up.contentType, up.data)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, att)
	}
}

func deleteAttachment(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.DeleteAttachment(c.Request().Context(), identity(c).UserID, c.Param("id"), c.Param("attachmentId")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
